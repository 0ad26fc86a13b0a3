// Package middleware wires Sentry around the HTTP surface. The storefront
// forwards the shopper's identity in X-Owner-* headers; those become the
// Sentry user so events group per shop account, and captured faults carry
// their category tag so relay failures separate from storage failures.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/sirupsen/logrus"

	"github.com/datadove/tryon-preview-engine/internal/fault"
)

// Sentry tags every request scope with method, path, and the forwarded owner
// identity, and reports 5xx responses.
func Sentry(repanic bool) func(http.Handler) http.Handler {
	sentryHandler := sentryhttp.New(sentryhttp.Options{
		Repanic:         repanic,
		WaitForDelivery: false,
		Timeout:         2 * time.Second,
	})

	return func(next http.Handler) http.Handler {
		return sentryHandler.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
				hub.Scope().SetRequest(r)
				hub.Scope().SetTag("http.method", r.Method)
				hub.Scope().SetTag("http.path", r.URL.Path)
				attachOwner(hub.Scope(), r)
			}

			next.ServeHTTP(wrapped, r)

			if wrapped.status >= 500 {
				if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
					hub.WithScope(func(scope *sentry.Scope) {
						scope.SetLevel(sentry.LevelError)
						scope.SetTag("http.status_code", fmt.Sprintf("%d", wrapped.status))
						hub.CaptureMessage(fmt.Sprintf("HTTP %d: %s %s", wrapped.status, r.Method, r.URL.Path))
					})
				}
			}
		}))
	}
}

// attachOwner copies the storefront's identity headers onto the scope. Guest
// requests stay anonymous but are tagged as such so their error rate can be
// tracked separately.
func attachOwner(scope *sentry.Scope, r *http.Request) {
	id := r.Header.Get("X-Owner-Id")
	if id == "" {
		scope.SetTag("owner.anonymous", "true")
		return
	}
	scope.SetTag("owner.anonymous", "false")
	scope.SetUser(sentry.User{
		ID:    id,
		Email: r.Header.Get("X-Owner-Email"),
	})
}

// Recovery converts panics into a 500 response and a Sentry event instead of
// killing the connection.
func Recovery() func(http.Handler) http.Handler {
	logger := logrus.WithField("module", "middleware")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.WithFields(logrus.Fields{
						"error":  err,
						"method": r.Method,
						"path":   r.URL.Path,
					}).Error("Panic recovered")

					if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
						hub.RecoverWithContext(r.Context(), err)
						hub.Flush(2 * time.Second)
					} else {
						sentry.CurrentHub().RecoverWithContext(r.Context(), err)
						sentry.Flush(2 * time.Second)
					}

					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// CaptureFault reports a tagged workflow failure. The failure category
// becomes a searchable tag; extra tags (storage key, garment URL host) may
// be attached by the caller.
func CaptureFault(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub = hub.Clone()

	hub.Scope().SetTag("failure.category", string(fault.CategoryOf(err)))
	for k, v := range tags {
		hub.Scope().SetTag(k, v)
	}
	hub.CaptureException(err)
}

// statusWriter records the response code for the 5xx check. The first
// WriteHeader wins, matching net/http semantics.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.status = code
		sw.written = true
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}
