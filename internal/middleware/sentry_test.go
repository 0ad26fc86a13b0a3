package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datadove/tryon-preview-engine/internal/fault"
)

// captureTransport keeps every event in memory so tests can assert on the
// tags and user identity the middleware attaches.
type captureTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (t *captureTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *captureTransport) Flush(time.Duration) bool { return true }

func (t *captureTransport) Configure(sentry.ClientOptions) {}

func (t *captureTransport) Close() {}

func (t *captureTransport) FlushWithContext(context.Context) bool { return true }

func (t *captureTransport) drain() []*sentry.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.events
	t.events = nil
	return out
}

var (
	transportOnce sync.Once
	transport     = &captureTransport{}
)

func initSentry(t *testing.T) *captureTransport {
	t.Helper()
	transportOnce.Do(func() {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:       "https://test@sentry.example.com/1",
			Transport: transport,
		})
		if err != nil {
			t.Fatalf("sentry init: %v", err)
		}
	})
	transport.drain()
	return transport
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSentryTagsOwnerIdentity(t *testing.T) {
	tr := initSentry(t)
	handler := Sentry(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	req := httptest.NewRequest("POST", "/api/preview", nil)
	req.Header.Set("X-Owner-Id", "42")
	req.Header.Set("X-Owner-Email", "a@b.test")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	events := tr.drain()
	require.Len(t, events, 1, "a 5xx response must produce one event")

	ev := events[0]
	assert.Equal(t, "42", ev.User.ID)
	assert.Equal(t, "a@b.test", ev.User.Email)
	assert.Equal(t, "false", ev.Tags["owner.anonymous"])
	assert.Equal(t, "POST", ev.Tags["http.method"])
	assert.Equal(t, "/api/preview", ev.Tags["http.path"])
	assert.Equal(t, "502", ev.Tags["http.status_code"])
}

func TestSentryAnonymousRequestTagged(t *testing.T) {
	tr := initSentry(t)
	handler := Sentry(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest("GET", "/api/images", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	events := tr.drain()
	require.Len(t, events, 1)
	assert.Equal(t, "true", events[0].Tags["owner.anonymous"])
	assert.Empty(t, events[0].User.ID)
}

func TestSentryIgnoresClientErrors(t *testing.T) {
	tr := initSentry(t)
	handler := Sentry(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req := httptest.NewRequest("POST", "/api/preview", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, tr.drain(), "4xx responses are the user's problem, not an event")
}

func TestSentrySuccessProducesNoEvent(t *testing.T) {
	tr := initSentry(t)
	handler := Sentry(false)(okHandler())

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, tr.drain())
}

func TestRecoveryConvertsPanic(t *testing.T) {
	tr := initSentry(t)
	handler := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("normalizer exploded")
	}))

	req := httptest.NewRequest("POST", "/api/preview", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, tr.drain(), "the panic must reach Sentry")
}

func TestCaptureFaultTagsCategory(t *testing.T) {
	tr := initSentry(t)

	err := fault.Newf(fault.StorageWriteError, "put object: access denied")
	CaptureFault(context.Background(), err, map[string]string{
		"storage.key": "shop.example.com/42-a@b.test/1_x.jpg",
	})

	events := tr.drain()
	require.Len(t, events, 1)
	assert.Equal(t, "storage_write_error", events[0].Tags["failure.category"])
	assert.Equal(t, "shop.example.com/42-a@b.test/1_x.jpg", events[0].Tags["storage.key"])
}

func TestCaptureFaultNilError(t *testing.T) {
	tr := initSentry(t)
	CaptureFault(context.Background(), nil, nil)
	assert.Empty(t, tr.drain())
}
