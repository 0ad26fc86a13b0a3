// Package proxy exposes the preview engine over HTTP.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/datadove/tryon-preview-engine/internal/access"
	"github.com/datadove/tryon-preview-engine/internal/broker"
	"github.com/datadove/tryon-preview-engine/internal/config"
	"github.com/datadove/tryon-preview-engine/internal/database"
	"github.com/datadove/tryon-preview-engine/internal/imaging"
	"github.com/datadove/tryon-preview-engine/internal/metrics"
	"github.com/datadove/tryon-preview-engine/internal/middleware"
	"github.com/datadove/tryon-preview-engine/internal/preview"
	"github.com/datadove/tryon-preview-engine/internal/relay"
	"github.com/datadove/tryon-preview-engine/internal/retention"
	"github.com/datadove/tryon-preview-engine/internal/storage"
)

// Service is the workflow surface the handlers call.
type Service interface {
	Generate(ctx context.Context, req preview.Request) (*preview.Result, error)
	ListImages(ctx context.Context, id access.Identity) ([]string, error)
	DeleteImage(ctx context.Context, id access.Identity, imageURL string) (bool, error)
	FetchImage(ctx context.Context, key string) ([]byte, error)
}

// LicenseValidator reports the state of the installed license.
type LicenseValidator interface {
	ValidateLicense(ctx context.Context) (*relay.LicenseStatus, error)
}

// SessionTracker receives login and logout notifications from the storefront.
type SessionTracker interface {
	MarkLogin(ownerID int64, email string, at time.Time) error
	MarkLogout(ownerID int64, email string, at time.Time) error
}

// Normalizer re-encodes proxied images before they leave the service.
type Normalizer interface {
	Normalize(data []byte) ([]byte, error)
}

type Server struct {
	config       *config.Config
	svc          Service
	license      LicenseValidator
	sessions     SessionTracker
	normalizer   Normalizer
	retention    *retention.Manager
	router       *mux.Router
	metrics      *metrics.Metrics
	db           *database.DB
	shuttingDown int32 // atomic flag for shutdown state
}

// NewServer wires the full engine together behind one HTTP surface.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.NewConnection(database.Config{
		Driver:           cfg.Database.Driver,
		ConnectionString: cfg.Database.ConnectionString,
		MaxOpenConns:     cfg.Database.MaxOpenConns,
		MaxIdleConns:     cfg.Database.MaxIdleConns,
		ConnMaxLifetime:  cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := db.EnsureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure database schema: %w", err)
	}

	normalizer, err := imaging.NewNormalizer(cfg.Imaging)
	if err != nil {
		return nil, fmt.Errorf("failed to create image normalizer: %w", err)
	}

	m := metrics.NewMetrics("tryon_preview_engine")

	brokerClient := broker.NewClient(cfg.Broker, cfg.Relay.LicenseKey, cfg.Relay.SiteURL)
	factory := storage.NewFactory(cfg.Storage, brokerClient, db)
	relayClient := relay.NewClient(cfg.Relay, m)
	policy := access.NewPolicy(cfg.Access, db, db)

	siteHost := cfg.SiteHost()
	svc := preview.NewService(siteHost, normalizer, relayClient, policy,
		func(ctx context.Context) (preview.ImageStore, error) {
			return factory.Open(ctx)
		})
	manager := retention.NewManager(cfg.Retention, siteHost, db, db,
		func(ctx context.Context) (retention.ObjectStore, error) {
			return factory.Open(ctx)
		}, m)

	s := &Server{
		config:     cfg,
		svc:        svc,
		license:    relayClient,
		sessions:   manager,
		normalizer: normalizer,
		retention:  manager,
		router:     mux.NewRouter(),
		metrics:    m,
		db:         db,
	}

	s.setupRoutes()

	s.router.Use(s.metrics.Middleware())

	if s.config.Sentry.Enabled {
		s.router.Use(middleware.Recovery())
		s.router.Use(middleware.Sentry(false))
		logrus.Info("Sentry middleware enabled")
	}

	return s, nil
}

// ServeHTTP handles incoming requests with security headers applied first.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.setSecurityHeaders(w)
	s.router.ServeHTTP(w, r)
}

// setSecurityHeaders applies security headers
func (s *Server) setSecurityHeaders(w http.ResponseWriter) {
	// Prevent clickjacking attacks
	w.Header().Set("X-Frame-Options", "DENY")

	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Enforce HTTPS even behind a TLS-terminating reverse proxy
	w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

	// Referrer Policy - don't leak referrer information
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
}

func (s *Server) setupRoutes() {
	// Monitoring endpoints first
	s.router.HandleFunc("/health", s.healthCheck).Methods("GET", "HEAD")
	s.router.HandleFunc("/ready", s.readinessCheck).Methods("GET", "HEAD")
	if s.config.Monitoring.MetricsEnabled {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	if s.config.Monitoring.PprofEnabled {
		logrus.Info("pprof profiling endpoints enabled at /debug/pprof/")
		s.router.HandleFunc("/debug/pprof/", pprof.Index)
		s.router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.router.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.router.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		s.router.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		s.router.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	}

	s.router.HandleFunc("/api/preview", s.handlePreview).Methods("POST")
	s.router.HandleFunc("/api/images", s.handleListImages).Methods("GET")
	s.router.HandleFunc("/api/images", s.handleDeleteImage).Methods("DELETE")
	s.router.HandleFunc("/api/license/validate", s.handleValidateLicense).Methods("POST")
	s.router.HandleFunc("/api/session/login", s.handleLogin).Methods("POST")
	s.router.HandleFunc("/api/session/logout", s.handleLogout).Methods("POST")
	s.router.HandleFunc("/wasabi-image", s.handleImageProxy).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logrus.WithFields(logrus.Fields{
			"path":   r.URL.Path,
			"method": r.Method,
		}).Warn("Route not found - 404")
		http.NotFound(w, r)
	})
}

// StartRetentionSweeps runs the background retention loop until ctx ends.
func (s *Server) StartRetentionSweeps(ctx context.Context) {
	go s.retention.Run(ctx)
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.IsShuttingDown() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"shutting-down","ready":false}`))
	} else {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","ready":true}`))
	}
}

// readinessCheck indicates if the server is ready to accept requests
func (s *Server) readinessCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.IsShuttingDown() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ready":false,"status":"shutting-down"}`))
		return
	}
	if s.db != nil && s.db.Ping() != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ready":false,"status":"database-unavailable"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ready":true,"status":"active"}`))
}

// SetShuttingDown marks the server as shutting down
func (s *Server) SetShuttingDown() {
	atomic.StoreInt32(&s.shuttingDown, 1)
	logrus.Info("Server marked as shutting down - health checks will return 503")
}

// IsShuttingDown returns true if the server is shutting down
func (s *Server) IsShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}

// Close releases the server's long lived resources.
func (s *Server) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
