package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("test_namespace")
	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal should be initialized")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration should be initialized")
	}
	if m.RequestsInFlight == nil {
		t.Error("RequestsInFlight should be initialized")
	}
	if m.PreviewsTotal == nil {
		t.Error("PreviewsTotal should be initialized")
	}
	if m.StorageOpsTotal == nil {
		t.Error("StorageOpsTotal should be initialized")
	}
}

func TestNewMetrics_Singleton(t *testing.T) {
	m1 := NewMetrics("test")
	m2 := NewMetrics("other")

	if m1 != m2 {
		t.Error("NewMetrics should return the same instance (singleton)")
	}
}

func TestRecorders(t *testing.T) {
	m := NewMetrics("test")

	// Must not panic.
	m.IncPreview("success", "tops")
	m.IncPreview("upstream_timeout", "one-pieces")
	m.ObserveRelay(30 * time.Second)
	m.IncStorageOp("upload", "success")
	m.IncStorageOp("delete", "error")
	m.IncSwept("inactivity", 3)
	m.IncSwept("max_age", 1)
}

func TestMiddleware(t *testing.T) {
	m := NewMetrics("test")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	m.Middleware()(handler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("Expected status %d, got %d", http.StatusTeapot, rr.Code)
	}
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	m := NewMetrics("test")
	m.IncPreview("success", "tops")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "previews_total") {
		t.Error("Expected previews_total in scrape output")
	}
}
