// Package metrics exposes Prometheus instrumentation for the preview engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. It is a singleton so repeated construction
// never trips duplicate registration.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	PreviewsTotal    *prometheus.CounterVec
	RelayDuration    prometheus.Histogram
	StorageOpsTotal  *prometheus.CounterVec
	ImagesSweptTotal *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	globalMetrics *Metrics
)

// NewMetrics creates and registers the collectors under the given namespace
// (singleton to avoid duplicate registration).
func NewMetrics(namespace string) *Metrics {
	metricsOnce.Do(func() {
		if namespace == "" {
			namespace = "tryon_preview_engine"
		}
		globalMetrics = &Metrics{
			RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			}, []string{"method", "path", "status"}),
			RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "path"}),
			RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			}),
			PreviewsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "previews_total",
				Help:      "Preview generations by outcome",
			}, []string{"outcome", "category"}),
			RelayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_duration_seconds",
				Help:      "Latency of relay gateway calls",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4min
			}),
			StorageOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Object store operations by type and result",
			}, []string{"operation", "result"}),
			ImagesSweptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "images_swept_total",
				Help:      "Images removed by retention sweeps",
			}, []string{"reason"}),
		}

		prometheus.MustRegister(
			globalMetrics.RequestsTotal,
			globalMetrics.RequestDuration,
			globalMetrics.RequestsInFlight,
			globalMetrics.PreviewsTotal,
			globalMetrics.RelayDuration,
			globalMetrics.StorageOpsTotal,
			globalMetrics.ImagesSweptTotal,
		)
	})

	return globalMetrics
}

// IncPreview records a preview generation outcome.
func (m *Metrics) IncPreview(outcome, category string) {
	m.PreviewsTotal.WithLabelValues(outcome, category).Inc()
}

// ObserveRelay records the latency of one relay call.
func (m *Metrics) ObserveRelay(d time.Duration) {
	m.RelayDuration.Observe(d.Seconds())
}

// IncStorageOp records an object store operation.
func (m *Metrics) IncStorageOp(operation, result string) {
	m.StorageOpsTotal.WithLabelValues(operation, result).Inc()
}

// IncSwept records retention removals.
func (m *Metrics) IncSwept(reason string, n int) {
	m.ImagesSweptTotal.WithLabelValues(reason).Add(float64(n))
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments every request with count, latency, and in-flight
// tracking.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}
