// Package metrics provides Prometheus metrics for the knowledge base server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Query metrics
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	// Record metrics
	WritesTotal *prometheus.CounterVec

	// Store metrics
	StoreCommands *prometheus.CounterVec
	StoreLatency  *prometheus.HistogramVec
	StoreErrors   *prometheus.CounterVec
	SessionsInUse prometheus.Gauge

	// Auth metrics
	AuthAttempts *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	// Request metrics
	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkb_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphkb_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphkb_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Query metrics
	m.QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkb_queries_total",
			Help: "Total number of compiled queries by target class",
		},
		[]string{"class", "status"},
	)

	m.QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphkb_query_duration_seconds",
			Help:    "Query execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	// Record metrics
	m.WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkb_writes_total",
			Help: "Total number of record writes",
		},
		[]string{"class", "operation", "status"},
	)

	// Store metrics
	m.StoreCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkb_store_commands_total",
			Help: "Total number of statements sent to the graph store",
		},
		[]string{"kind"},
	)

	m.StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphkb_store_latency_seconds",
			Help:    "Graph store statement latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	m.StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkb_store_errors_total",
			Help: "Total number of graph store errors",
		},
		[]string{"kind"},
	)

	m.SessionsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphkb_sessions_in_use",
			Help: "Database sessions currently checked out of the pool",
		},
	)

	// Auth metrics
	m.AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkb_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"method"},
	)

	m.AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkb_auth_failures_total",
			Help: "Total number of authentication failures",
		},
		[]string{"method", "reason"},
	)

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.QueriesTotal,
		m.QueryDuration,
		m.WritesTotal,
		m.StoreCommands,
		m.StoreLatency,
		m.StoreErrors,
		m.SessionsInUse,
		m.AuthAttempts,
		m.AuthFailures,
	)

	// Also register the default collectors (go runtime, process info)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Middleware returns HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics endpoint itself
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		m.RequestsInFlight.Inc()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RequestsInFlight.Dec()
		duration := time.Since(start).Seconds()

		// Normalize path for metrics (avoid high cardinality)
		path := normalizePath(r.URL.Path)

		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath collapses record identifiers so each class route stays one
// metric series.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) > 1 && part[0] == '#' {
			parts[i] = "{rid}"
			continue
		}
		// Identifiers arrive URL-encoded as well ("%2314:3" or "14:3").
		if strings.Contains(part, ":") || strings.HasPrefix(part, "%23") {
			parts[i] = "{rid}"
		}
	}
	return strings.Join(parts, "/")
}

// RecordQuery records a compiled query execution.
func (m *Metrics) RecordQuery(class string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.QueriesTotal.WithLabelValues(class, status).Inc()
	m.QueryDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// RecordWrite records a record write attempt.
func (m *Metrics) RecordWrite(class, operation string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.WritesTotal.WithLabelValues(class, operation, status).Inc()
}

// RecordStoreCommand records a statement sent to the graph store.
func (m *Metrics) RecordStoreCommand(kind string, duration time.Duration, err error) {
	m.StoreCommands.WithLabelValues(kind).Inc()
	m.StoreLatency.WithLabelValues(kind).Observe(duration.Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(kind).Inc()
	}
}

// RecordAuthAttempt records an authentication attempt.
func (m *Metrics) RecordAuthAttempt(method string, success bool, reason string) {
	m.AuthAttempts.WithLabelValues(method).Inc()
	if !success {
		m.AuthFailures.WithLabelValues(method, reason).Inc()
	}
}
