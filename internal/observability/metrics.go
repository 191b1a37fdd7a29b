package observability

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool
	// Namespace prefix for all metrics (default: nsskeycloak).
	Namespace string
	// Version is the application version for the info metric.
	Version string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "nsskeycloak",
		Version:   "dev",
	}
}

// MetricsConfigFromEnv creates a MetricsConfig from environment variables.
// NSSKEYCLOAK_METRICS_ENABLED: true/false (default: true)
// APP_VERSION: version string (default: dev)
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()

	if v := os.Getenv("NSSKEYCLOAK_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Metrics holds the Prometheus collectors for lookups, token traffic and the
// lookup HTTP service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	LookupsTotal        *prometheus.CounterVec
	LookupDuration      *prometheus.HistogramVec
	TokenRequestsTotal  *prometheus.CounterVec
	DroppedRecordsTotal *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitTotal      *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge
}

// NewMetrics creates all collectors and registers them on registry.
// A nil registry gets a fresh one.
func NewMetrics(cfg MetricsConfig, registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultMetricsConfig().Namespace
	}

	m := &Metrics{
		registry: registry,
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "lookups_total",
				Help:      "Total number of identity lookups by database, operation and outcome",
			},
			[]string{"database", "operation", "status"},
		),
		LookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "lookup_duration_seconds",
				Help:      "Identity lookup duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"database", "operation"},
		),
		TokenRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "token_requests_total",
				Help:      "Total number of token endpoint requests by grant type and outcome",
			},
			[]string{"grant", "status"},
		),
		DroppedRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "dropped_records_total",
				Help:      "Provider records dropped from listings because they could not be mapped",
			},
			[]string{"kind"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "rate_limit_requests_total",
				Help:      "Total rate limit decisions",
			},
			[]string{"status"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "active_connections",
				Help:      "Current number of active HTTP connections",
			},
		),
	}

	info := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "info",
			Help:      "Application information",
		},
		[]string{"version"},
	)
	info.WithLabelValues(cfg.Version).Set(1)

	registry.MustRegister(
		info,
		m.LookupsTotal,
		m.LookupDuration,
		m.TokenRequestsTotal,
		m.DroppedRecordsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitTotal,
		m.ActiveConnections,
	)

	return m
}

// RecordLookup records one identity lookup.
func (m *Metrics) RecordLookup(database, operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(database, operation, status).Inc()
	m.LookupDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// RecordTokenRequest records one token endpoint exchange.
func (m *Metrics) RecordTokenRequest(grant string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TokenRequestsTotal.WithLabelValues(grant, status).Inc()
}

// RecordDroppedRecord counts a provider record dropped from a listing.
func (m *Metrics) RecordDroppedRecord(kind string) {
	if m == nil {
		return
	}
	m.DroppedRecordsTotal.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records an HTTP request with its method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	route := routeLabel(path)
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// routes are the paths the lookup service serves. Anything else is
// labelled "other" so unknown paths cannot grow the label set.
var routes = map[string]bool{
	"/passwd":  true,
	"/group":   true,
	"/healthz": true,
	"/metrics": true,
}

func routeLabel(path string) string {
	if routes[path] {
		return path
	}
	return "other"
}

// Handler returns an http.Handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsMiddleware returns an HTTP middleware that records request metrics.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip metrics endpoint itself to avoid recursion
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			m.ActiveConnections.Inc()
			defer m.ActiveConnections.Dec()

			start := time.Now()
			wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

// RateLimitMetricsMiddleware returns middleware that records rate limit metrics.
// It should wrap the rate limiting middleware to capture allow/reject decisions.
func RateLimitMetricsMiddleware(m *Metrics, rateLimitEnabled bool) func(http.Handler) http.Handler {
	if m == nil || !rateLimitEnabled {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			if wrapped.statusCode == http.StatusTooManyRequests {
				m.RateLimitTotal.WithLabelValues("rejected").Inc()
			} else {
				m.RateLimitTotal.WithLabelValues("allowed").Inc()
			}
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap returns the underlying ResponseWriter for compatibility with
// http.ResponseController and other wrapping utilities.
func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
