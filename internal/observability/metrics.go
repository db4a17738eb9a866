package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	verifyDurationBuckets     = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Metrics holds all Prometheus metric instruments for the service. Recording
// methods are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Progression metrics
	TransitionAttemptsTotal *prometheus.CounterVec
	TransitionDuration      *prometheus.HistogramVec
	TransitionRetriesTotal  *prometheus.CounterVec
	CascadesTotal           *prometheus.CounterVec

	// Guest metrics
	GuestSubmissionsTotal  *prometheus.CounterVec
	IdempotencyHitsTotal   prometheus.Counter
	VerificationsTotal     *prometheus.CounterVec
	VerificationDuration   prometheus.Histogram
	VerifierBreakerState   prometheus.Gauge

	// Notification metrics
	NotificationsPublishedTotal *prometheus.CounterVec
	NotificationsDroppedTotal   *prometheus.CounterVec

	// System metrics
	CatalogWorkflowsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peerflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Progression
		TransitionAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerflow_transition_attempts_total",
			Help: "Total number of transition attempts by outcome code.",
		}, []string{"workflow_type", "action", "result"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peerflow_transition_duration_seconds",
			Help:    "Transition attempt duration in seconds, retries included.",
			Buckets: transitionDurationBuckets,
		}, []string{"workflow_type"}),
		TransitionRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerflow_transition_retries_total",
			Help: "Total number of transactions redone after a conflict.",
		}, []string{"workflow_type"}),
		CascadesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerflow_cascades_total",
			Help: "Total number of derived parent transitions.",
		}, []string{"workflow_type", "to_state"}),

		// Guest
		GuestSubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerflow_guest_submissions_total",
			Help: "Total number of guest submissions by outcome code.",
		}, []string{"result"}),
		IdempotencyHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerflow_guest_idempotency_hits_total",
			Help: "Total guest submissions answered from the replay cache.",
		}),
		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerflow_verifications_total",
			Help: "Total human-verification checks by result.",
		}, []string{"result"}),
		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerflow_verification_duration_seconds",
			Help:    "Human-verification provider latency in seconds.",
			Buckets: verifyDurationBuckets,
		}),
		VerifierBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerflow_verifier_circuit_breaker_state",
			Help: "Verifier circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Notifications
		NotificationsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerflow_notifications_published_total",
			Help: "Total transition notifications handed to a sink.",
		}, []string{"sink"}),
		NotificationsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerflow_notifications_dropped_total",
			Help: "Total transition notifications dropped.",
		}, []string{"reason"}),

		// System
		CatalogWorkflowsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerflow_catalog_workflows_loaded",
			Help: "Number of workflow types in the active status catalog.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TransitionAttemptsTotal,
		m.TransitionDuration,
		m.TransitionRetriesTotal,
		m.CascadesTotal,
		m.GuestSubmissionsTotal,
		m.IdempotencyHitsTotal,
		m.VerificationsTotal,
		m.VerificationDuration,
		m.VerifierBreakerState,
		m.NotificationsPublishedTotal,
		m.NotificationsDroppedTotal,
		m.CatalogWorkflowsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordTransition records one transition attempt. result is "ok" or the
// error code the attempt failed with.
func (m *Metrics) RecordTransition(workflowType, action, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionAttemptsTotal.WithLabelValues(workflowType, action, result).Inc()
	m.TransitionDuration.WithLabelValues(workflowType).Observe(duration.Seconds())
}

// RecordTransitionRetry records a transaction redone after a conflict.
func (m *Metrics) RecordTransitionRetry(workflowType string) {
	if m == nil {
		return
	}
	m.TransitionRetriesTotal.WithLabelValues(workflowType).Inc()
}

// RecordCascade records a derived parent transition.
func (m *Metrics) RecordCascade(workflowType, toState string) {
	if m == nil {
		return
	}
	m.CascadesTotal.WithLabelValues(workflowType, toState).Inc()
}

// RecordGuestSubmission records the outcome of a guest submission.
func (m *Metrics) RecordGuestSubmission(result string) {
	if m == nil {
		return
	}
	m.GuestSubmissionsTotal.WithLabelValues(result).Inc()
}

// RecordIdempotencyHit records a replayed guest submission.
func (m *Metrics) RecordIdempotencyHit() {
	if m == nil {
		return
	}
	m.IdempotencyHitsTotal.Inc()
}

// RecordVerification records a human-verification check. result is one of
// "passed", "rejected", "error" or "circuit_open".
func (m *Metrics) RecordVerification(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(result).Inc()
	m.VerificationDuration.Observe(duration.Seconds())
}

// SetVerifierBreakerState sets the verifier circuit breaker gauge.
func (m *Metrics) SetVerifierBreakerState(state float64) {
	if m == nil {
		return
	}
	m.VerifierBreakerState.Set(state)
}

// RecordNotificationPublished records a notification handed to sink.
func (m *Metrics) RecordNotificationPublished(sink string) {
	if m == nil {
		return
	}
	m.NotificationsPublishedTotal.WithLabelValues(sink).Inc()
}

// RecordNotificationDropped records a notification that never reached a sink.
func (m *Metrics) RecordNotificationDropped(reason string) {
	if m == nil {
		return
	}
	m.NotificationsDroppedTotal.WithLabelValues(reason).Inc()
}

// SetCatalogWorkflowsLoaded sets the number of catalog workflow types.
func (m *Metrics) SetCatalogWorkflowsLoaded(count float64) {
	if m == nil {
		return
	}
	m.CatalogWorkflowsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion. Guest tokens appear in paths, so this also keeps them out of
// metric labels.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to "unmatched" so raw paths never become labels.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	// Mounted sub-routers can leave a trailing "/*".
	pattern := strings.TrimSuffix(rctx.RoutePattern(), "/*")
	if pattern == "" {
		return "unmatched"
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
