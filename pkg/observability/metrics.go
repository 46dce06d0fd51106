package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SecurityMetrics holds the Prometheus collectors for the request-safety pipeline.
//
// All recording helpers are safe to call on a nil *SecurityMetrics so that
// components can be constructed without metrics in tests.
type SecurityMetrics struct {
	// Pipeline metrics
	RequestsTotal *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// HTTP adapter metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Rate limiter
	RateLimitDecisions   *prometheus.CounterVec
	RateLimitStoreErrors prometheus.Counter

	// Idempotency
	IdempotencyOutcomes    *prometheus.CounterVec
	IdempotencyStoreErrors prometheus.Counter

	// Audit
	AuditWritesTotal   *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter

	// Alerts
	AlertsDispatched     *prometheus.CounterVec
	AlertsSuppressed     *prometheus.CounterVec
	AlertChannelFailures *prometheus.CounterVec

	// Detached tasks
	TasksAbandoned prometheus.Counter
}

// NewSecurityMetrics creates and registers all salonguard metrics
func NewSecurityMetrics(registry prometheus.Registerer) *SecurityMetrics {
	m := &SecurityMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salonguard_requests_total",
				Help: "Requests processed by the security orchestrator",
			},
			[]string{"endpoint", "status"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "salonguard_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salonguard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "salonguard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salonguard_ratelimit_decisions_total",
				Help: "Rate limit decisions by outcome",
			},
			[]string{"outcome"},
		),
		RateLimitStoreErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "salonguard_ratelimit_store_errors_total",
				Help: "Counter store failures (request allowed)",
			},
		),
		IdempotencyOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salonguard_idempotency_outcomes_total",
				Help: "Idempotency check outcomes",
			},
			[]string{"outcome"},
		),
		IdempotencyStoreErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "salonguard_idempotency_store_errors_total",
				Help: "Idempotency store failures (request rejected)",
			},
		),
		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salonguard_audit_writes_total",
				Help: "Audit entries written by outcome",
			},
			[]string{"outcome"},
		),
		AuditWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "salonguard_audit_write_failures_total",
				Help: "Audit entries that could not be persisted",
			},
		),
		AlertsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salonguard_alerts_dispatched_total",
				Help: "Alerts dispatched to channels",
			},
			[]string{"severity"},
		),
		AlertsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salonguard_alerts_suppressed_total",
				Help: "Alerts suppressed by fingerprint throttling",
			},
			[]string{"severity"},
		),
		AlertChannelFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salonguard_alert_channel_failures_total",
				Help: "Alert channel delivery failures",
			},
			[]string{"channel"},
		),
		TasksAbandoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "salonguard_detached_tasks_abandoned_total",
				Help: "Detached tasks abandoned after retries or at shutdown",
			},
		),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.StageDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitDecisions,
		m.RateLimitStoreErrors,
		m.IdempotencyOutcomes,
		m.IdempotencyStoreErrors,
		m.AuditWritesTotal,
		m.AuditWriteFailures,
		m.AlertsDispatched,
		m.AlertsSuppressed,
		m.AlertChannelFailures,
		m.TasksAbandoned,
	)

	return m
}

// ObserveRequest records the final status of an orchestrated request
func (m *SecurityMetrics) ObserveRequest(endpoint string, status int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// ObserveStage records how long a pipeline stage took
func (m *SecurityMetrics) ObserveStage(stage string, started time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

// RateLimitDecision records allowed/rejected/fail_open decisions
func (m *SecurityMetrics) RateLimitDecision(outcome string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(outcome).Inc()
	if outcome == "fail_open" {
		m.RateLimitStoreErrors.Inc()
	}
}

// IdempotencyOutcome records miss/replay/conflict/in_flight/error outcomes
func (m *SecurityMetrics) IdempotencyOutcome(outcome string) {
	if m == nil {
		return
	}
	m.IdempotencyOutcomes.WithLabelValues(outcome).Inc()
	if outcome == "error" {
		m.IdempotencyStoreErrors.Inc()
	}
}

// AuditWrite records an audit write attempt
func (m *SecurityMetrics) AuditWrite(outcome string, err error) {
	if m == nil {
		return
	}
	m.AuditWritesTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		m.AuditWriteFailures.Inc()
	}
}

// AlertDispatched records an alert that reached the channel fan-out
func (m *SecurityMetrics) AlertDispatched(severity string) {
	if m == nil {
		return
	}
	m.AlertsDispatched.WithLabelValues(severity).Inc()
}

// AlertSuppressed records an alert collapsed by the throttle
func (m *SecurityMetrics) AlertSuppressed(severity string) {
	if m == nil {
		return
	}
	m.AlertsSuppressed.WithLabelValues(severity).Inc()
}

// AlertChannelFailed records a failed channel delivery
func (m *SecurityMetrics) AlertChannelFailed(channel string) {
	if m == nil {
		return
	}
	m.AlertChannelFailures.WithLabelValues(channel).Inc()
}

// TaskAbandoned records a detached task that never completed
func (m *SecurityMetrics) TaskAbandoned() {
	if m == nil {
		return
	}
	m.TasksAbandoned.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *SecurityMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := routeTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// routeTemplate labels by the matched mux route so /api/bookings/{id}
// is one series. Unrouted requests fall back to the raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// MetricsHandler serves the registry in Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
