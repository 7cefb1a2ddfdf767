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
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	chainLengthBuckets     = []float64{1, 2, 3, 5, 8, 13, 21, 34}
)

// Metrics holds all Prometheus metric instruments for leadflow.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Event processing
	EventsProcessedTotal *prometheus.CounterVec
	EventDuration        *prometheus.HistogramVec
	EventsDuplicateTotal prometheus.Counter
	ConflictRetriesTotal prometheus.Counter
	ChainLength          prometheus.Histogram
	PublishFailuresTotal *prometheus.CounterVec

	// Instances
	InstancesStartedTotal  *prometheus.CounterVec
	InstancesFinishedTotal *prometheus.CounterVec
	StepTransitionsTotal   *prometheus.CounterVec

	// Approvals
	ApprovalsRequestedTotal *prometheus.CounterVec
	ApprovalsDecidedTotal   *prometheus.CounterVec
	ApprovalsEscalatedTotal *prometheus.CounterVec

	// Lead service
	LeadRequestsTotal       *prometheus.CounterVec
	LeadRequestDuration     *prometheus.HistogramVec
	LeadCircuitBreakerState prometheus.Gauge

	// Sweep
	SweepRunsTotal     *prometheus.CounterVec
	SweepTimeoutsTotal *prometheus.CounterVec

	// Definitions
	DefinitionsSeededTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Events
		EventsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_events_processed_total",
			Help: "Total number of inbound events by resulting action.",
		}, []string{"event_type", "action"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadflow_event_duration_seconds",
			Help:    "Event processing duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"event_type"}),
		EventsDuplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadflow_events_duplicate_total",
			Help: "Total number of redelivered messages skipped by dedup.",
		}),
		ConflictRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadflow_conflict_retries_total",
			Help: "Total number of optimistic concurrency retries.",
		}),
		ChainLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "leadflow_chain_length_steps",
			Help:    "Steps executed synchronously per processed event.",
			Buckets: chainLengthBuckets,
		}),
		PublishFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_publish_failures_total",
			Help: "Total number of outbound events that failed to publish.",
		}, []string{"event_type"}),

		// Instances
		InstancesStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_instances_started_total",
			Help: "Total number of pipeline instances started.",
		}, []string{"pipeline_id"}),
		InstancesFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_instances_finished_total",
			Help: "Total number of pipeline instances reaching a terminal status.",
		}, []string{"pipeline_id", "status"}),
		StepTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_step_transitions_total",
			Help: "Total number of step transitions by step type and outcome.",
		}, []string{"pipeline_id", "step_type", "outcome"}),

		// Approvals
		ApprovalsRequestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_approvals_requested_total",
			Help: "Total number of approval requests created.",
		}, []string{"approver_role"}),
		ApprovalsDecidedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_approvals_decided_total",
			Help: "Total number of approval requests closed by decision.",
		}, []string{"decision"}),
		ApprovalsEscalatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_approvals_escalated_total",
			Help: "Total number of approval escalations.",
		}, []string{"to_role"}),

		// Lead service
		LeadRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_lead_requests_total",
			Help: "Total number of lead service requests.",
		}, []string{"operation", "status"}),
		LeadRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadflow_lead_request_duration_seconds",
			Help:    "Lead service request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		LeadCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leadflow_lead_circuit_breaker_state",
			Help: "Lead service circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Sweep
		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_sweep_runs_total",
			Help: "Total number of timeout sweep runs.",
		}, []string{"status"}),
		SweepTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadflow_sweep_timeouts_total",
			Help: "Total number of deadlines fired by the sweep.",
		}, []string{"kind", "action"}),

		DefinitionsSeededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadflow_definitions_seeded_total",
			Help: "Total number of pipeline definitions created from seed files.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsProcessedTotal,
		m.EventDuration,
		m.EventsDuplicateTotal,
		m.ConflictRetriesTotal,
		m.ChainLength,
		m.PublishFailuresTotal,
		m.InstancesStartedTotal,
		m.InstancesFinishedTotal,
		m.StepTransitionsTotal,
		m.ApprovalsRequestedTotal,
		m.ApprovalsDecidedTotal,
		m.ApprovalsEscalatedTotal,
		m.LeadRequestsTotal,
		m.LeadRequestDuration,
		m.LeadCircuitBreakerState,
		m.SweepRunsTotal,
		m.SweepTimeoutsTotal,
		m.DefinitionsSeededTotal,
	)

	return m
}

// --- Recording helpers ---
//
// Every helper is safe to call on a nil *Metrics so components can run
// without a registry in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordEvent records the outcome of one processed event.
func (m *Metrics) RecordEvent(eventType, action string, duration time.Duration) {
	if m == nil {
		return
	}
	if action == "" {
		action = "none"
	}
	m.EventsProcessedTotal.WithLabelValues(eventType, action).Inc()
	m.EventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordDuplicate records a message skipped by dedup.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.EventsDuplicateTotal.Inc()
}

// RecordConflictRetry records an optimistic concurrency retry.
func (m *Metrics) RecordConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetriesTotal.Inc()
}

// RecordChain records how many steps one event executed.
func (m *Metrics) RecordChain(steps int) {
	if m == nil || steps == 0 {
		return
	}
	m.ChainLength.Observe(float64(steps))
}

// RecordPublishFailure records an outbound event that was not published.
func (m *Metrics) RecordPublishFailure(eventType string) {
	if m == nil {
		return
	}
	m.PublishFailuresTotal.WithLabelValues(eventType).Inc()
}

// RecordInstanceStart records a new pipeline instance.
func (m *Metrics) RecordInstanceStart(pipelineID string) {
	if m == nil {
		return
	}
	m.InstancesStartedTotal.WithLabelValues(pipelineID).Inc()
}

// RecordInstanceFinish records an instance reaching a terminal status.
func (m *Metrics) RecordInstanceFinish(pipelineID, status string) {
	if m == nil {
		return
	}
	m.InstancesFinishedTotal.WithLabelValues(pipelineID, status).Inc()
}

// RecordStepTransition records a step leaving with an outcome.
func (m *Metrics) RecordStepTransition(pipelineID, stepType, outcome string) {
	if m == nil {
		return
	}
	m.StepTransitionsTotal.WithLabelValues(pipelineID, stepType, outcome).Inc()
}

// RecordApprovalRequested records a new approval request.
func (m *Metrics) RecordApprovalRequested(role string) {
	if m == nil {
		return
	}
	m.ApprovalsRequestedTotal.WithLabelValues(role).Inc()
}

// RecordApprovalDecided records a closed approval request.
func (m *Metrics) RecordApprovalDecided(decision string) {
	if m == nil {
		return
	}
	m.ApprovalsDecidedTotal.WithLabelValues(decision).Inc()
}

// RecordApprovalEscalated records an escalation.
func (m *Metrics) RecordApprovalEscalated(toRole string) {
	if m == nil {
		return
	}
	m.ApprovalsEscalatedTotal.WithLabelValues(toRole).Inc()
}

// RecordLeadRequest records a lead service call.
func (m *Metrics) RecordLeadRequest(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.LeadRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.LeadRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetLeadCircuitBreakerState sets the circuit breaker gauge.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetLeadCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.LeadCircuitBreakerState.Set(state)
}

// RecordSweepRun records one sweep run.
func (m *Metrics) RecordSweepRun(status string) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(status).Inc()
}

// RecordSweepTimeout records a deadline fired by the sweep. Kind is
// "approval" or "wait".
func (m *Metrics) RecordSweepTimeout(kind, action string) {
	if m == nil {
		return
	}
	m.SweepTimeoutsTotal.WithLabelValues(kind, action).Inc()
}

// RecordDefinitionsSeeded records definitions created from seed files.
func (m *Metrics) RecordDefinitionsSeeded(n int) {
	if m == nil {
		return
	}
	m.DefinitionsSeededTotal.Add(float64(n))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
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
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
