package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"leadflow_http_requests_total",
		"leadflow_http_request_duration_seconds",
		"leadflow_events_processed_total",
		"leadflow_event_duration_seconds",
		"leadflow_events_duplicate_total",
		"leadflow_conflict_retries_total",
		"leadflow_chain_length_steps",
		"leadflow_publish_failures_total",
		"leadflow_instances_started_total",
		"leadflow_instances_finished_total",
		"leadflow_step_transitions_total",
		"leadflow_approvals_requested_total",
		"leadflow_approvals_decided_total",
		"leadflow_approvals_escalated_total",
		"leadflow_lead_requests_total",
		"leadflow_lead_request_duration_seconds",
		"leadflow_lead_circuit_breaker_state",
		"leadflow_sweep_runs_total",
		"leadflow_sweep_timeouts_total",
		"leadflow_definitions_seeded_total",
	}

	// Record a value for each vector so it appears in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond)
	m.RecordEvent("lead.created", "instance_created", time.Millisecond)
	m.RecordDuplicate()
	m.RecordConflictRetry()
	m.RecordChain(3)
	m.RecordPublishFailure("pipeline.step_changed")
	m.RecordInstanceStart("motor")
	m.RecordInstanceFinish("motor", "completed")
	m.RecordStepTransition("motor", "stage", "advanced")
	m.RecordApprovalRequested("underwriter")
	m.RecordApprovalDecided("approved")
	m.RecordApprovalEscalated("head_underwriter")
	m.RecordLeadRequest("update_stage", 200, time.Millisecond)
	m.SetLeadCircuitBreakerState(0)
	m.RecordSweepRun("success")
	m.RecordSweepTimeout("approval", "expired")
	m.RecordDefinitionsSeeded(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/pipelines/{id}", 200, 50*time.Millisecond)
	m.RecordHTTPRequest("GET", "/v1/pipelines/{id}", 200, 100*time.Millisecond)
	m.RecordHTTPRequest("POST", "/v1/events", 500, 200*time.Millisecond)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/pipelines/{id}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/events", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordEvent(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordEvent("lead.quoted", "advanced", 10*time.Millisecond)
	m.RecordEvent("lead.quoted", "", 5*time.Millisecond)

	if v := testutil.ToFloat64(m.EventsProcessedTotal.WithLabelValues("lead.quoted", "advanced")); v != 1 {
		t.Errorf("advanced = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.EventsProcessedTotal.WithLabelValues("lead.quoted", "none")); v != 1 {
		t.Errorf("empty action recorded as none = %v, want 1", v)
	}
	if testutil.CollectAndCount(m.EventDuration) == 0 {
		t.Error("expected event duration observations")
	}
}

func TestRecordChain_ignoresZero(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordChain(0)
	m.RecordChain(4)

	if got := testutil.CollectAndCount(m.ChainLength); got != 1 {
		t.Errorf("chain histogram series = %d, want 1", got)
	}
}

func TestRecordInstanceLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordInstanceStart("motor")
	m.RecordStepTransition("motor", "decision", "branched")
	m.RecordInstanceFinish("motor", "completed")
	m.RecordInstanceFinish("motor", "failed")

	if v := testutil.ToFloat64(m.InstancesStartedTotal.WithLabelValues("motor")); v != 1 {
		t.Errorf("started = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.StepTransitionsTotal.WithLabelValues("motor", "decision", "branched")); v != 1 {
		t.Errorf("transitions = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.InstancesFinishedTotal.WithLabelValues("motor", "failed")); v != 1 {
		t.Errorf("failed = %v, want 1", v)
	}
}

func TestRecordApprovals(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordApprovalRequested("underwriter")
	m.RecordApprovalRequested("underwriter")
	m.RecordApprovalDecided("rejected")
	m.RecordApprovalEscalated("head_underwriter")

	if v := testutil.ToFloat64(m.ApprovalsRequestedTotal.WithLabelValues("underwriter")); v != 2 {
		t.Errorf("requested = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.ApprovalsDecidedTotal.WithLabelValues("rejected")); v != 1 {
		t.Errorf("rejected = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ApprovalsEscalatedTotal.WithLabelValues("head_underwriter")); v != 1 {
		t.Errorf("escalated = %v, want 1", v)
	}
}

func TestSetLeadCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetLeadCircuitBreakerState(2)
	if v := testutil.ToFloat64(m.LeadCircuitBreakerState); v != 2 {
		t.Errorf("circuit breaker state = %v, want 2 (open)", v)
	}
	m.SetLeadCircuitBreakerState(0)
	if v := testutil.ToFloat64(m.LeadCircuitBreakerState); v != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", v)
	}
}

func TestRecordSweep(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSweepRun("success")
	m.RecordSweepTimeout("wait", "timeout")
	m.RecordSweepTimeout("wait", "timeout")

	if v := testutil.ToFloat64(m.SweepRunsTotal.WithLabelValues("success")); v != 1 {
		t.Errorf("runs = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SweepTimeoutsTotal.WithLabelValues("wait", "timeout")); v != 2 {
		t.Errorf("wait timeouts = %v, want 2", v)
	}
}

func TestNilMetrics_isNoop(t *testing.T) {
	var m *Metrics
	m.RecordEvent("x", "y", time.Millisecond)
	m.RecordChain(2)
	m.RecordInstanceStart("p")
	m.SetLeadCircuitBreakerState(1)
	m.RecordDefinitionsSeeded(1)
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/instances/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_mountedRoute(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/approvals/{id}", func(w http.ResponseWriter, r *http.Request) {})
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/approvals/ap-1", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/approvals/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/approvals/{id}/decision", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/ap-1/decision", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/approvals/{id}/decision", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":    httpDurationBuckets,
		"backend": backendDurationBuckets,
		"chain":   chainLengthBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
