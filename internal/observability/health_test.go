package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	// Set build-time variables for test.
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleHealth_defaultValues(t *testing.T) {
	handler := HandleHealth()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Version == "" {
		t.Error("version should have a default value")
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_storeOnly(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{Store: &mockHealthChecker{}})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks count = %d, want 1 (only required checks)", len(resp.Checks))
	}
	for _, name := range []string{"bus", "dedup", "lead"} {
		if _, ok := resp.Checks[name]; ok {
			t.Errorf("%s should not be in checks when nil", name)
		}
	}
}

func TestHandleReady_storeMissing(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["store"].Error == "" {
		t.Error("store error should have a message")
	}
}

func TestHandleReady_withOptionalChecks_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		Store: &mockHealthChecker{},
		Bus:   &mockHealthChecker{},
		Dedup: &mockHealthChecker{},
		Lead:  &mockHealthChecker{},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(resp.Checks) != 4 {
		t.Errorf("checks count = %d, want 4", len(resp.Checks))
	}
	for name, check := range resp.Checks {
		if check.Status != "ok" {
			t.Errorf("%s = %q, want ok", name, check.Status)
		}
		if check.LatencyMs < 0 {
			t.Errorf("%s latency = %d, should be >= 0", name, check.LatencyMs)
		}
	}
}

func TestHandleReady_dependencyDown(t *testing.T) {
	tests := []struct {
		name   string
		checks ReadinessChecks
		failed string
		msg    string
	}{
		{
			name:   "store",
			checks: ReadinessChecks{Store: &mockHealthChecker{err: errors.New("connection refused")}},
			failed: "store",
			msg:    "connection refused",
		},
		{
			name: "bus",
			checks: ReadinessChecks{
				Store: &mockHealthChecker{},
				Bus:   &mockHealthChecker{err: errors.New("amqp channel closed")},
			},
			failed: "bus",
			msg:    "amqp channel closed",
		},
		{
			name: "dedup",
			checks: ReadinessChecks{
				Store: &mockHealthChecker{},
				Dedup: &mockHealthChecker{err: errors.New("redis timeout")},
			},
			failed: "dedup",
			msg:    "redis timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveReady(t, tt.checks)
			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			got := resp.Checks[tt.failed]
			if got.Status != "error" {
				t.Errorf("%s = %q, want error", tt.failed, got.Status)
			}
			if got.Error != tt.msg {
				t.Errorf("%s error = %q, want %q", tt.failed, got.Error, tt.msg)
			}
		})
	}
}

func TestHandleReady_multipleFailures(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		Store: &mockHealthChecker{err: errors.New("pg down")},
		Bus:   &mockHealthChecker{err: errors.New("broker down")},
		Lead:  &mockHealthChecker{},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}

	failCount := 0
	for _, check := range resp.Checks {
		if check.Status == "error" {
			failCount++
		}
	}
	if failCount != 2 {
		t.Errorf("failed checks = %d, want 2", failCount)
	}
}
