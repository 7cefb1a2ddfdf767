package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Lead service operations served by MockLeadService.
const (
	OpUpdateStage       = "update_stage"
	OpEvaluateCondition = "evaluate_condition"
	OpHealth            = "health"
)

// MockLeadService is a scripted stand-in for the lead service. Each
// operation answers from a queue of configured responses, repeating the
// last one, and records every request it receives.
type MockLeadService struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string][]*mockResponse
	served   map[string]int
	received map[string][]*RecordedRequest
}

// RecordedRequest captures one call made by the engine.
type RecordedRequest struct {
	Method     string
	Path       string
	EntityID   string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock configures the responses of one operation.
type OperationMock struct {
	svc *MockLeadService
	op  string
}

func newMockLeadService(t *testing.T) *MockLeadService {
	t.Helper()

	m := &MockLeadService{
		t:        t,
		scripts:  make(map[string][]*mockResponse),
		served:   make(map[string]int),
		received: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /leads/{id}/stage", m.handle(OpUpdateStage, http.StatusNoContent, nil))
	mux.HandleFunc("POST /leads/{id}/conditions/evaluate", m.handle(OpEvaluateCondition, http.StatusOK, map[string]any{"result": true}))
	mux.HandleFunc("GET /healthz", m.handle(OpHealth, http.StatusOK, map[string]string{"status": "ok"}))

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the base URL of the mock service.
func (m *MockLeadService) URL() string { return m.server.URL }

// On returns a builder for the named operation.
func (m *MockLeadService) On(op string) *OperationMock {
	return &OperationMock{svc: m, op: op}
}

// RespondWith queues a response with the given status and JSON body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.svc.enqueue(om.op, &mockResponse{status: status, body: body})
	return om
}

// RespondCondition queues a condition evaluation result.
func (om *OperationMock) RespondCondition(result bool) *OperationMock {
	return om.RespondWith(http.StatusOK, map[string]any{"result": result})
}

// RespondWithDelay queues a response sent after delay.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.svc.enqueue(om.op, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a response that drops the connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.svc.enqueue(om.op, &mockResponse{connError: true})
	return om
}

func (m *MockLeadService) enqueue(op string, resp *mockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[op] = append(m.scripts[op], resp)
}

// next pops the next scripted response for op, repeating the last one.
func (m *MockLeadService) next(op string) *mockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	script := m.scripts[op]
	if len(script) == 0 {
		return nil
	}
	i := m.served[op]
	if i >= len(script) {
		i = len(script) - 1
	} else {
		m.served[op]++
	}
	return script[i]
}

func (m *MockLeadService) handle(op string, defaultStatus int, defaultBody any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			EntityID:   r.PathValue("id"),
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			json.Unmarshal(data, &rec.Body)
		}
		m.mu.Lock()
		m.received[op] = append(m.received[op], rec)
		m.mu.Unlock()

		resp := m.next(op)
		if resp == nil {
			resp = &mockResponse{status: defaultStatus, body: defaultBody}
		}
		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

// Requests returns a copy of the requests received for op.
func (m *MockLeadService) Requests(op string) []*RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*RecordedRequest(nil), m.received[op]...)
}

// StageIDs returns the stage ids pushed for entityID, in order.
func (m *MockLeadService) StageIDs(entityID string) []string {
	var ids []string
	for _, req := range m.Requests(OpUpdateStage) {
		if req.EntityID != entityID {
			continue
		}
		if id, ok := req.Body["stage_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// AssertCalled checks how many times op was called.
func (m *MockLeadService) AssertCalled(t *testing.T, op string, want int) {
	t.Helper()
	if got := len(m.Requests(op)); got != want {
		t.Errorf("lead service: %s called %d times, want %d", op, got, want)
	}
}

// Reset clears scripts and recorded requests.
func (m *MockLeadService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = make(map[string][]*mockResponse)
	m.served = make(map[string]int)
	m.received = make(map[string][]*RecordedRequest)
}
