// Package integration runs the leadflow engine end to end: the admin API
// behind real JWT authentication, the orchestrator, in-memory stores, a
// scripted lead service and the timeout sweep driven by a test clock.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/internal/approval"
	"github.com/pitabwire/leadflow/internal/config"
	"github.com/pitabwire/leadflow/internal/events"
	"github.com/pitabwire/leadflow/internal/instance"
	"github.com/pitabwire/leadflow/internal/lead"
	"github.com/pitabwire/leadflow/internal/observability"
	"github.com/pitabwire/leadflow/internal/orchestrator"
	"github.com/pitabwire/leadflow/internal/pipeline"
	"github.com/pitabwire/leadflow/internal/sweep"
	"github.com/pitabwire/leadflow/internal/transport"
	"github.com/pitabwire/leadflow/model"
)

// TestHarness is a fully wired engine for integration tests.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Clock        *Clock
	Lead         *MockLeadService
	LeadClient   *lead.Client
	Pipelines    *pipeline.Repository
	Instances    *instance.Service
	Approvals    *approval.Service
	Orchestrator *orchestrator.Orchestrator
	Published    *events.MemoryPublisher
	Sweep        *sweep.Sweep

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	pipelineDirs   []string
	handlerTimeout time.Duration
	leadTimeout    time.Duration
	retry          config.RetryConfig
	breaker        config.CircuitBreakerConfig
}

// WithPipelines replaces the seeded pipeline directories.
func WithPipelines(dirs ...string) HarnessOption {
	return func(c *harnessConfig) { c.pipelineDirs = dirs }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithLeadTimeout sets the lead client's per-call timeout.
func WithLeadTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.leadTimeout = d }
}

// WithLeadRetry sets how often the lead client retries.
func WithLeadRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) { c.retry = r }
}

// WithBreaker sets the lead client's circuit breaker.
func WithBreaker(b config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = b }
}

// NewTestHarness builds and starts an engine. Everything is torn down when
// the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		leadTimeout:    2 * time.Second,
		retry:          config.RetryConfig{MaxAttempts: 1},
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.pipelineDirs) == 0 {
		hc.pipelineDirs = []string{filepath.Join(testdataDir(), "pipelines")}
	}

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	h := &TestHarness{
		t:      t,
		Clock:  NewClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		Lead:   newMockLeadService(t),
		issuer: newTokenIssuer(t),
	}

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Lead = config.LeadConfig{
		BaseURL:        h.Lead.URL(),
		Timeout:        hc.leadTimeout,
		Retry:          hc.retry,
		CircuitBreaker: hc.breaker,
	}
	h.cfg.Definitions = config.DefinitionsConfig{Directories: hc.pipelineDirs, ActivateSeed: true}

	ctx := context.Background()
	now := h.Clock.Now

	h.Pipelines = pipeline.NewRepository(pipeline.NewMemoryStore(), logger, pipeline.WithClock(now))
	seeds, err := pipeline.NewLoader().LoadAll(h.cfg.Definitions.Directories)
	if err != nil {
		t.Fatalf("load pipelines: %v", err)
	}
	if _, err := h.Pipelines.Apply(ctx, seeds, h.cfg.Definitions.ActivateSeed); err != nil {
		t.Fatalf("seed pipelines: %v", err)
	}

	instStore := instance.NewMemoryStore()
	h.Instances = instance.NewService(instStore, logger, instance.WithClock(now))
	h.Approvals = approval.NewService(approval.NewMemoryStore(), h.cfg.Approvals, logger, approval.WithClock(now))

	h.LeadClient = lead.NewClient(h.cfg.Lead, logger, lead.WithToken("svc-token"), lead.WithMetrics(metrics))
	h.Published = events.NewMemoryPublisher(1000)

	h.Orchestrator = orchestrator.New(h.Pipelines, h.Instances, h.Approvals, h.cfg.Orchestrator, logger,
		orchestrator.WithStageUpdater(h.LeadClient),
		orchestrator.WithConditionEvaluator(h.LeadClient),
		orchestrator.WithPublisher(h.Published),
		orchestrator.WithWaitTimeouts(h.cfg.Waits),
		orchestrator.WithMetrics(metrics),
	)

	h.Sweep, err = sweep.New(h.cfg.Sweep, h.Orchestrator, logger, metrics)
	if err != nil {
		t.Fatalf("build sweep: %v", err)
	}

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), h.cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Logger:       logger,
		Metrics:      metrics,
		Pipelines:    h.Pipelines,
		Instances:    h.Instances,
		Approvals:    h.Approvals,
		Orchestrator: h.Orchestrator,
		Readiness: observability.ReadinessChecks{
			Store: instStore,
			Bus:   h.Published,
			Lead:  h.LeadClient,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the engine's base URL.
func (h *TestHarness) BaseURL() string { return h.server.URL }

// GenerateToken signs a valid token for claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken signs an expired token for claims.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPut, path, body, token, nil)
}

// Do sends a request to the engine. A nil body sends none.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, data)
	}
}

// AssertStatus checks the response status and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, body)
	}
}

// AssertJSON checks the response status and decodes the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, body)
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the response status and error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Domain helpers ---

// SendEvent injects a domain event through the admin API and returns the
// processing result.
func (h *TestHarness) SendEvent(t *testing.T, evt model.Event) model.ProcessResult {
	t.Helper()
	var res model.ProcessResult
	h.AssertJSON(t, h.POST("/v1/events", evt, h.GenerateToken(AdminClaims())), http.StatusOK, &res)
	return res
}

// CreateLead sends the entity-created event for a motor lead.
func (h *TestHarness) CreateLead(t *testing.T, entityID string) model.ProcessResult {
	t.Helper()
	return h.SendEvent(t, model.Event{
		ID:             "evt-" + entityID,
		Type:           "lead.created",
		EntityID:       entityID,
		LineOfBusiness: "motor",
		OccurredAt:     h.Clock.Now(),
	})
}

// Instance fetches the instance with the given id.
func (h *TestHarness) Instance(t *testing.T, id string) model.PipelineInstance {
	t.Helper()
	var inst model.PipelineInstance
	h.AssertJSON(t, h.GET("/v1/instances/"+id, h.GenerateToken(AdminClaims())), http.StatusOK, &inst)
	return inst
}

// PendingApproval returns the single pending approval for an instance.
func (h *TestHarness) PendingApproval(t *testing.T, instanceID string) model.ApprovalRequest {
	t.Helper()
	var list struct {
		Items []model.ApprovalRequest `json:"items"`
	}
	path := fmt.Sprintf("/v1/approvals?instance_id=%s&status=pending", instanceID)
	h.AssertJSON(t, h.GET(path, h.GenerateToken(AdminClaims())), http.StatusOK, &list)
	if len(list.Items) != 1 {
		t.Fatalf("pending approvals for %s = %d, want 1", instanceID, len(list.Items))
	}
	return list.Items[0]
}

// PublishedTypes lists the outbound event types published for entityID.
func (h *TestHarness) PublishedTypes(entityID string) []string {
	var types []string
	for _, evt := range h.Published.Events() {
		if evt.EntityID == entityID {
			types = append(types, evt.Type)
		}
	}
	return types
}

// --- Default test claims ---

// AdminClaims returns claims for a pipeline administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID:      "user-ops",
		OrganizationID: "acme-insurance",
		Email:          "ops@acme.example.com",
		Roles:          []string{"pipeline_admin"},
	}
}

// UnderwriterClaims returns claims for an underwriter.
func UnderwriterClaims() TestClaims {
	return TestClaims{
		SubjectID:      "user-underwriter",
		OrganizationID: "acme-insurance",
		Email:          "uw@acme.example.com",
		Roles:          []string{"underwriter"},
	}
}

// HeadUnderwriterClaims returns claims for the escalation role.
func HeadUnderwriterClaims() TestClaims {
	return TestClaims{
		SubjectID:      "user-head-uw",
		OrganizationID: "acme-insurance",
		Email:          "head-uw@acme.example.com",
		Roles:          []string{"head_underwriter"},
	}
}

// AgentClaims returns claims for a sales agent with read access only.
func AgentClaims() TestClaims {
	return TestClaims{
		SubjectID:      "user-agent",
		OrganizationID: "acme-insurance",
		Email:          "agent@acme.example.com",
		Roles:          []string{"sales_agent"},
	}
}

// --- Clock ---

// Clock is a manually advanced time source shared by the stores.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current test time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
