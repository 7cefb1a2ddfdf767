package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/leadflow/model"
)

// ==========================================================================
// Authentication
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []string{
		"/v1/pipelines",
		"/v1/pipelines/motor-default",
		"/v1/instances",
		"/v1/entities/lead-1/instance",
		"/v1/approvals",
	}
	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			h.AssertErrorCode(t, h.GET(ep, ""), http.StatusUnauthorized, model.ErrUnauthorized)
		})
	}
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	h.AssertStatus(t, h.GET("/v1/pipelines", h.GenerateExpiredToken(AdminClaims())), http.StatusUnauthorized)
}

func TestSecurity_WrongAudience_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.issuer.GenerateTokenForAudience(AdminClaims(), "some-other-api")
	h.AssertStatus(t, h.GET("/v1/pipelines", token), http.StatusUnauthorized)
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   h.issuer.Issuer(),
		"aud":   h.issuer.Audience(),
		"sub":   "user-ops",
		"exp":   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"roles": []any{"pipeline_admin"},
	})
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(otherKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	h.AssertStatus(t, h.GET("/v1/pipelines", signed), http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(
		`{"sub":"user-ops","iss":"` + h.issuer.Issuer() + `","aud":"` + h.issuer.Audience() + `","roles":["pipeline_admin"]}`))

	h.AssertStatus(t, h.GET("/v1/pipelines", header+"."+payload+"."), http.StatusUnauthorized)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	h.AssertStatus(t, h.GET("/v1/pipelines", "not.a.valid.jwt.token"), http.StatusUnauthorized)
}

func TestSecurity_TokenWithoutSubject_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	claims := AdminClaims()
	claims.SubjectID = ""
	h.AssertStatus(t, h.GET("/v1/pipelines", h.GenerateToken(claims)), http.StatusUnauthorized)
}

func TestSecurity_JWKSIsCached(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AgentClaims())

	for range 3 {
		h.AssertStatus(t, h.GET("/v1/pipelines", token), http.StatusOK)
	}
	if got := h.issuer.Fetches(); got != 1 {
		t.Errorf("JWKS fetched %d times, want 1", got)
	}
}

// ==========================================================================
// Authorization
// ==========================================================================

func TestSecurity_AgentCannotMutate(t *testing.T) {
	h := NewTestHarness(t)
	agent := h.GenerateToken(AgentClaims())

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/v1/pipelines", map[string]any{"name": "x", "line_of_business": "motor"}},
		{http.MethodPut, "/v1/pipelines/motor-default", map[string]any{"name": "renamed"}},
		{http.MethodPost, "/v1/pipelines/motor-default/deactivate", nil},
		{http.MethodDelete, "/v1/pipelines/motor-default", nil},
		{http.MethodPost, "/v1/events", map[string]any{"type": "lead.created", "entity_id": "lead-x"}},
		{http.MethodPost, "/v1/entities/lead-x/advance", nil},
		{http.MethodPost, "/v1/instances/inst-x/cancel", nil},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			h.AssertErrorCode(t, h.Do(tt.method, tt.path, tt.body, agent, nil), http.StatusForbidden, model.ErrForbidden)
		})
	}

	// Nothing changed.
	var def model.PipelineDefinition
	h.AssertJSON(t, h.GET("/v1/pipelines/motor-default", agent), http.StatusOK, &def)
	if def.Status != model.PipelineActive || def.Name != "Motor quote to policy" {
		t.Errorf("pipeline = %q %s", def.Name, def.Status)
	}
}

func TestSecurity_AdminMayDecideAnyApproval(t *testing.T) {
	h := NewTestHarness(t)
	_, a := openUnderwriting(t, h, "lead-8001")

	var res model.ProcessResult
	h.AssertJSON(t, h.POST("/v1/approvals/"+a.ID+"/decision",
		map[string]string{"decision": "approved"}, h.GenerateToken(AdminClaims())), http.StatusOK, &res)

	var decided model.ApprovalRequest
	h.AssertJSON(t, h.GET("/v1/approvals/"+a.ID, h.GenerateToken(AdminClaims())), http.StatusOK, &decided)
	if decided.DecidedBy != "user-ops" {
		t.Errorf("decided_by = %q, want the token subject", decided.DecidedBy)
	}
}

// ==========================================================================
// Headers and propagation
// ==========================================================================

func TestSecurity_HeadersOnErrorResponse(t *testing.T) {
	h := NewTestHarness(t)
	resp := h.GET("/v1/pipelines/does-not-exist", h.GenerateToken(AgentClaims()))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestSecurity_CorrelationIDPropagates(t *testing.T) {
	h := NewTestHarness(t)
	admin := h.GenerateToken(AdminClaims())

	resp := h.Do(http.MethodPost, "/v1/events", model.Event{
		Type:           "lead.created",
		EntityID:       "lead-8101",
		LineOfBusiness: "motor",
	}, admin, map[string]string{"X-Correlation-Id": "corr-8101"})
	h.AssertStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-8101" {
		t.Errorf("response correlation id = %q", got)
	}

	reqs := h.Lead.Requests(OpUpdateStage)
	if len(reqs) != 1 {
		t.Fatalf("stage updates = %d, want 1", len(reqs))
	}
	if got := reqs[0].Headers.Get("X-Correlation-Id"); got != "corr-8101" {
		t.Errorf("lead service saw correlation id %q, want corr-8101", got)
	}

	generated := h.GET("/healthz", "")
	generated.Body.Close()
	if id := generated.Header.Get("X-Correlation-Id"); id == "" || strings.ContainsAny(id, " \r\n") {
		t.Errorf("generated correlation id = %q", id)
	}
}

func TestSecurity_EventActorComesFromToken(t *testing.T) {
	h := NewTestHarness(t)

	res := h.CreateLead(t, "lead-8201")
	inst := h.Instance(t, res.InstanceID)
	if inst.StartedBy != "user-ops" {
		t.Errorf("started_by = %q, want the admin subject", inst.StartedBy)
	}
}

// ==========================================================================
// CORS
// ==========================================================================

func TestSecurity_CORSAllowedOrigin(t *testing.T) {
	h := NewTestHarness(t)
	resp := h.Do(http.MethodGet, "/healthz", nil, "", map[string]string{"Origin": "http://localhost:3000"})
	resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS not set for allowed origin")
	}
}

func TestSecurity_CORSDisallowedOrigin(t *testing.T) {
	h := NewTestHarness(t)
	resp := h.Do(http.MethodGet, "/healthz", nil, "", map[string]string{"Origin": "https://evil.example.com"})
	resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}
