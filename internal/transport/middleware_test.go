package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/leadflow/internal/config"
	"github.com/pitabwire/leadflow/internal/observability"
	"github.com/pitabwire/leadflow/model"
)

func TestRecovery_catchesPanic(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), model.ErrInternalError) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRecovery_passesThrough(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", w.Code)
	}
}

func testCORS() config.CORSConfig {
	return config.CORSConfig{
		AllowedOrigins: []string{"https://ops.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	}
}

func TestCORS_preflight(t *testing.T) {
	called := false
	handler := CORS(testCORS())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("OPTIONS", "/v1/pipelines", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if called {
		t.Error("preflight should not reach the handler")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("Allow-Methods = %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("Max-Age = %q", got)
	}
}

func TestCORS_disallowedOrigin(t *testing.T) {
	called := false
	handler := CORS(testCORS())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should still be called for non-preflight")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin should be empty for disallowed origin, got %q", got)
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"propagated", "corr-123", true},
		{"unsafe replaced", "bad id\n", false},
		{"too long replaced", strings.Repeat("a", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationIDFrom(r.Context())
			}))

			req := httptest.NewRequest("GET", "/", nil)
			if tt.incoming != "" {
				req.Header.Set("X-Correlation-Id", tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if seen == "" {
				t.Fatal("correlation id missing from context")
			}
			if got := w.Header().Get("X-Correlation-Id"); got != seen {
				t.Errorf("response id = %q, context id = %q", got, seen)
			}
			if tt.keep != (seen == tt.incoming) {
				t.Errorf("id = %q, incoming %q, keep = %v", seen, tt.incoming, tt.keep)
			}
		})
	}
}

func TestGenerateID_entropyFailure(t *testing.T) {
	orig := randRead
	randRead = func([]byte) (int, error) { return 0, errors.New("entropy unavailable") }
	t.Cleanup(func() { randRead = orig })

	first, second := generateID(), generateID()
	if first == "" || first == second {
		t.Fatalf("ids = %q, %q, want distinct non-empty ids", first, second)
	}
	if strings.Trim(first, "0") == "" {
		t.Errorf("id = %q, want non-zero", first)
	}
	if sanitizeID(first) != first {
		t.Errorf("fallback id %q is not a valid correlation id", first)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}
	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func serveWithClaims(h http.Handler, claims map[string]any) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestBuildRequestContextMiddleware(t *testing.T) {
	var rctx *model.RequestContext
	handler := RequestID(BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
	})))

	w := serveWithClaims(handler, map[string]any{
		"sub":    "user-42",
		"email":  "user@example.com",
		"org_id": "org-1",
		"roles":  []any{"pipeline_admin", "underwriter"},
	})

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if rctx == nil {
		t.Fatal("RequestContext should be in context")
	}
	if rctx.SubjectID != "user-42" || rctx.Email != "user@example.com" || rctx.OrganizationID != "org-1" {
		t.Errorf("rctx = %+v", rctx)
	}
	if !rctx.HasRole("underwriter") || len(rctx.Roles) != 2 {
		t.Errorf("Roles = %v", rctx.Roles)
	}
	if rctx.CorrelationID == "" {
		t.Error("CorrelationID should be copied from the request")
	}
}

func TestBuildRequestContextMiddleware_customPaths(t *testing.T) {
	var rctx *model.RequestContext
	handler := BuildRequestContextMiddleware(map[string]string{
		"organization_id": "tenant",
		"roles":           "realm_access.roles",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
	}))

	serveWithClaims(handler, map[string]any{
		"sub":          "user-99",
		"tenant":       "org-kc",
		"realm_access": map[string]any{"roles": []any{"manager"}},
	})

	if rctx == nil {
		t.Fatal("RequestContext should be in context")
	}
	if rctx.OrganizationID != "org-kc" {
		t.Errorf("OrganizationID = %q, want org-kc", rctx.OrganizationID)
	}
	if len(rctx.Roles) != 1 || rctx.Roles[0] != "manager" {
		t.Errorf("Roles = %v, want [manager]", rctx.Roles)
	}
}

func TestBuildRequestContextMiddleware_missingSubject(t *testing.T) {
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))

	w := serveWithClaims(handler, map[string]any{"email": "x@example.com"})
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestClaimStrings_spaceSeparated(t *testing.T) {
	got := claimStrings(map[string]any{"scope": "read write"}, "scope")
	if len(got) != 2 || got[1] != "write" {
		t.Errorf("scope = %v", got)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		role  string
		rctx  *model.RequestContext
		wants int
	}{
		{"no context", "pipeline_admin", nil, 401},
		{"missing role", "pipeline_admin", &model.RequestContext{SubjectID: "u", Roles: []string{"viewer"}}, 403},
		{"has role", "pipeline_admin", &model.RequestContext{SubjectID: "u", Roles: []string{"pipeline_admin"}}, 200},
		{"no role required", "", &model.RequestContext{SubjectID: "u"}, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireRole(tt.role)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(200)
			}))
			req := httptest.NewRequest("GET", "/", nil)
			if tt.rctx != nil {
				req = req.WithContext(model.WithRequestContext(req.Context(), tt.rctx))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.wants {
				t.Errorf("status = %d, want %d", w.Code, tt.wants)
			}
		})
	}
}

func TestHandlerTimeout_setsDeadline(t *testing.T) {
	handler := HandlerTimeout(5 * time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("context should have a deadline")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestHandlerTimeout_zeroNoDeadline(t *testing.T) {
	handler := HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("context should not have a deadline")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestRequestLogging_capturesStatus(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var scoped bool
	handler := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped = observability.LoggerFrom(r.Context(), nil) != nil
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/instances/x", nil))

	if !scoped {
		t.Error("request logger should be stored in the context")
	}
	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", entries[0].Level)
	}
	if got := entries[0].ContextMap()["status"]; got != int64(404) {
		t.Errorf("status field = %v, want 404", got)
	}
}

func TestStatusWriter_firstHeaderWins(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	sw.Write([]byte("ok"))
	sw.WriteHeader(500)
	if sw.status != 200 {
		t.Errorf("status = %d, want 200", sw.status)
	}
}
