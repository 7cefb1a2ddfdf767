package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/leadflow/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewPipelineNotFoundError("p-1"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrPipelineNotFound {
		t.Errorf("code = %q, want %s", resp.Error.Code, model.ErrPipelineNotFound)
	}
}

func TestWriteError_non_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("something went wrong"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
}

func TestWriteError_wrapped(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("activate: %w", model.NewValidationError([]model.FieldError{
		{Field: "steps", Code: "REQUIRED", Message: "at least one enabled step is required"},
	})))
	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Error.Details) != 1 || resp.Error.Details[0].Field != "steps" {
		t.Errorf("details = %+v", resp.Error.Details)
	}
}

func TestWriteRequestError_hidesInternalErrors(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	writeRequestError(w, r, fmt.Errorf("db: %w", fmt.Errorf("connection refused")))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("internal error text leaked: %s", w.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct{ A int }
	if err := decodeJSON(httptest.NewRequest("POST", "/", strings.NewReader("")), &v, true); err != nil {
		t.Errorf("empty body allowed: %v", err)
	}
	err := decodeJSON(httptest.NewRequest("POST", "/", strings.NewReader("")), &v, false)
	if model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("empty body required: code = %q", model.CodeOf(err))
	}
	err = decodeJSON(httptest.NewRequest("POST", "/", strings.NewReader("{")), &v, true)
	if model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("malformed body: code = %q", model.CodeOf(err))
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest("GET", "/?limit=10&offset=-1&bad=x", nil)
	if n, err := queryInt(r, "limit", 50); err != nil || n != 10 {
		t.Errorf("limit = %d, %v", n, err)
	}
	if n, _ := queryInt(r, "missing", 50); n != 50 {
		t.Errorf("default = %d, want 50", n)
	}
	if _, err := queryInt(r, "offset", 0); err == nil {
		t.Error("negative offset accepted")
	}
	if _, err := queryInt(r, "bad", 0); err == nil {
		t.Error("non-numeric accepted")
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrUnauthorized, 401},
		{model.ErrForbidden, 403},
		{model.ErrNotFound, 404},
		{model.ErrPipelineNotFound, 404},
		{model.ErrInstanceNotFound, 404},
		{model.ErrApprovalNotFound, 404},
		{model.ErrStepNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrVersionConflict, 409},
		{model.ErrStateConflict, 409},
		{model.ErrInstanceNotActive, 409},
		{model.ErrValidationError, 422},
		{model.ErrChainLimit, 422},
		{model.ErrInternalError, 500},
		{model.ErrExternalFailure, 502},
		{"SOMETHING_ELSE", 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}
