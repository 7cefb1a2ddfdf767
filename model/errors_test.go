package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "pipeline missing"}
	want := "NOT_FOUND: pipeline missing"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "steps", Code: "REQUIRED", Message: "at least one step is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 || e.Details[0].Field != "steps" {
		t.Errorf("Details = %+v", e.Details)
	}
}

func TestCodeOf_wrapped(t *testing.T) {
	err := fmt.Errorf("instance store: replace: %w", NewVersionConflictError("instance", "i-1", 3))
	if got := CodeOf(err); got != ErrVersionConflict {
		t.Errorf("CodeOf() = %q, want %q", got, ErrVersionConflict)
	}
	if !IsVersionConflict(err) {
		t.Error("IsVersionConflict() = false, want true")
	}
	if CodeOf(fmt.Errorf("plain")) != "" {
		t.Error("CodeOf(plain) should be empty")
	}
	if CodeOf(nil) != "" {
		t.Error("CodeOf(nil) should be empty")
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewNotFoundError("x"), true},
		{NewPipelineNotFoundError("p"), true},
		{NewInstanceNotFoundError("i"), true},
		{NewApprovalNotFoundError("a"), true},
		{NewStepNotFoundError("p", "s"), true},
		{NewStateConflictError("x"), false},
		{fmt.Errorf("db down"), false},
	}
	for _, tt := range tests {
		if got := IsNotFound(tt.err); got != tt.want {
			t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsStateConflict(t *testing.T) {
	if !IsStateConflict(NewStateConflictError("approval is approved")) {
		t.Error("STATE_CONFLICT should be a state conflict")
	}
	if !IsStateConflict(NewInstanceNotActiveError("i-1", "completed")) {
		t.Error("INSTANCE_NOT_ACTIVE should be a state conflict")
	}
	if IsStateConflict(NewVersionConflictError("instance", "i-1", 1)) {
		t.Error("VERSION_CONFLICT is retryable, not a state conflict")
	}
}

func TestIsEnvelope(t *testing.T) {
	if !IsEnvelope(NewChainLimitError(10)) {
		t.Error("IsEnvelope(chain limit) = false")
	}
	if IsEnvelope(fmt.Errorf("connection refused")) {
		t.Error("IsEnvelope(plain) = true")
	}
}
