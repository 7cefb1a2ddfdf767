package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Pipeline-specific error codes.
const (
	ErrPipelineNotFound  = "PIPELINE_NOT_FOUND"
	ErrInstanceNotFound  = "INSTANCE_NOT_FOUND"
	ErrApprovalNotFound  = "APPROVAL_NOT_FOUND"
	ErrStepNotFound      = "STEP_NOT_FOUND"
	ErrVersionConflict   = "VERSION_CONFLICT"
	ErrStateConflict     = "STATE_CONFLICT"
	ErrInstanceNotActive = "INSTANCE_NOT_ACTIVE"
	ErrChainLimit        = "CHAIN_LIMIT"
	ErrExternalFailure   = "EXTERNAL_FAILURE"
)

// ErrorEnvelope is the standard error value returned by the engine and
// rendered by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewPipelineNotFoundError returns a PIPELINE_NOT_FOUND error.
func NewPipelineNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPipelineNotFound, Message: fmt.Sprintf("pipeline %q not found", id)}
}

// NewInstanceNotFoundError returns an INSTANCE_NOT_FOUND error.
func NewInstanceNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInstanceNotFound, Message: fmt.Sprintf("instance %q not found", id)}
}

// NewApprovalNotFoundError returns an APPROVAL_NOT_FOUND error.
func NewApprovalNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrApprovalNotFound, Message: fmt.Sprintf("approval %q not found", id)}
}

// NewStepNotFoundError returns a STEP_NOT_FOUND error.
func NewStepNotFoundError(pipelineID, stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepNotFound,
		Message: fmt.Sprintf("step %q not found in pipeline %q", stepID, pipelineID),
	}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewVersionConflictError returns a VERSION_CONFLICT error. Callers holding
// a stale copy should re-read the record and retry.
func NewVersionConflictError(kind, id string, version int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrVersionConflict,
		Message: fmt.Sprintf("%s %q was modified concurrently (expected version %d)", kind, id, version),
	}
}

// NewStateConflictError returns a STATE_CONFLICT error.
func NewStateConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStateConflict, Message: msg}
}

// NewInstanceNotActiveError returns an INSTANCE_NOT_ACTIVE error.
func NewInstanceNotActiveError(id, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotActive,
		Message: fmt.Sprintf("instance %q is %s", id, status),
	}
}

// NewChainLimitError returns a CHAIN_LIMIT error.
func NewChainLimitError(limit int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrChainLimit,
		Message: fmt.Sprintf("step chain exceeded %d consecutive steps", limit),
	}
}

// NewExternalFailureError returns an EXTERNAL_FAILURE error.
func NewExternalFailureError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExternalFailure, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// CodeOf returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an *ErrorEnvelope.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsNotFound reports whether err is any of the not-found codes.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case ErrNotFound, ErrPipelineNotFound, ErrInstanceNotFound, ErrApprovalNotFound, ErrStepNotFound:
		return true
	}
	return false
}

// IsVersionConflict reports whether err is a retryable VERSION_CONFLICT.
func IsVersionConflict(err error) bool {
	return CodeOf(err) == ErrVersionConflict
}

// IsStateConflict reports whether err rejects an operation because of the
// target's current lifecycle state.
func IsStateConflict(err error) bool {
	switch CodeOf(err) {
	case ErrStateConflict, ErrInstanceNotActive, ErrConflict:
		return true
	}
	return false
}

// IsEnvelope reports whether err is a domain error rather than an
// infrastructure failure.
func IsEnvelope(err error) bool {
	return CodeOf(err) != ""
}
