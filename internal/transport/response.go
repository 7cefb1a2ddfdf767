// Package transport is the engine's administrative HTTP API: a chi router,
// JWT authentication, the middleware chain and the handlers.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/internal/observability"
	"github.com/pitabwire/leadflow/model"
)

// statusForCode maps error codes to HTTP statuses.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrForbidden:         http.StatusForbidden,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrPipelineNotFound:  http.StatusNotFound,
	model.ErrInstanceNotFound:  http.StatusNotFound,
	model.ErrApprovalNotFound:  http.StatusNotFound,
	model.ErrStepNotFound:      http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrVersionConflict:   http.StatusConflict,
	model.ErrStateConflict:     http.StatusConflict,
	model.ErrInstanceNotActive: http.StatusConflict,
	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrChainLimit:        http.StatusUnprocessableEntity,
	model.ErrExternalFailure:   http.StatusBadGateway,
	model.ErrInternalError:     http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes body as JSON with status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError renders err. Anything that is not an *ErrorEnvelope is
// reported as an internal error without leaking its text.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// writeRequestError renders err, stamping the trace id and logging
// internal failures with the request logger.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Error("request failed", zap.Error(err))
		ee = model.NewInternalError()
	} else {
		cp := *ee
		ee = &cp
	}
	if ee.TraceID == "" {
		ee.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// decodeJSON reads the request body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return model.NewBadRequestError("request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			if allowEmpty {
				return nil
			}
			return model.NewBadRequestError("request body is required")
		}
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewBadRequestError(key + " must be a non-negative integer")
	}
	return n, nil
}
