// Package transport contains the HTTP router, middleware chain and request
// handlers for the staff and guest APIs.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/pitabwire/peerflow/model"
)

// retryAfterSeconds is advertised on CONFLICT_RETRYABLE responses.
const retryAfterSeconds = 1

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrIllegalTransition:  http.StatusUnprocessableEntity,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrWorkflowClosed:     http.StatusConflict,
	model.ErrConflictRetryable:  http.StatusConflict,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrVerificationFailed: http.StatusUnauthorized,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrInternalError:      http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an envelope code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError renders err as an ErrorEnvelope. Errors that do not carry an
// envelope are reported as a bare INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	if ee.Code == model.ErrConflictRetryable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// writeErrorWithTrace stamps the trace ID onto a copy of the envelope.
func writeErrorWithTrace(w http.ResponseWriter, err error, traceID string) {
	var ee *model.ErrorEnvelope
	if traceID == "" || !errors.As(err, &ee) {
		WriteError(w, err)
		return
	}
	stamped := *ee
	stamped.TraceID = traceID
	WriteError(w, &stamped)
}
