package model

import (
	"errors"
	"fmt"
)

// Progression error codes. These are the value-level results callers render
// distinct messages for.
const (
	ErrIllegalTransition  = "ILLEGAL_TRANSITION"
	ErrWorkflowClosed     = "WORKFLOW_CLOSED"
	ErrNotFound           = "NOT_FOUND"
	ErrVerificationFailed = "VERIFICATION_FAILED"
	ErrConflictRetryable  = "CONFLICT_RETRYABLE"
)

// Transport-level error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// ErrorEnvelope is the error value returned by every progression operation
// and rendered verbatim by the HTTP layer. It implements the error interface.
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

// Is reports whether target is an ErrorEnvelope with the same code, so
// errors.Is(err, &ErrorEnvelope{Code: ErrNotFound}) works through wrapping.
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or ErrInternalError when
// err is not (and does not wrap) an ErrorEnvelope. A nil error has no code.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewIllegalTransitionError returns an ILLEGAL_TRANSITION error.
func NewIllegalTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIllegalTransition, Message: msg}
}

// NewWorkflowClosedError returns a WORKFLOW_CLOSED error.
func NewWorkflowClosedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkflowClosed, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewVerificationFailedError returns a VERIFICATION_FAILED error.
func NewVerificationFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrVerificationFailed, Message: msg}
}

// NewConflictRetryableError returns a CONFLICT_RETRYABLE error.
func NewConflictRetryableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflictRetryable, Message: msg}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
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
