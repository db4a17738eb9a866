package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "assignment not found"}
	want := "NOT_FOUND: assignment not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"illegal transition", NewIllegalTransitionError("x"), ErrIllegalTransition},
		{"workflow closed", NewWorkflowClosedError("x"), ErrWorkflowClosed},
		{"not found", NewNotFoundError("x"), ErrNotFound},
		{"verification failed", NewVerificationFailedError("x"), ErrVerificationFailed},
		{"conflict retryable", NewConflictRetryableError("x"), ErrConflictRetryable},
		{"bad request", NewBadRequestError("x"), ErrBadRequest},
		{"unauthorized", NewUnauthorizedError("x"), ErrUnauthorized},
		{"internal", NewInternalError(), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
		})
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{{Field: "state", Code: "REQUIRED", Message: "state is required"}}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 || e.Details[0].Field != "state" {
		t.Fatalf("Details = %+v", e.Details)
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("attempt: %w", NewWorkflowClosedError("closed"))
	if got := CodeOf(wrapped); got != ErrWorkflowClosed {
		t.Errorf("CodeOf(wrapped) = %q", got)
	}
	if got := CodeOf(errors.New("boom")); got != ErrInternalError {
		t.Errorf("CodeOf(plain) = %q", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q", got)
	}
	if !IsCode(wrapped, ErrWorkflowClosed) {
		t.Error("IsCode(wrapped, WORKFLOW_CLOSED) = false")
	}
}

func TestErrorEnvelope_Is(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewNotFoundError("gone"))
	if !errors.Is(err, &ErrorEnvelope{Code: ErrNotFound}) {
		t.Error("errors.Is by code = false")
	}
	if errors.Is(err, &ErrorEnvelope{Code: ErrConflictRetryable}) {
		t.Error("errors.Is with different code = true")
	}
}

func TestChildRecord_TokenExpired(t *testing.T) {
	now := mustTime("2026-01-02T00:00:00Z")
	past := now.Add(-1)
	future := now.Add(1)
	if (ChildRecord{}).TokenExpired(now) {
		t.Error("no expiry reported expired")
	}
	if !(ChildRecord{TokenExpiresAt: &past}).TokenExpired(now) {
		t.Error("past expiry not expired")
	}
	if !(ChildRecord{TokenExpiresAt: &now}).TokenExpired(now) {
		t.Error("expiry at now not expired")
	}
	if (ChildRecord{TokenExpiresAt: &future}).TokenExpired(now) {
		t.Error("future expiry reported expired")
	}
}

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}
