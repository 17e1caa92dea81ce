package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructors(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("connection refused")
	tests := []struct {
		name     string
		err      error
		sentinel error
		message  string
	}{
		{"validation", Validation("name", "name is required"), ErrValidation, "name is required"},
		{"not found", NotFound("job", "abc123"), ErrNotFound, "job abc123 not found"},
		{"invalid state", InvalidState("job", "abc123", "job is already finished"), ErrInvalidState, "job is already finished"},
		{"conflict", Conflict("job", "abc123", "job was modified concurrently"), ErrConflict, "job was modified concurrently"},
		{"submission", Submission("kubernetes.createJob", cause), ErrSubmission, "kubernetes.createJob: connection refused"},
		{"transient", Transient("kubernetes.getJob", cause), ErrTransient, "kubernetes.getJob: connection refused"},
		{"internal", Internal("store.update", cause), ErrInternal, "store.update: connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("expected error to match %v", tt.sentinel)
			}
			if tt.err.Error() != tt.message {
				t.Errorf("message = %q, want %q", tt.err.Error(), tt.message)
			}
			var appErr *Error
			if !errors.As(tt.err, &appErr) {
				t.Fatal("expected error to be *Error")
			}
		})
	}
}

func TestValidationField(t *testing.T) {
	t.Parallel()
	var appErr *Error
	if !errors.As(Validation("resource_spec.cpu", "too many"), &appErr) {
		t.Fatal("expected *Error")
	}
	if appErr.Field != "resource_spec.cpu" {
		t.Errorf("field = %q", appErr.Field)
	}
}

func TestCauseIsReachable(t *testing.T) {
	t.Parallel()
	err := Transient("poll", context.DeadlineExceeded)
	if !errors.Is(err, ErrTransient) {
		t.Error("expected ErrTransient")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected cause to be matched through Unwrap")
	}
}

func TestMessage(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("controller: %w", InvalidState("job", "1", "job is already finished"))
	if got := Message(wrapped); got != "job is already finished" {
		t.Errorf("Message() = %q", got)
	}
	if got := Message(errors.New("plain")); got != "plain" {
		t.Errorf("Message() = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("id", "required"), http.StatusBadRequest},
		{"not found", NotFound("job", "123"), http.StatusNotFound},
		{"invalid state", InvalidState("job", "123", "finished"), http.StatusConflict},
		{"conflict", Conflict("job", "123", "exists"), http.StatusConflict},
		{"submission", Submission("op", fmt.Errorf("quota exceeded")), http.StatusBadGateway},
		{"transient", Transient("op", fmt.Errorf("timeout")), http.StatusServiceUnavailable},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"sentinel not found", ErrNotFound, http.StatusNotFound},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HTTPStatus(tt.err); got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestFromHTTPStatusRoundTrip(t *testing.T) {
	t.Parallel()
	for _, sentinel := range []error{ErrValidation, ErrNotFound, ErrSubmission, ErrTransient, ErrInternal} {
		if got := FromHTTPStatus(HTTPStatus(sentinel)); got != sentinel {
			t.Errorf("FromHTTPStatus(HTTPStatus(%v)) = %v", sentinel, got)
		}
	}
	if got := FromHTTPStatus(http.StatusConflict); got != ErrInvalidState {
		t.Errorf("409 = %v", got)
	}
	for _, status := range []int{http.StatusOK, http.StatusAccepted, http.StatusUnauthorized} {
		if got := FromHTTPStatus(status); got != nil {
			t.Errorf("FromHTTPStatus(%d) = %v, want nil", status, got)
		}
	}
}
