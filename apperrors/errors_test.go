package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"untagged error is infrastructure", errors.New("i/o timeout"), true},
		{"invalid transition", InvalidTransition("CANCELLED", "CONFIRMED"), false},
		{"not found", NotFoundWithID("Reservation", "r1"), false},
		{"lock contention", LockContention("program:p1"), true},
		{"unavailable", Unavailable("redis", errors.New("dial tcp")), true},
		{"wrapped domain error", fmt.Errorf("process: %w", Validation("bad payload", nil)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAppError_UnwrapAndCode(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("load: %w", Unavailable("mongo", cause))

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
	if !HasCode(err, CodeUnavailable) {
		t.Fatalf("expected code %s", CodeUnavailable)
	}
	if HasCode(cause, CodeUnavailable) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestAsAppError_WrapsUnknown(t *testing.T) {
	appErr := AsAppError(errors.New("boom"))
	if appErr.Code != CodeInternal {
		t.Fatalf("expected %s, got %s", CodeInternal, appErr.Code)
	}
	if !appErr.Retryable {
		t.Fatalf("expected internal errors to be retryable")
	}
}

func TestAppError_StatusCode(t *testing.T) {
	cases := map[*AppError]int{
		NotFoundWithID("reservation", "r1"):      http.StatusNotFound,
		Validation("bad", nil):                   http.StatusBadRequest,
		InvalidTransition("PENDING", "X"):        http.StatusConflict,
		LockContention("program:p1"):             http.StatusConflict,
		Unavailable("redis", errors.New("down")): http.StatusServiceUnavailable,
		Internal("boom", nil):                    http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := err.StatusCode(); got != want {
			t.Fatalf("%s: expected %d, got %d", err.Code, want, got)
		}
	}
}
