package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unauthorized", Unauthorized("pull read marks", 401), false},
		{"not found", NotFound("remove device", 404), true},
		{"network", NetworkUnreachable("push read marks", context.DeadlineExceeded), true},
		{"server", ServerError("push read marks", 503, nil), true},
		{"protocol", Protocol("pull read marks", errors.New("bad json")), true},
		{"wrapped server", fmt.Errorf("cycle: %w", ServerError("x", 500, nil)), true},
		{"plain error", errors.New("disk full"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsUserActionRequired(t *testing.T) {
	if !IsUserActionRequired(fmt.Errorf("wrapped: %w", Unauthorized("list devices", 401))) {
		t.Error("unauthorized should require user action")
	}
	if IsUserActionRequired(ServerError("list devices", 500, nil)) {
		t.Error("server error should not require user action")
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := NetworkUnreachable("pull read marks", context.DeadlineExceeded)
	if !errors.Is(err, ErrNetworkUnreachable) {
		t.Error("errors.Is(kind) failed")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is(cause) failed")
	}
}

func TestErrorMessageAndStatus(t *testing.T) {
	err := ServerError("push read marks", 503, errors.New("overloaded"))
	want := "push read marks: server error (status 503): overloaded"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if StatusCode(err) != 503 {
		t.Errorf("StatusCode() = %d, want 503", StatusCode(err))
	}
	if StatusCode(errors.New("x")) != 0 {
		t.Error("StatusCode() of a plain error should be 0")
	}
}
