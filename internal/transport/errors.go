package transport

import (
	"errors"
	"fmt"
)

// Error kinds returned by Transport operations.
//
// Check them with errors.Is:
//
//	if errors.Is(err, transport.ErrUnauthorized) {
//	    // chain membership is gone; ask the user to join again
//	}
var (
	// ErrUnauthorized is returned when the service no longer recognizes the
	// chain or this device. It is the only kind that is not retryable.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when the addressed chain or device does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNetworkUnreachable is returned when the service could not be
	// reached, including timeouts.
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrServerError is returned for an unexpected status from the service.
	ErrServerError = errors.New("server error")

	// ErrProtocol is returned when a response could not be understood.
	// It is handled the same way as ErrServerError.
	ErrProtocol = errors.New("protocol error")
)

// Error is a classified transport failure.
type Error struct {
	// Kind is one of the Err* sentinels above.
	Kind error
	// Op names the remote operation, e.g. "push read marks".
	Op string
	// StatusCode is the HTTP status when one was received.
	StatusCode int
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Unauthorized builds an ErrUnauthorized failure.
func Unauthorized(op string, code int) error {
	return &Error{Kind: ErrUnauthorized, Op: op, StatusCode: code}
}

// NotFound builds an ErrNotFound failure.
func NotFound(op string, code int) error {
	return &Error{Kind: ErrNotFound, Op: op, StatusCode: code}
}

// NetworkUnreachable builds an ErrNetworkUnreachable failure.
func NetworkUnreachable(op string, err error) error {
	return &Error{Kind: ErrNetworkUnreachable, Op: op, Err: err}
}

// ServerError builds an ErrServerError failure.
func ServerError(op string, code int, err error) error {
	return &Error{Kind: ErrServerError, Op: op, StatusCode: code, Err: err}
}

// Protocol builds an ErrProtocol failure.
func Protocol(op string, err error) error {
	return &Error{Kind: ErrProtocol, Op: op, Err: err}
}

// IsRetryable returns true if the operation may succeed when run again
// later. Every transport failure is retryable except ErrUnauthorized.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrUnauthorized) {
		return false
	}

	return errors.Is(err, ErrNetworkUnreachable) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrNotFound)
}

// IsUserActionRequired returns true if the user has to re-authenticate
// (join a chain again) before syncing can resume.
func IsUserActionRequired(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}
