package session

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when a session belongs to another user.
	ErrUnauthorized = errors.New("session belongs to another user")

	// ErrNoActiveSession is returned when the session does not exist or is no longer open.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionAlreadyCompleted is returned, together with the original
	// completed result, for any write against a completed session.
	ErrSessionAlreadyCompleted = errors.New("session already completed")

	// ErrActiveSessionExists is returned when starting a second open session.
	ErrActiveSessionExists = errors.New("user already has an active session")

	// ErrStoreUnavailable wraps transient storage failures. Callers may retry.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrInvalidRequest is returned for malformed input. Nothing is written.
	ErrInvalidRequest = errors.New("invalid request")
)

// Wire error codes.
const (
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeNoActiveSession         = "NO_ACTIVE_SESSION"
	CodeSessionAlreadyCompleted = "SESSION_ALREADY_COMPLETED"
	CodeActiveSessionExists     = "ACTIVE_SESSION_EXISTS"
	CodeStoreUnavailable        = "STORE_UNAVAILABLE"
	CodeInvalidRequest          = "INVALID_REQUEST"
)

// Code maps an error to its wire code. Unknown errors map to STORE_UNAVAILABLE.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNoActiveSession):
		return CodeNoActiveSession
	case errors.Is(err, ErrSessionAlreadyCompleted):
		return CodeSessionAlreadyCompleted
	case errors.Is(err, ErrActiveSessionExists):
		return CodeActiveSessionExists
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	default:
		return CodeStoreUnavailable
	}
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
