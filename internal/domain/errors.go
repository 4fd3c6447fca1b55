package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownUser   = errors.New("unknown user")
	ErrUnknownGroup  = errors.New("unknown group")
	ErrNotFound      = errors.New("message not found")
	ErrForbidden     = errors.New("forbidden")
	ErrStorage       = errors.New("storage error")
	ErrSessionClosed = errors.New("session closed")
	ErrConnClosed    = errors.New("connection closed")
	ErrSendBuffer    = errors.New("send buffer full")
	ErrRateLimited   = errors.New("rate limit exceeded")
)

// ErrorCode returns the short code reported to clients for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	case errors.Is(err, ErrUnknownGroup):
		return "unknown_group"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}

// StorageError wraps an I/O failure from a store so callers can match it with
// errors.Is(err, ErrStorage) and still reach the cause.
func StorageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// DeliveryError records a failed push to one connection. It never fails the
// operation that produced the event.
type DeliveryError struct {
	ConnID string
	UserID UserID
	Event  EventName
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to user %d on %s: %v", e.Event, e.UserID, e.ConnID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
