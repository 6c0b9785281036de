// Package chat defines the error taxonomy shared by the conversation stores,
// the connection gateway, and the HTTP API. Failures are classified by wrapping
// one of the sentinel kinds so callers can map them to a wire error code with
// errors.Is, while the user-facing reason travels alongside.
package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is a missing, invalid, or expired credential.
	ErrAuthentication = errors.New("authentication error")
	// ErrAuthorization is a valid identity acting on a conversation it is not a member of.
	ErrAuthorization = errors.New("access denied")
	// ErrValidation is malformed or out-of-range input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound is a referenced conversation or account that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited is an account sending faster than its allowance.
	ErrRateLimited = errors.New("rate limited")
	// ErrStorage is a persistence failure. It is never retried automatically.
	ErrStorage = errors.New("storage error")
)

// Error couples a sentinel kind with the reason shown to the client.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string {
	return e.Kind.Error() + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Errorf builds an *Error of the given kind with a formatted reason.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Storage wraps err as an ErrStorage failure of op. The original error stays
// reachable through errors.Is/As for logging.
func Storage(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Wire error codes sent in error events and used by the HTTP layer.
const (
	CodeUnauthorized   = "unauthorized"
	CodeAccessDenied   = "access_denied"
	CodeInvalidMessage = "invalid_message"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal_error"
)

// Describe maps err to a wire code and a client-facing reason. Storage and
// unclassified failures report fallback instead of leaking internals.
func Describe(err error, fallback string) (code, reason string) {
	var ce *Error
	if errors.As(err, &ce) {
		reason = ce.Reason
	}

	switch {
	case errors.Is(err, ErrAuthentication):
		code = CodeUnauthorized
		if reason == "" {
			reason = "Authentication error"
		}
	case errors.Is(err, ErrAuthorization):
		code = CodeAccessDenied
		if reason == "" {
			reason = "Access denied to this conversation"
		}
	case errors.Is(err, ErrValidation):
		code = CodeInvalidMessage
		if reason == "" {
			reason = "Invalid request"
		}
	case errors.Is(err, ErrNotFound):
		code = CodeNotFound
		if reason == "" {
			reason = "Conversation not found"
		}
	case errors.Is(err, ErrRateLimited):
		code = CodeRateLimited
		if reason == "" {
			reason = "Too many messages, slow down"
		}
	default:
		return CodeInternal, fallback
	}
	return code, reason
}
