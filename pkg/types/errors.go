package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable error classifier. UI layers branch
// on codes, never on message text, so the set of codes is part of the wire
// contract and must not change without a protocol version bump.
type ErrorCode string

const (
	// CodeTransport classifies socket-level failures on either tier.
	// Recovered locally by reconnection; invisible to the end user unless
	// the attempt budget is exhausted.
	CodeTransport ErrorCode = "transport_error"

	// CodeProvider classifies upstream provider session failures.
	CodeProvider ErrorCode = "provider_error"

	// CodeProtocol classifies malformed or unrecognised wire messages.
	// A single protocol error is logged and dropped; the session continues.
	CodeProtocol ErrorCode = "protocol_error"

	// CodeSessionExpired is terminal: the reconnect budget was exhausted or
	// the session TTL passed. The client must establish a brand-new session.
	CodeSessionExpired ErrorCode = "session_expired"

	// CodePermission classifies microphone access denial on the client.
	// Not recoverable by reconnection.
	CodePermission ErrorCode = "permission_denied"
)

// Error is a classified error carrying a stable code alongside the free-text
// message. It wraps the underlying cause for errors.Is/As chains.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a classified [Error] wrapping cause. cause may be nil.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// TransportError classifies err as a socket-level failure.
func TransportError(message string, cause error) *Error {
	return NewError(CodeTransport, message, cause)
}

// ProviderError classifies err as an upstream provider failure.
func ProviderError(message string, cause error) *Error {
	return NewError(CodeProvider, message, cause)
}

// ProtocolError classifies err as a malformed or unrecognised message.
func ProtocolError(message string, cause error) *Error {
	return NewError(CodeProtocol, message, cause)
}

// SessionExpiredError creates the terminal session-expired error.
func SessionExpiredError(message string) *Error {
	return NewError(CodeSessionExpired, message, nil)
}

// CodeOf extracts the [ErrorCode] from err, walking the wrap chain.
// Unclassified errors report [CodeTransport] — the conservative default for
// failures observed at a socket boundary.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeTransport
}
