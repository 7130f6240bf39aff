package chat

import (
	"context"
	"errors"
)

// Kind constants classify every error surfaced by the transport layer.
// Strategies map their native errors to one of these kinds.
const (
	KindAuthentication = "authentication"  // Missing, expired or malformed token; user must log in again.
	KindRequest        = "request"         // Non-2xx response; the user may re-send.
	KindStreamProtocol = "stream_protocol" // Backend broke the streaming contract mid-response.
	KindConnection     = "connection"      // Transport failure before any content.
	KindAborted        = "aborted"         // Superseded or caller-cancelled; never shown to the user.
	KindBilling        = "billing"         // Backend rejected the send for billing reasons.
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrEmptyMessage is returned when a send carries no text.
	ErrEmptyMessage = errors.New("message text is empty")

	// ErrClosed is returned by a client that has been closed.
	ErrClosed = errors.New("chat client closed")

	// ErrNotConnected indicates a persistent channel is not established.
	ErrNotConnected = errors.New("not connected")

	// ErrUnsupported is returned when the active strategy lacks a capability.
	ErrUnsupported = errors.New("not supported by this strategy")
)

// Error is a typed transport error.
// Use the IsXxx helpers below to classify errors without inspecting fields.
type Error struct {
	Kind       string // One of the Kind* constants.
	Message    string // Human-readable description.
	StatusCode int    // HTTP status for request errors, 0 otherwise.
	Err        error  // Underlying error (may be nil).
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed transport error.
func NewError(kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AuthenticationError reports a token problem found before or during a send.
func AuthenticationError(message string, err error) *Error {
	return NewError(KindAuthentication, message, err)
}

// RequestError reports a non-2xx response with the server-supplied message.
func RequestError(status int, message string) *Error {
	return &Error{Kind: KindRequest, Message: message, StatusCode: status}
}

// StreamProtocolError reports a broken stream after content started.
func StreamProtocolError(message string, err error) *Error {
	return NewError(KindStreamProtocol, message, err)
}

// ConnectionError reports a transport-level failure.
func ConnectionError(message string, err error) *Error {
	return NewError(KindConnection, message, err)
}

// AbortedError reports a cancelled or superseded send.
func AbortedError(err error) *Error {
	return NewError(KindAborted, "request aborted", err)
}

// IsAuthenticationError reports whether err is an authentication failure.
func IsAuthenticationError(err error) bool {
	return hasKind(err, KindAuthentication)
}

// IsRequestError reports whether err is a non-2xx request failure.
func IsRequestError(err error) bool {
	return hasKind(err, KindRequest)
}

// IsStreamProtocolError reports whether err is a mid-stream protocol violation.
func IsStreamProtocolError(err error) bool {
	return hasKind(err, KindStreamProtocol)
}

// IsConnectionError reports whether err is a transport-level failure.
func IsConnectionError(err error) bool {
	return hasKind(err, KindConnection)
}

// IsBillingError reports whether err is a backend billing rejection.
func IsBillingError(err error) bool {
	return hasKind(err, KindBilling)
}

// IsAbortedError reports whether err is an aborted send. Bare context
// cancellation counts as aborted too.
func IsAbortedError(err error) bool {
	return hasKind(err, KindAborted) || errors.Is(err, context.Canceled)
}

// IsRetryable reports whether a connection attempt that failed with err may
// succeed on retry. Authentication failures need user action and aborted
// attempts were cancelled on purpose.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsAuthenticationError(err) && !IsAbortedError(err)
}

func hasKind(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
