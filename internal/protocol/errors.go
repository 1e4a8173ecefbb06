package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes. Codes travel verbatim across the wire inside error
// responses; clients branch on Code, never on Message text.
const (
	// Client/local errors
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeEndpointTaken  = "ENDPOINT_TAKEN"
	CodeClientShutdown = "CLIENT_SHUTDOWN"
	CodeCancelled      = "CANCELLED"

	// Routing errors
	CodeNoHandler = "NO_HANDLER"
	CodeQueueFull = "QUEUE_FULL"

	// Transport errors
	CodeTimeout          = "TIMEOUT"
	CodePeerDisconnected = "PEER_DISCONNECTED"
	CodeHandshakeTimeout = "HANDSHAKE_TIMEOUT"
	CodeInvalidResponse  = "INVALID_RESPONSE"

	// Remote handler failure
	CodeRemoteError = "REMOTE_ERROR"
)

// Error is the fabric error type. It carries a machine-readable code, a
// human-readable message, and optional structured detail, and round-trips
// losslessly through response envelopes.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Detail) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, string(e.Detail))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches against another *Error by code, so sentinel comparisons like
// errors.Is(err, protocol.ErrTimeout) work across wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Code sentinels for errors.Is.
var (
	ErrInvalidMessage   = &Error{Code: CodeInvalidMessage}
	ErrEndpointTaken    = &Error{Code: CodeEndpointTaken}
	ErrClientShutdown   = &Error{Code: CodeClientShutdown}
	ErrCancelled        = &Error{Code: CodeCancelled}
	ErrNoHandler        = &Error{Code: CodeNoHandler}
	ErrQueueFull        = &Error{Code: CodeQueueFull}
	ErrTimeout          = &Error{Code: CodeTimeout}
	ErrPeerDisconnected = &Error{Code: CodePeerDisconnected}
	ErrHandshakeTimeout = &Error{Code: CodeHandshakeTimeout}
	ErrInvalidResponse  = &Error{Code: CodeInvalidResponse}
	ErrRemoteError      = &Error{Code: CodeRemoteError}
)

// InvalidMessage builds an INVALID_MESSAGE error. Never retried.
func InvalidMessage(msg string) *Error {
	return &Error{Code: CodeInvalidMessage, Message: msg}
}

// EndpointTaken reports a terminal registration conflict.
func EndpointTaken(endpoint string) *Error {
	return &Error{Code: CodeEndpointTaken, Message: fmt.Sprintf("terminal subscriber already registered for %q", endpoint)}
}

// NoHandler reports that no terminal subscriber nor matching peer exists.
func NoHandler(endpoint string) *Error {
	return &Error{Code: CodeNoHandler, Message: fmt.Sprintf("no handler for endpoint %q", endpoint)}
}

// Timeout reports an expired correlation deadline.
func Timeout(msg string) *Error {
	return &Error{Code: CodeTimeout, Message: msg}
}

// QueueFull reports backpressure; callers may retry.
func QueueFull(msg string) *Error {
	return &Error{Code: CodeQueueFull, Message: msg}
}

// PeerDisconnected reports a connection lost before the response arrived.
func PeerDisconnected(msg string) *Error {
	return &Error{Code: CodePeerDisconnected, Message: msg}
}

// HandshakeTimeout reports a peer that never sent its handshake frame.
func HandshakeTimeout(msg string) *Error {
	return &Error{Code: CodeHandshakeTimeout, Message: msg}
}

// InvalidResponse reports a response the caller could not interpret.
func InvalidResponse(msg string) *Error {
	return &Error{Code: CodeInvalidResponse, Message: msg}
}

// ClientShutdown reports a request cancelled by local shutdown.
func ClientShutdown(msg string) *Error {
	return &Error{Code: CodeClientShutdown, Message: msg}
}

// Cancelled reports a caller-initiated cancellation.
func Cancelled(msg string) *Error {
	return &Error{Code: CodeCancelled, Message: msg}
}

// Remote wraps a handler failure. Detail carries optional structured
// context and must already be valid JSON.
func Remote(msg string, detail json.RawMessage) *Error {
	return &Error{Code: CodeRemoteError, Message: msg, Detail: detail}
}

// AsError coerces any handler error into a fabric error. Non-fabric errors
// become REMOTE_ERROR so they propagate across the wire.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr
	}
	return Remote(err.Error(), nil)
}
