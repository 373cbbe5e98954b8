package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSessionClosed is returned to every caller whose request was still
// pending when the session ended, and to every request issued after.
// The wrapped cause tells a client-initiated Close apart from a server
// that went away.
var ErrSessionClosed = errors.New("mcp session closed")

// errClosedByClient is the cause recorded when Close ends the session.
var errClosedByClient = errors.New("closed by client")

// Framing failures surfaced inside a TransportError.
var (
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrTransportClosed = errors.New("transport closed")
	ErrWriteStalled    = errors.New("write stalled: server is not reading")
)

// SpawnError reports that the tool server process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("start tool server %q: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error { return e.Err }

// HandshakeError reports a failed initialize exchange: the server
// answered with an unsupported protocol version, a malformed result, or
// no tools capability.
type HandshakeError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	if e.Err == nil {
		return "mcp handshake: " + e.Reason
	}
	return fmt.Sprintf("mcp handshake: %s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError reports that the byte stream to the server broke.
// It is fatal to the session.
type TransportError struct {
	Op  string // "send" or "receive"
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a response that could not be interpreted. Only
// the affected request fails; the session stays usable.
type ProtocolError struct {
	Method string
	Err    error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp %s: malformed response: %v", e.Method, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError reports a request that got no response within its
// per-call timeout. The waiter has been removed; a late response is
// discarded.
type TimeoutError struct {
	Method string
	ID     int64
	After  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp %s (id %d): no response after %s", e.Method, e.ID, e.After)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ToolError is a failure reported by the tool itself (isError in the
// tools/call result) rather than by the protocol.
type ToolError struct {
	Tool    string
	Message string
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// IsFatal reports whether err ends the session: the server could not be
// started or initialized, the stream broke, or the session is closed.
// Per-call failures (timeouts, protocol errors, tool errors) are not
// fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var (
		spawn     *SpawnError
		handshake *HandshakeError
		transport *TransportError
	)
	return errors.Is(err, ErrSessionClosed) ||
		errors.As(err, &spawn) ||
		errors.As(err, &handshake) ||
		errors.As(err, &transport)
}

func closedError(cause error) error {
	if cause == nil {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, cause)
}
