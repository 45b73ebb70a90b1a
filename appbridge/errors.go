package appbridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/mcp"
)

var (
	// ErrNotConnected is returned by requests issued outside the Connected state.
	ErrNotConnected = errors.New("appbridge: not connected")
	// ErrAlreadyConnected is returned when Connect is called more than once.
	ErrAlreadyConnected = errors.New("appbridge: connect already called")
	// ErrConnectionLost rejects every pending request when the session closes.
	ErrConnectionLost = errors.New("appbridge: connection lost")
	// ErrCancelled resolves a tool call the host reported as cancelled.
	ErrCancelled = errors.New("appbridge: tool call cancelled by host")
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("appbridge: timeout")
	// ErrMalformedMessage reports an inbound frame that is not valid JSON-RPC.
	ErrMalformedMessage = errors.New("appbridge: malformed message")
)

// HandshakeError reports a failed ui/initialize exchange. The session is
// Failed afterwards.
type HandshakeError struct {
	// Reason is a short description such as "timeout" or "rejected".
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err == nil {
		return "appbridge: handshake failed: " + e.Reason
	}
	return fmt.Sprintf("appbridge: handshake failed: %s: %v", e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ToolCallError is a failure the host reported for one tools/call. Either RPC
// (a protocol-level error) or Result (a tool result with isError set) is set.
type ToolCallError struct {
	Tool   string
	RPC    *jsonrpc.Error
	Result *mcp.CallToolResult
}

func (e *ToolCallError) Error() string {
	if e.RPC != nil {
		return fmt.Sprintf("appbridge: tool %q failed: %s", e.Tool, e.RPC.Message)
	}
	if e.Result != nil {
		if msg := e.Result.Text(); msg != "" {
			return fmt.Sprintf("appbridge: tool %q failed: %s", e.Tool, msg)
		}
	}
	return fmt.Sprintf("appbridge: tool %q failed", e.Tool)
}

func (e *ToolCallError) Unwrap() error {
	if e.RPC != nil {
		return e.RPC
	}
	return nil
}

// TimeoutError reports a request that got no response within its budget. A
// response arriving later is discarded.
type TimeoutError struct {
	Method string
	Budget time.Duration
	Err    error
}

func (e *TimeoutError) Error() string {
	if e.Budget > 0 {
		return fmt.Sprintf("appbridge: %s timed out after %s", e.Method, e.Budget)
	}
	return fmt.Sprintf("appbridge: %s timed out", e.Method)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// HandlerError wraps a failure raised by a registered handler. It never
// changes the session state.
type HandlerError struct {
	Event string
	Err   error
	// Panic holds the recovered value when the handler panicked.
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("appbridge: %s handler panicked: %v", e.Event, e.Panic)
	}
	return fmt.Sprintf("appbridge: %s handler: %v", e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// RemoteError is an error the host sent without correlating it to a request.
type RemoteError struct {
	RPC *jsonrpc.Error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("appbridge: host error %d: %s", e.RPC.Code, e.RPC.Message)
}

func (e *RemoteError) Unwrap() error { return e.RPC }
