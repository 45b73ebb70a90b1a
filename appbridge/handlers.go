package appbridge

import (
	"context"

	"github.com/ggoodman/mcp-apps-go/mcp"
)

// Event names used in HandlerError and logs.
const (
	EventToolInput          = "tool-input"
	EventToolInputPartial   = "tool-input-partial"
	EventToolResult         = "tool-result"
	EventToolCancelled      = "tool-cancelled"
	EventHostContextChanged = "host-context-changed"
	EventTeardown           = "teardown"
)

// Handlers holds at most one callback per event kind. It is handed to Connect
// (or New) and copied, so it cannot change once the session exists. Nil
// callbacks are skipped.
//
// Unless the session uses WithSerializedHandlers, callbacks run on their own
// goroutines: the callback for event N+1 may start before the one for event N
// returns.
type Handlers struct {
	// OnToolInput receives the complete arguments of the tool that opened the app.
	OnToolInput func(ctx context.Context, args map[string]any) error
	// OnToolInputPartial receives arguments still being produced. Only fully
	// produced members are present.
	OnToolInputPartial func(ctx context.Context, args map[string]any) error
	// OnToolResult receives the result of the tool that opened the app.
	OnToolResult func(ctx context.Context, result *mcp.CallToolResult) error
	// OnToolCancelled is told the tool run behind the app was cancelled. It is
	// not called for cancellations that name one of the app's own requests;
	// those resolve the matching CallTool with ErrCancelled.
	OnToolCancelled func(ctx context.Context, reason string) error
	// OnHostContextChanged receives the merged host context.
	OnHostContextChanged func(ctx context.Context, hc mcp.HostContext) error
	// OnTeardown runs once before the session closes. Its duration is bounded
	// by the teardown timeout.
	OnTeardown func(ctx context.Context, reason string) error
	// OnError receives handler failures, host errors and malformed frames.
	// It runs synchronously on the reporting goroutine and should not block.
	OnError func(err error)
}
