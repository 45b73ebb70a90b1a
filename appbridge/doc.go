// Package appbridge is the app side of an MCP Apps channel: the code an
// embedded app runs to talk to the host that renders it.
//
// A Session moves through Idle, Handshaking and Connected, and ends Closed
// (teardown or channel loss) or Failed (handshake error). Handlers are
// supplied up front:
//
//	sess, err := appbridge.Connect(ctx, t,
//		mcp.ImplementationInfo{Name: "counter", Version: "1.0.0"},
//		mcp.AppCapabilities{},
//		appbridge.Handlers{
//			OnToolResult: func(ctx context.Context, res *mcp.CallToolResult) error {
//				render(res.Text())
//				return nil
//			},
//			OnError: func(err error) { showError(err) },
//		},
//	)
//	if err != nil {
//		return err
//	}
//	defer sess.Teardown(context.Background())
//
//	res, err := sess.CallTool(ctx, "increment-counter", map[string]any{"amount": 1})
//
// Outbound calls are correlated by request id and may run concurrently.
// Inbound events are dispatched in arrival order; host context changes are
// merged into the session snapshot before the handler sees them, and partial
// tool input is repaired so only fully produced members reach the handler.
package appbridge
