// Package mcpserver implements the tool-server side of MCP for the app
// ecosystem in this module: a registry of tools and resources, per-client
// protocol sessions, and two ways to serve them.
//
// # Tools
//
// NewTool and NewToolWithOutput build a Tool from a typed Go handler. The
// argument type is reflected into the advertised input schema and incoming
// arguments are decoded strictly, so a caller passing unknown fields gets an
// isError result it can correct:
//
//	type addArgs struct {
//		Amount int `json:"amount,omitempty" jsonschema:"default=1"`
//	}
//
//	add := mcpserver.NewTool[addArgs]("add", func(ctx context.Context, w mcpserver.ToolResponseWriter, r *mcpserver.ToolRequest[addArgs]) error {
//		return w.AppendText(fmt.Sprintf("added %d", r.Args().Amount))
//	}, mcpserver.WithToolMeta(mcp.ToolUIMeta("ui://add/app.html")))
//
// # Serving
//
// ServeStream serves a single client over any transport.Transport, which is
// how the stdio mode of a server binary is built. NewHTTPHandler serves any
// number of clients over the streamable HTTP transport: every response is a
// single JSON body or a one-event SSE stream depending on the Accept header,
// and sessions are held in an expiring LRU keyed by Mcp-Session-Id.
package mcpserver
