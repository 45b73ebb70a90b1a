// Package mcp contains the protocol data types and constants exchanged between
// an embedded app, its host and the tool server behind it. It mirrors the wire
// representation of the Model Context Protocol and its Apps extension while
// keeping the surface Go-friendly (exported structs with json tags, string
// constants for method names).
//
// The package is free of transport logic: transports and sessions import these
// types but implement their own framing and lifecycle.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsCallMethod, UIToolInputNotificationMethod).
//
// # Host Context
//
// HostContext is the value object a host shares with an embedded app: display
// mode, safe-area insets, theme and style variables. Hosts send it whole at
// ui/initialize time and as partial patches afterwards; Merge applies a patch
// field by field (last write wins per field).
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
package mcp
