// Package apphost implements the host end of an MCP Apps channel. A Host
// answers the app's ui/initialize, pushes tool input, results and context
// changes, forwards the app's tools/call requests to a ToolBackend and asks
// the app to tear down before the view goes away.
package apphost
