package mcp

import (
	"encoding/json"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
)

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

// MCP method names and notifications.
const (
	// Initialization
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	// Tools
	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	// Resources
	ResourcesListMethod Method = "resources/list"
	ResourcesReadMethod Method = "resources/read"

	// General
	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
)

// PaginatedRequest carries a cursor for paginated list requests.
type PaginatedRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

// PaginatedResult carries a cursor for continuing pagination.
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitzero"`
}

// BaseMetadata carries optional metadata for responses.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// CancelledNotification informs the peer that a request was canceled.
type CancelledNotification struct {
	RequestID *jsonrpc.RequestID `json:"requestId"`
	Reason    string             `json:"reason,omitzero"`
}

// InitializeRequest starts the MCP initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
	BaseMetadata
}

// Tools
// ListToolsRequest requests the set of available tools.
type ListToolsRequest struct {
	PaginatedRequest
}

// ListToolsResult returns the available tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
	PaginatedResult
	BaseMetadata
}

// CallToolRequestReceived is the server-received representation for a tool call.
type CallToolRequestReceived struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolRequestSent is the sender-side version of a tool call.
type CallToolRequestSent struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult represents a tool invocation result.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
	// StructuredContent contains a typed object that conforms to the tool's
	// OutputSchema when provided.
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	BaseMetadata
}

// Text concatenates the text blocks of the result.
func (r *CallToolResult) Text() string {
	if r == nil {
		return ""
	}
	var out string
	for _, b := range r.Content {
		if b.Type == ContentTypeText {
			out += b.Text
		}
	}
	return out
}

// Resources
// ListResourcesRequest requests a paginated list of resources.
type ListResourcesRequest struct {
	PaginatedRequest
}

// ListResourcesResult returns a page of resources.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
	PaginatedResult
	BaseMetadata
}

// ReadResourceRequest requests the contents of a resource by URI.
type ReadResourceRequest struct {
	URI string `json:"uri"`
}

// ReadResourceResult returns resource contents.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
	BaseMetadata
}

// ResourceUpdatedNotification indicates a resource's content changed.
type ResourceUpdatedNotification struct {
	URI string `json:"uri"`
}

// EmptyResult is returned for operations that do not return data.
type EmptyResult struct {
	BaseMetadata
}
