package mcp

// Capabilities
// ClientCapabilities advertises client features.
// The tool server acts on none of them, so they are accepted and ignored.
type ClientCapabilities struct{}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Resources *struct {
		ListChanged bool `json:"listChanged"`
		Subscribe   bool `json:"subscribe"`
	} `json:"resources,omitempty"`
	Tools *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"tools,omitempty"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentTypeText is the type of a text content block.
const ContentTypeText = "text"

// Content types
// ContentBlock is a typed content part of a message.
type ContentBlock struct {
	Type string `json:"type"`
	// For TextContent
	Text string `json:"text,omitzero"`
	// For ImageContent and AudioContent
	Data     string `json:"data,omitzero"`
	MimeType string `json:"mimeType,omitzero"`
}

// Tools
// Tool describes a callable tool and its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitzero"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
	// OutputSchema optionally declares the structure of structuredContent
	// in CallToolResult for this tool.
	OutputSchema *ToolOutputSchema `json:"outputSchema,omitempty"`
	// Meta carries extension metadata such as the linked UI resource
	// (see ToolUIMeta).
	Meta map[string]any `json:"_meta,omitempty"`
}

// ToolInputSchema is a JSON-schema-like description of tool input.
type ToolInputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties,omitzero"`
}

// ToolOutputSchema mirrors ToolInputSchema but omits additionalProperties.
// The schema must be an object shape.
type ToolOutputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty is a simplified schema node used in tool schemas.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitzero"`
	Default     any                       `json:"default,omitempty"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
}

// Resources
// Resource represents an addressable resource.
type Resource struct {
	URI         string         `json:"uri"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitzero"`
	MimeType    string         `json:"mimeType,omitzero"`
	Meta        map[string]any `json:"_meta,omitempty"`
}

// ResourceContents is the value of a resource read.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitzero"`
	Text     string `json:"text,omitzero"`
}

// LatestProtocolVersion is the latest version of the protocol.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists the versions a server built on this module
// accepts, newest first.
var SupportedProtocolVersions = []string{LatestProtocolVersion, "2025-03-26", "2024-11-05"}

// IsSupportedProtocolVersion reports whether v is listed in SupportedProtocolVersions.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}
