package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/mcp-apps-go/mcp"
)

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// Tool pairs an MCP tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest is the container for tool call input. It is generic over the
// typed argument struct A.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	meta                      map[string]any
	allowAdditionalProperties bool // default false (strict)
}

// WithToolTitle sets the human readable title.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolMeta merges m into the descriptor's _meta. Use mcp.ToolUIMeta to
// link a tool to its UI resource.
func WithToolMeta(m map[string]any) ToolOption {
	return func(c *toolConfig) {
		if c.meta == nil {
			c.meta = make(map[string]any, len(m))
		}
		maps.Copy(c.meta, m)
	}
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a writer-based tool with typed input A. It:
//   - reflects a JSON Schema from A using invopop/jsonschema
//   - down-converts it to MCP's simplified ToolInputSchema
//   - wraps the handler with runtime JSON decoding (rejecting unknown fields by default)
//
// Decoding failures produce an isError result, not a protocol error, so the
// caller can correct its arguments.
func NewTool[A any](name string, fn func(ctx context.Context, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectToMCPInputSchema[A](cfg.allowAdditionalProperties),
		Meta:        cfg.meta,
	}

	handler := func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		w := newToolResponseWriter(ctx)
		if err := fn(ctx, w, &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}
	return Tool{Descriptor: desc, Handler: handler}
}

// NewToolWithOutput constructs a typed-input, typed-output tool. The value
// passed to SetStructured becomes the result's structuredContent and O is
// advertised as the output schema.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, w ToolResponseWriterTyped[O], r *ToolRequest[A]) error, opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	outSchema := reflectToMCPOutputSchema[O]()
	desc := mcp.Tool{
		Name:         name,
		Title:        cfg.title,
		Description:  cfg.description,
		InputSchema:  reflectToMCPInputSchema[A](cfg.allowAdditionalProperties),
		OutputSchema: &outSchema,
		Meta:         cfg.meta,
	}

	handler := func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		base := newToolResponseWriter(ctx)
		tw := &toolResponseWriterTyped[O]{ToolResponseWriter: base}
		if err := fn(ctx, tw, &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}); err != nil {
			return nil, err
		}
		res := base.Result()
		if tw.set {
			m, err := toObject(tw.structured)
			if err != nil {
				return nil, fmt.Errorf("encode structured content: %w", err)
			}
			res.StructuredContent = m
		}
		return res, nil
	}
	return Tool{Descriptor: desc, Handler: handler}
}

func decodeArgs[A any](raw json.RawMessage, lenient bool) (A, error) {
	var a A
	if len(raw) == 0 || string(raw) == "null" {
		return a, nil
	}
	if lenient {
		return a, json.Unmarshal(raw, &a)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return a, dec.Decode(&a)
}

func toObject(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// reflectToMCPInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema. Unknown field policy is
// surfaced via the AdditionalProperties flag on the returned schema.
func reflectToMCPInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            expandable[A](),
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to MCP ToolInputSchema.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           toMCPProperties(s),
		Required:             append([]string(nil), s.Required...),
		AdditionalProperties: allowAdditional,
	}
}

// reflectToMCPOutputSchema reflects a Go type O into a mcp.ToolOutputSchema.
func reflectToMCPOutputSchema[O any]() mcp.ToolOutputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: expandable[O](),
	}
	s := r.Reflect(new(O))
	if s == nil || s.Type != "object" {
		return mcp.ToolOutputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}
	return mcp.ToolOutputSchema{
		Type:       "object",
		Properties: toMCPProperties(s),
		Required:   append([]string(nil), s.Required...),
	}
}

// expandable reports whether T can be reflected with ExpandedStruct. The
// reflector looks expanded structs up by type name, so anonymous types such
// as struct{} must be reflected inline.
func expandable[T any]() bool {
	return reflect.TypeFor[T]().Name() != ""
}

func toMCPProperties(s *jsonschema.Schema) map[string]mcp.SchemaProperty {
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties == nil {
		return props
	}
	for el := s.Properties.Oldest(); el != nil; el = el.Next() {
		props[el.Key] = toMCPProperty(el.Value)
	}
	return props
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Default:     s.Default,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		p.Properties = toMCPProperties(s)
	}
	return p
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: fmt.Sprintf(format, a...)}},
		IsError: true,
	}
}
