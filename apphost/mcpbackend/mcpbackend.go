// Package mcpbackend implements apphost.ToolBackend over an MCP client
// session to a streamable HTTP tool server.
package mcpbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ggoodman/mcp-apps-go/internal/jwtauth"
	"github.com/ggoodman/mcp-apps-go/mcp"
)

// Backend forwards tool and resource traffic to an MCP server.
type Backend struct {
	cs  *sdk.ClientSession
	log *slog.Logger
}

type config struct {
	info   mcp.ImplementationInfo
	client *http.Client
	signer *jwtauth.Signer
	log    *slog.Logger
}

// Option configures Dial.
type Option func(*config)

// WithClientInfo sets the implementation announced to the server.
func WithClientInfo(info mcp.ImplementationInfo) Option {
	return func(c *config) { c.info = info }
}

// WithHTTPClient sets the HTTP client used for the session.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.client = client }
}

// WithBearer authenticates every request with tokens minted by signer.
func WithBearer(signer *jwtauth.Signer) Option {
	return func(c *config) { c.signer = signer }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// Dial connects to the streamable HTTP endpoint and completes the MCP
// initialize handshake.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Backend, error) {
	cfg := config{
		info:   mcp.ImplementationInfo{Name: "mcp-apps-go-host", Version: "0.1.0"},
		client: http.DefaultClient,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	httpClient := cfg.client
	if cfg.signer != nil {
		clone := *httpClient
		clone.Transport = cfg.signer.RoundTripper(httpClient.Transport)
		httpClient = &clone
	}

	client := sdk.NewClient(&sdk.Implementation{Name: cfg.info.Name, Version: cfg.info.Version}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: httpClient,
	}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		return nil, fmt.Errorf("mcpbackend: connect %s: %w", endpoint, err)
	}
	cfg.log.InfoContext(ctx, "backend.connect.ok", slog.String("endpoint", endpoint))
	return &Backend{cs: cs, log: cfg.log}, nil
}

// ListTools returns every tool the server exposes.
func (b *Backend) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var out []mcp.Tool
	params := &sdk.ListToolsParams{}
	for {
		res, err := b.cs.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("mcpbackend: tools/list: %w", err)
		}
		for _, tool := range res.Tools {
			var t mcp.Tool
			if err := convert(tool, &t); err != nil {
				return nil, fmt.Errorf("mcpbackend: tool %q: %w", tool.Name, err)
			}
			out = append(out, t)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &sdk.ListToolsParams{Cursor: res.NextCursor}
	}
}

// CallTool invokes a tool. Tool-level failures come back as a result with
// IsError set; only protocol failures return an error.
func (b *Backend) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	res, err := b.cs.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcpbackend: tools/call %s: %w", name, err)
	}
	var out mcp.CallToolResult
	if err := convert(res, &out); err != nil {
		return nil, fmt.Errorf("mcpbackend: tools/call %s result: %w", name, err)
	}
	return &out, nil
}

// ReadResource reads one resource by URI.
func (b *Backend) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	res, err := b.cs.ReadResource(ctx, &sdk.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("mcpbackend: resources/read %s: %w", uri, err)
	}
	var out mcp.ReadResourceResult
	if err := convert(res, &out); err != nil {
		return nil, fmt.Errorf("mcpbackend: resources/read %s result: %w", uri, err)
	}
	return &out, nil
}

// Close ends the MCP session.
func (b *Backend) Close() error {
	return b.cs.Close()
}

// convert maps an SDK value onto this module's wire type through its JSON form.
func convert(from, to any) error {
	b, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, to)
}
