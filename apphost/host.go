package apphost

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/ggoodman/mcp-apps-go/internal/logctx"
	"github.com/ggoodman/mcp-apps-go/mcp"
	"github.com/ggoodman/mcp-apps-go/transport"
)

// ToolBackend is the MCP server the host forwards tool traffic to.
type ToolBackend interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

var (
	// ErrHandshake is returned by Attach when the app never completes ui/initialize.
	ErrHandshake = errors.New("apphost: app handshake failed")
	// ErrClosed is returned by Conn methods after the connection closed.
	ErrClosed = errors.New("apphost: connection closed")
)

// Host accepts app connections. It is safe for concurrent use.
type Host struct {
	backend ToolBackend
	info    mcp.ImplementationInfo
	initial mcp.HostContext
	log     *slog.Logger

	handshakeTimeout time.Duration
	teardownTimeout  time.Duration

	onOpenLink    func(ctx context.Context, url string) error
	onMessage     func(ctx context.Context, role string, content []mcp.ContentBlock) error
	onSizeChanged func(ctx context.Context, width, height float64)
}

// New creates a Host that forwards tool calls to backend.
func New(backend ToolBackend, opts ...Option) *Host {
	h := &Host{
		backend:          backend,
		info:             mcp.ImplementationInfo{Name: "mcp-apps-go-host", Version: "0.1.0"},
		initial:          mcp.HostContext{Theme: mcp.ThemeLight, DisplayMode: mcp.DisplayModeInline},
		log:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		handshakeTimeout: defaultHandshakeTimeout,
		teardownTimeout:  defaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	return h
}

// Backend returns the tool backend.
func (h *Host) Backend() ToolBackend { return h.backend }

// offered returns the capabilities this host can honour for an app.
func (h *Host) offered(app mcp.AppCapabilities) mcp.HostCapabilities {
	var caps mcp.HostCapabilities
	if h.backend != nil {
		if app.Tools != nil {
			caps.ServerTools = &struct{}{}
		}
		caps.ServerResources = &struct{}{}
	}
	if h.onOpenLink != nil {
		caps.OpenLinks = &struct{}{}
	}
	if h.onMessage != nil {
		caps.Message = &struct{}{}
	}
	return caps
}

// initialContext narrows the host's display modes to those the app supports.
func (h *Host) initialContext(app mcp.AppCapabilities) mcp.HostContext {
	hc := h.initial.Clone()
	if len(app.AvailableDisplayModes) == 0 {
		return hc
	}
	if len(hc.AvailableDisplayModes) == 0 {
		hc.AvailableDisplayModes = []mcp.DisplayMode{hc.DisplayMode}
	}
	hc.AvailableDisplayModes = slices.DeleteFunc(hc.AvailableDisplayModes, func(m mcp.DisplayMode) bool {
		return !slices.Contains(app.AvailableDisplayModes, m)
	})
	if hc.DisplayMode != "" && !slices.Contains(hc.AvailableDisplayModes, hc.DisplayMode) && len(hc.AvailableDisplayModes) > 0 {
		hc.DisplayMode = hc.AvailableDisplayModes[0]
	}
	return hc
}

// Attach serves one app over t. It returns once the app has completed
// ui/initialize and sent ui/notifications/initialized, so events pushed
// through the Conn are never sent to an app that is not ready.
func (h *Host) Attach(ctx context.Context, t transport.Transport) (*Conn, error) {
	c := newConn(h, t)
	go c.readLoop()

	timer := time.NewTimer(h.handshakeTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		c.log.InfoContext(c.ctx, "host.attach.ok",
			slog.String("app", c.AppInfo().Name),
			slog.String("app_version", c.AppInfo().Version),
		)
		return c, nil
	case <-c.done:
		return nil, errors.Join(ErrHandshake, c.Err())
	case <-timer.C:
		c.closeWith(ErrHandshake)
		return nil, ErrHandshake
	case <-ctx.Done():
		c.closeWith(ctx.Err())
		return nil, ctx.Err()
	}
}
