package apphost

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-apps-go/mcp"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultTeardownTimeout  = 5 * time.Second
)

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.log = l
		}
	}
}

// WithHostInfo sets the implementation announced to apps.
func WithHostInfo(info mcp.ImplementationInfo) Option {
	return func(h *Host) { h.info = info }
}

// WithHostContext sets the context every new connection starts from.
func WithHostContext(hc mcp.HostContext) Option {
	return func(h *Host) { h.initial = hc.Clone() }
}

// WithHandshakeTimeout bounds how long Attach waits for the app to initialize.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.handshakeTimeout = d
		}
	}
}

// WithTeardownTimeout bounds how long Teardown waits for the app's ack.
func WithTeardownTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.teardownTimeout = d
		}
	}
}

// WithOpenLink enables ui/open-link and routes it to fn.
func WithOpenLink(fn func(ctx context.Context, url string) error) Option {
	return func(h *Host) { h.onOpenLink = fn }
}

// WithMessage enables ui/message and routes it to fn.
func WithMessage(fn func(ctx context.Context, role string, content []mcp.ContentBlock) error) Option {
	return func(h *Host) { h.onMessage = fn }
}

// WithSizeChanged observes ui/notifications/size-changed.
func WithSizeChanged(fn func(ctx context.Context, width, height float64)) Option {
	return func(h *Host) { h.onSizeChanged = fn }
}
