package appbridge

import (
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-apps-go/mcp"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultTeardownTimeout  = 5 * time.Second
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHandshakeTimeout bounds the ui/initialize exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithCallTimeout sets the budget of every outbound request. Zero leaves
// requests bounded only by their context.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.callTimeout = d
		}
	}
}

// WithTeardownTimeout bounds the OnTeardown handler.
func WithTeardownTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.teardownTimeout = d
		}
	}
}

// WithSerializedHandlers runs callbacks one at a time in arrival order on a
// dedicated goroutine instead of concurrently.
func WithSerializedHandlers() Option {
	return func(s *Session) { s.serialized = true }
}

// WithRequiredHostCapabilities fails the handshake when the host does not
// offer every capability set in want.
func WithRequiredHostCapabilities(want mcp.HostCapabilities) Option {
	return func(s *Session) { s.requiredCaps = want }
}
