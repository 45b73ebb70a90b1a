// Package transport moves framed JSON-RPC messages between an app and its
// host. Implementations are safe for one concurrent reader and any number of
// concurrent writers.
package transport

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
)

// ErrClosed is returned when writing to a closed transport. Reads that observe
// the channel going away return io.EOF or ErrClosed.
var ErrClosed = errors.New("transport closed")

// Transport is a bidirectional, message-oriented channel.
type Transport interface {
	// Read blocks until the next message arrives, ctx is done or the
	// transport is closed.
	Read(ctx context.Context) (jsonrpc.Message, error)
	// Write sends one message.
	Write(ctx context.Context, msg jsonrpc.Message) error
	// Close releases the transport. It is safe to call more than once.
	Close() error
}
