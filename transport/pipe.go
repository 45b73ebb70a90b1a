package transport

import (
	"context"
	"io"
	"sync"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
)

// pipeBuffer is how many messages a pipe end holds before Write blocks.
const pipeBuffer = 256

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

// PipeEnd is one side of an in-memory transport created by NewPipe.
type PipeEnd struct {
	in     <-chan jsonrpc.Message
	out    chan<- jsonrpc.Message
	shared *pipeShared
}

// NewPipe returns two connected transports. Closing either end closes both;
// the other end drains buffered messages and then reads io.EOF.
func NewPipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan jsonrpc.Message, pipeBuffer)
	ba := make(chan jsonrpc.Message, pipeBuffer)
	sh := &pipeShared{done: make(chan struct{})}
	return &PipeEnd{in: ba, out: ab, shared: sh}, &PipeEnd{in: ab, out: ba, shared: sh}
}

func (p *PipeEnd) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.shared.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *PipeEnd) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	cp := append(jsonrpc.Message(nil), msg...)
	select {
	case p.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.shared.done:
		return ErrClosed
	}
}

func (p *PipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}
