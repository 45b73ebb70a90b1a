package mcpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/transport"
)

// ServeStream serves one client over t (for example transport.NewStream over
// stdin/stdout) until the peer closes it or ctx is cancelled. Requests are
// handled concurrently; responses are written as they complete.
//
// A clean end of input returns nil.
func (s *Server) ServeStream(ctx context.Context, t transport.Transport) error {
	sess := s.NewSession(uuid.NewString())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer func() {
		sess.Close()
		wg.Wait()
	}()

	s.log.InfoContext(sess.logContext(ctx), "stream.serve.start")
	for {
		raw, err := t.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				s.log.InfoContext(sess.logContext(ctx), "stream.serve.end")
				return nil
			}
			return err
		}
		msg, err := raw.Decode()
		if err != nil {
			s.log.WarnContext(sess.logContext(ctx), "jsonrpc.message.invalid", slog.String("err", err.Error()))
			s.write(ctx, t, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message", nil))
			continue
		}
		if msg.Type() != jsonrpc.TypeRequest {
			sess.Handle(ctx, msg)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := sess.Handle(ctx, msg); resp != nil {
				s.write(ctx, t, resp)
			}
		}()
	}
}

func (s *Server) write(ctx context.Context, t transport.Transport, resp *jsonrpc.Response) {
	b, err := jsonrpc.Encode(resp)
	if err == nil {
		err = t.Write(ctx, b)
	}
	if err != nil && ctx.Err() == nil {
		s.log.WarnContext(ctx, "stream.write.fail", slog.String("err", err.Error()))
	}
}
