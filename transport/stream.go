package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
)

// Stream frames messages as newline-delimited JSON over a reader and writer
// pair, such as a child process's stdio.
type Stream struct {
	r io.Reader
	w io.Writer

	wmu sync.Mutex
	bw  *bufio.Writer

	lines chan jsonrpc.Message
	eof   chan struct{} // closed once the reader failed; rerr is then set
	rerr  error

	closeOnce sync.Once
	done      chan struct{}
}

// NewStream starts reading r in the background. If r or w implement io.Closer
// they are closed by Close.
func NewStream(r io.Reader, w io.Writer) *Stream {
	s := &Stream{
		r:     r,
		w:     w,
		bw:    bufio.NewWriter(w),
		lines: make(chan jsonrpc.Message),
		eof:   make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	br := bufio.NewReader(s.r)
	for {
		b, err := br.ReadBytes('\n')
		if b = bytes.TrimSpace(b); len(b) > 0 {
			select {
			case s.lines <- jsonrpc.Message(b):
			case <-s.done:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				err = io.EOF
			}
			s.rerr = err
			close(s.eof)
			return
		}
	}
}

func (s *Stream) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	select {
	case msg := <-s.lines:
		return msg, nil
	case <-s.eof:
		return nil, s.rerr
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}
func (s *Stream) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.bw.Write(msg); err != nil {
		return err
	}
	if err := s.bw.WriteByte('\n'); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if c, ok := s.w.(io.Closer); ok {
			err = c.Close()
		}
		if c, ok := s.r.(io.Closer); ok {
			if rErr := c.Close(); err == nil {
				err = rErr
			}
		}
	})
	return err
}
