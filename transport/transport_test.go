package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
)

func readWithin(t *testing.T, tr Transport, d time.Duration) (jsonrpc.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return tr.Read(ctx)
}

func TestPipe_RoundTripPreservesOrder(t *testing.T) {
	t.Parallel()

	a, b := NewPipe()
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	for _, m := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := a.Write(ctx, jsonrpc.Message(m)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		got, err := readWithin(t, b, time.Second)
		if err != nil || string(got) != want {
			t.Fatalf("read: got %s (%v) want %s", got, err, want)
		}
	}
}

func TestPipe_WriteCopiesBuffer(t *testing.T) {
	t.Parallel()

	a, b := NewPipe()
	buf := []byte(`{"n":1}`)
	_ = a.Write(context.Background(), buf)
	buf[5] = '9'
	got, _ := readWithin(t, b, time.Second)
	if string(got) != `{"n":1}` {
		t.Fatalf("message aliased caller buffer: %s", got)
	}
}

func TestPipe_CloseDrainsThenEOF(t *testing.T) {
	t.Parallel()

	a, b := NewPipe()
	_ = a.Write(context.Background(), jsonrpc.Message(`{}`))
	_ = a.Close()

	if got, err := readWithin(t, b, time.Second); err != nil || string(got) != `{}` {
		t.Fatalf("expected buffered message, got %s %v", got, err)
	}
	if _, err := readWithin(t, b, time.Second); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if err := b.Write(context.Background(), jsonrpc.Message(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on write, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestPipe_ReadHonoursContext(t *testing.T) {
	t.Parallel()

	_, b := NewPipe()
	if _, err := readWithin(t, b, 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStream_NewlineFraming(t *testing.T) {
	t.Parallel()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	s := NewStream(inR, outW)
	t.Cleanup(func() { _ = s.Close() })

	go func() {
		_, _ = inW.Write([]byte("{\"a\":1}\n\n  {\"b\":2}\n"))
	}()
	for _, want := range []string{`{"a":1}`, `{"b":2}`} {
		got, err := readWithin(t, s, time.Second)
		if err != nil || string(got) != want {
			t.Fatalf("read: got %s (%v) want %s", got, err, want)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var written []byte
	go func() {
		defer wg.Done()
		buf := make([]byte, 64)
		n, _ := outR.Read(buf)
		written = buf[:n]
	}()
	if err := s.Write(context.Background(), jsonrpc.Message(`{"c":3}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	wg.Wait()
	if string(written) != "{\"c\":3}\n" {
		t.Fatalf("unexpected framing %q", written)
	}
}

func TestStream_EOFIsSticky(t *testing.T) {
	t.Parallel()

	inR, inW := io.Pipe()
	s := NewStream(inR, io.Discard)
	_ = inW.Close()

	for i := 0; i < 2; i++ {
		if _, err := readWithin(t, s, time.Second); !errors.Is(err, io.EOF) {
			t.Fatalf("read %d: expected EOF, got %v", i, err)
		}
	}
	_ = s.Close()
	if err := s.Write(context.Background(), jsonrpc.Message(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
