// Package testlog routes slog output into testing.TB logs.
package testlog

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// Bridge is an implementation of slog.Handler that works with the stdlib
// testing pkg. Records emitted after the test finished are dropped, since
// background goroutines may outlive it.
type Bridge struct {
	slog.Handler
	t    testing.TB
	buf  *bytes.Buffer
	mu   *sync.Mutex
	done *bool
}

// Handle implements slog.Handler.
func (b *Bridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	if *b.done {
		return nil
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()
	b.t.Log(string(output))
	return nil
}

// WithAttrs implements slog.Handler.
func (b *Bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Bridge{t: b.t, buf: b.buf, mu: b.mu, done: b.done, Handler: b.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (b *Bridge) WithGroup(name string) slog.Handler {
	return &Bridge{t: b.t, buf: b.buf, mu: b.mu, done: b.done, Handler: b.Handler.WithGroup(name)}
}

// Handler returns a debug-level Bridge bound to t.
func Handler(t testing.TB) *Bridge {
	done := false
	b := &Bridge{
		t:    t,
		buf:  &bytes.Buffer{},
		mu:   &sync.Mutex{},
		done: &done,
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	t.Cleanup(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		done = true
	})
	return b
}

// Logger returns a logger writing through Handler(t).
func Logger(t testing.TB) *slog.Logger {
	return slog.New(Handler(t))
}
