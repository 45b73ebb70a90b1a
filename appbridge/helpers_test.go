package appbridge

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/internal/testlog"
	"github.com/ggoodman/mcp-apps-go/mcp"
	"github.com/ggoodman/mcp-apps-go/transport"
)

var testAppInfo = mcp.ImplementationInfo{Name: "counter-test", Version: "0.0.1"}

// countingTransport records how many frames were written through it.
type countingTransport struct {
	transport.Transport
	writes atomic.Int64
}

func (c *countingTransport) Write(ctx context.Context, msg jsonrpc.Message) error {
	c.writes.Add(1)
	return c.Transport.Write(ctx, msg)
}

// scriptedHost drives the host end of a pipe from the test goroutine.
type scriptedHost struct {
	t  *testing.T
	tr transport.Transport
}

func newPair(t *testing.T) (app *countingTransport, host *scriptedHost) {
	t.Helper()
	a, b := transport.NewPipe()
	t.Cleanup(func() { _ = a.Close() })
	return &countingTransport{Transport: a}, &scriptedHost{t: t, tr: b}
}

func (h *scriptedHost) read() *jsonrpc.AnyMessage {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := h.tr.Read(ctx)
	if err != nil {
		h.t.Fatalf("host read: %v", err)
	}
	msg, err := raw.Decode()
	if err != nil {
		h.t.Fatalf("host decode %s: %v", raw, err)
	}
	return msg
}

func (h *scriptedHost) expect(method mcp.Method) *jsonrpc.AnyMessage {
	h.t.Helper()
	msg := h.read()
	if msg.Method != string(method) {
		h.t.Fatalf("host expected %s, got %+v", method, msg)
	}
	return msg
}

func (h *scriptedHost) send(v any) {
	h.t.Helper()
	b, err := jsonrpc.Encode(v)
	if err != nil {
		h.t.Fatalf("encode: %v", err)
	}
	if err := h.tr.Write(context.Background(), b); err != nil {
		h.t.Fatalf("host write: %v", err)
	}
}

func (h *scriptedHost) respond(id *jsonrpc.RequestID, result any) {
	h.t.Helper()
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		h.t.Fatalf("result: %v", err)
	}
	h.send(resp)
}

func (h *scriptedHost) notify(method mcp.Method, params any) {
	h.t.Helper()
	n, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		h.t.Fatalf("notification: %v", err)
	}
	h.send(n)
}

func (h *scriptedHost) request(id any, method mcp.Method, params any) {
	h.t.Helper()
	n, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		h.t.Fatalf("request: %v", err)
	}
	n.ID = jsonrpc.NewRequestID(id)
	h.send(n)
}

func initResult(hc mcp.HostContext) mcp.UIInitializeResult {
	return mcp.UIInitializeResult{
		ProtocolVersion: mcp.LatestAppsProtocolVersion,
		HostInfo:        mcp.ImplementationInfo{Name: "scripted-host", Version: "1"},
		HostCapabilities: mcp.HostCapabilities{
			OpenLinks:   &struct{}{},
			ServerTools: &struct{}{},
		},
		HostContext: hc,
	}
}

// acceptHandshake answers ui/initialize and consumes the initialized notification.
func (h *scriptedHost) acceptHandshake(hc mcp.HostContext) {
	h.t.Helper()
	req := h.expect(mcp.UIInitializeMethod)
	var p mcp.UIInitializeRequest
	if err := json.Unmarshal(req.Params, &p); err != nil {
		h.t.Fatalf("initialize params: %v", err)
	}
	if p.ProtocolVersion != mcp.LatestAppsProtocolVersion || p.AppInfo.Name != testAppInfo.Name {
		h.t.Fatalf("unexpected initialize params: %+v", p)
	}
	h.respond(req.ID, initResult(hc))
	h.expect(mcp.UIInitializedNotificationMethod)
}

// connect runs a full handshake against a scripted host.
func connect(t *testing.T, handlers Handlers, opts ...Option) (*Session, *scriptedHost) {
	t.Helper()
	app, host := newPair(t)
	opts = append([]Option{WithLogger(testlog.Logger(t))}, opts...)
	s := New(app, testAppInfo, mcp.AppCapabilities{Tools: &struct{}{}}, handlers, opts...)
	t.Cleanup(func() { _ = s.Teardown(context.Background()) })

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()
	host.acceptHandshake(mcp.HostContext{Theme: mcp.ThemeLight, DisplayMode: mcp.DisplayModeInline})
	if err := <-errCh; err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s, host
}

func toolResult(text string, value int) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content:           []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: text}},
		StructuredContent: map[string]any{"value": value},
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value")
		var zero T
		return zero
	}
}

func never[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value: %+v", v)
	case <-time.After(d):
	}
}
