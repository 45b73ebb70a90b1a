package apphost_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-apps-go/appbridge"
	"github.com/ggoodman/mcp-apps-go/apphost"
	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/internal/testlog"
	"github.com/ggoodman/mcp-apps-go/mcp"
	"github.com/ggoodman/mcp-apps-go/transport"
)

// fakeBackend is a counter reachable through the ToolBackend interface.
type fakeBackend struct {
	mu      sync.Mutex
	value   int
	block   chan struct{}
	aborted chan error
}

func newFakeBackend(start int) *fakeBackend {
	return &fakeBackend{value: start, aborted: make(chan error, 1)}
}

func (b *fakeBackend) ListTools(context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{{Name: "increment-counter"}, {Name: "slow"}}, nil
}

func (b *fakeBackend) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	switch name {
	case "increment-counter":
		amount, _ := args["amount"].(float64)
		b.mu.Lock()
		b.value += int(amount)
		v := b.value
		b.mu.Unlock()
		return &mcp.CallToolResult{
			Content:           []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: fmt.Sprintf("Counter incremented to: %d", v)}},
			StructuredContent: map[string]any{"value": v},
		}, nil
	case "slow":
		select {
		case <-b.block:
			return &mcp.CallToolResult{}, nil
		case <-ctx.Done():
			b.aborted <- ctx.Err()
			return nil, ctx.Err()
		}
	case "broken":
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "unknown tool"}
	}
	return nil, errors.New("backend unavailable")
}

func (b *fakeBackend) ReadResource(_ context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if uri != "ui://counter/mcp-app.html" {
		return nil, fmt.Errorf("resource %q not found", uri)
	}
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{{URI: uri, MimeType: mcp.UIResourceMimeType, Text: "<html></html>"}}}, nil
}

var appInfo = mcp.ImplementationInfo{Name: "counter-app", Version: "1.0.0"}

// attach connects an appbridge session to a host over an in-memory pipe.
func attach(t *testing.T, h *apphost.Host, handlers appbridge.Handlers, opts ...appbridge.Option) (*apphost.Conn, *appbridge.Session) {
	t.Helper()
	a, b := transport.NewPipe()

	type attached struct {
		c   *apphost.Conn
		err error
	}
	ch := make(chan attached, 1)
	go func() {
		c, err := h.Attach(context.Background(), b)
		ch <- attached{c, err}
	}()

	opts = append([]appbridge.Option{appbridge.WithLogger(testlog.Logger(t))}, opts...)
	s, err := appbridge.Connect(context.Background(), a, appInfo, mcp.AppCapabilities{Tools: &struct{}{}}, handlers, opts...)
	if err != nil {
		t.Fatalf("app connect: %v", err)
	}
	res := <-ch
	if res.err != nil {
		t.Fatalf("attach: %v", res.err)
	}
	t.Cleanup(func() {
		_ = res.c.Close()
		_ = s.Teardown(context.Background())
	})
	return res.c, s
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

func TestAttachNegotiatesCapabilities(t *testing.T) {
	t.Parallel()

	h := apphost.New(newFakeBackend(0),
		apphost.WithLogger(testlog.Logger(t)),
		apphost.WithHostInfo(mcp.ImplementationInfo{Name: "test-host", Version: "2"}),
		apphost.WithOpenLink(func(context.Context, string) error { return nil }),
	)
	c, s := attach(t, h, appbridge.Handlers{})

	if got := c.AppInfo(); got != appInfo {
		t.Fatalf("app info = %+v", got)
	}
	caps := s.HostCapabilities()
	if caps.ServerTools == nil || caps.ServerResources == nil || caps.OpenLinks == nil {
		t.Fatalf("expected tools, resources and open links, got %+v", caps)
	}
	if caps.Message != nil {
		t.Fatalf("message offered without a callback: %+v", caps)
	}
	if s.HostInfo().Name != "test-host" {
		t.Fatalf("host info = %+v", s.HostInfo())
	}
	if hc := s.HostContext(); hc.Theme != mcp.ThemeLight || hc.DisplayMode != mcp.DisplayModeInline {
		t.Fatalf("initial context = %+v", hc)
	}
	if err := s.SendMessage(context.Background(), "user", mcp.ContentBlock{Type: mcp.ContentTypeText, Text: "hi"}); !errors.Is(err, appbridge.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestAppCallsToolThroughHost(t *testing.T) {
	t.Parallel()

	h := apphost.New(newFakeBackend(5), apphost.WithLogger(testlog.Logger(t)))
	_, s := attach(t, h, appbridge.Handlers{})

	res, err := s.CallTool(context.Background(), "increment-counter", map[string]any{"amount": 1})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Text() != "Counter incremented to: 6" {
		t.Fatalf("text = %q", res.Text())
	}
	if v, _ := res.StructuredContent["value"].(float64); v != 6 {
		t.Fatalf("structured = %+v", res.StructuredContent)
	}
}

func TestBackendErrorsReachTheApp(t *testing.T) {
	t.Parallel()

	h := apphost.New(newFakeBackend(0), apphost.WithLogger(testlog.Logger(t)))
	_, s := attach(t, h, appbridge.Handlers{})

	_, err := s.CallTool(context.Background(), "broken", nil)
	var tce *appbridge.ToolCallError
	if !errors.As(err, &tce) || tce.RPC == nil || tce.RPC.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid params tool error, got %v", err)
	}

	_, err = s.CallTool(context.Background(), "missing", nil)
	if !errors.As(err, &tce) || tce.RPC == nil || tce.RPC.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestAppCancellationAbortsBackendCall(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(0)
	backend.block = make(chan struct{})
	h := apphost.New(backend, apphost.WithLogger(testlog.Logger(t)))
	_, s := attach(t, h, appbridge.Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(ctx, "slow", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := recv(t, errCh); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := recv(t, backend.aborted); !errors.Is(err, context.Canceled) {
		t.Fatalf("backend ctx err = %v", err)
	}
}

func TestHostPushesEvents(t *testing.T) {
	t.Parallel()

	inputs := make(chan map[string]any, 1)
	partials := make(chan map[string]any, 4)
	results := make(chan *mcp.CallToolResult, 1)
	contexts := make(chan mcp.HostContext, 1)
	cancelled := make(chan string, 1)

	h := apphost.New(newFakeBackend(0), apphost.WithLogger(testlog.Logger(t)))
	c, _ := attach(t, h, appbridge.Handlers{
		OnToolInput:        func(_ context.Context, args map[string]any) error { inputs <- args; return nil },
		OnToolInputPartial: func(_ context.Context, args map[string]any) error { partials <- args; return nil },
		OnToolResult:       func(_ context.Context, res *mcp.CallToolResult) error { results <- res; return nil },
		OnHostContextChanged: func(_ context.Context, hc mcp.HostContext) error {
			contexts <- hc
			return nil
		},
		OnToolCancelled: func(_ context.Context, reason string) error { cancelled <- reason; return nil },
	}, appbridge.WithSerializedHandlers())

	ctx := context.Background()
	if err := c.SendToolInputPartial(ctx, `{"amount": 3, "note": "hel`); err != nil {
		t.Fatal(err)
	}
	if err := c.SendToolInput(ctx, map[string]any{"amount": 3, "note": "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := c.SendToolResult(ctx, &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "Counter incremented to: 3"}}}); err != nil {
		t.Fatal(err)
	}
	merged, err := c.UpdateHostContext(ctx, mcp.HostContext{Theme: mcp.ThemeDark})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendToolCancelled(ctx, nil, "user stopped"); err != nil {
		t.Fatal(err)
	}

	partial := recv(t, partials)
	if _, ok := partial["note"]; ok || partial["amount"] != float64(3) {
		t.Fatalf("partial = %+v", partial)
	}
	if in := recv(t, inputs); in["note"] != "hello" {
		t.Fatalf("input = %+v", in)
	}
	if res := recv(t, results); res.Text() != "Counter incremented to: 3" {
		t.Fatalf("result = %+v", res)
	}
	hc := recv(t, contexts)
	if hc.Theme != mcp.ThemeDark || hc.DisplayMode != mcp.DisplayModeInline {
		t.Fatalf("app context = %+v", hc)
	}
	if merged.Theme != hc.Theme || merged.DisplayMode != hc.DisplayMode {
		t.Fatalf("host and app disagree: %+v vs %+v", merged, hc)
	}
	if reason := recv(t, cancelled); reason != "user stopped" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestHostTeardown(t *testing.T) {
	t.Parallel()

	torn := make(chan string, 1)
	h := apphost.New(newFakeBackend(0), apphost.WithLogger(testlog.Logger(t)))
	c, s := attach(t, h, appbridge.Handlers{
		OnTeardown: func(_ context.Context, reason string) error { torn <- reason; return nil },
	})

	if err := c.Teardown(context.Background(), "navigated away"); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if reason := recv(t, torn); reason != "navigated away" {
		t.Fatalf("reason = %q", reason)
	}
	recv(t, s.Done())
	recv(t, c.Done())
	if s.State() != appbridge.StateClosed || s.Err() != nil {
		t.Fatalf("app state = %v err = %v", s.State(), s.Err())
	}
	if c.Err() != nil {
		t.Fatalf("conn err = %v", c.Err())
	}
	if err := c.SendToolInput(context.Background(), nil); !errors.Is(err, apphost.ErrClosed) {
		t.Fatalf("expected ErrClosed after teardown, got %v", err)
	}
	// Second teardown is a no-op.
	if err := c.Teardown(context.Background(), "again"); err != nil {
		t.Fatalf("second teardown: %v", err)
	}
}

func TestUIRequestsReachCallbacks(t *testing.T) {
	t.Parallel()

	links := make(chan string, 1)
	sizes := make(chan [2]float64, 1)
	h := apphost.New(newFakeBackend(0),
		apphost.WithLogger(testlog.Logger(t)),
		apphost.WithOpenLink(func(_ context.Context, url string) error {
			if url == "https://blocked.example" {
				return errors.New("blocked")
			}
			links <- url
			return nil
		}),
		apphost.WithSizeChanged(func(_ context.Context, w, h float64) { sizes <- [2]float64{w, h} }),
	)
	_, s := attach(t, h, appbridge.Handlers{})

	ctx := context.Background()
	if err := s.OpenLink(ctx, "https://example.com"); err != nil {
		t.Fatalf("open link: %v", err)
	}
	if got := recv(t, links); got != "https://example.com" {
		t.Fatalf("link = %q", got)
	}
	if err := s.OpenLink(ctx, "https://blocked.example"); !errors.Is(err, appbridge.ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
	if err := s.NotifySizeChanged(ctx, 320, 200); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, sizes); got != [2]float64{320, 200} {
		t.Fatalf("size = %v", got)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestAttachTimesOutOnSilentApp(t *testing.T) {
	t.Parallel()

	a, b := transport.NewPipe()
	defer a.Close()
	h := apphost.New(newFakeBackend(0),
		apphost.WithLogger(testlog.Logger(t)),
		apphost.WithHandshakeTimeout(50*time.Millisecond),
	)
	if _, err := h.Attach(context.Background(), b); !errors.Is(err, apphost.ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestAttachRejectsUnknownProtocolVersion(t *testing.T) {
	t.Parallel()

	a, b := transport.NewPipe()
	defer a.Close()
	h := apphost.New(newFakeBackend(0),
		apphost.WithLogger(testlog.Logger(t)),
		apphost.WithHandshakeTimeout(500*time.Millisecond),
	)
	errCh := make(chan error, 1)
	go func() {
		_, err := h.Attach(context.Background(), b)
		errCh <- err
	}()

	ctx := context.Background()
	send := func(id any, method mcp.Method, params any) {
		req, err := jsonrpc.NewNotification(string(method), params)
		if err != nil {
			t.Fatal(err)
		}
		if id != nil {
			req.ID = jsonrpc.NewRequestID(id)
		}
		msg, err := jsonrpc.Encode(req)
		if err != nil {
			t.Fatal(err)
		}
		if err := a.Write(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	read := func() *jsonrpc.AnyMessage {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		raw, err := a.Read(rctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msg, err := raw.Decode()
		if err != nil {
			t.Fatal(err)
		}
		return msg
	}

	// Requests other than ui/initialize are refused until the app is ready.
	send(1, mcp.ToolsCallMethod, mcp.CallToolRequestSent{Name: "increment-counter"})
	if msg := read(); msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", msg)
	}

	send(2, mcp.UIInitializeMethod, mcp.UIInitializeRequest{ProtocolVersion: "1999-01-01", AppInfo: appInfo})
	msg := read()
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", msg)
	}

	send(3, mcp.UIInitializeMethod, mcp.UIInitializeRequest{ProtocolVersion: mcp.LatestAppsProtocolVersion, AppInfo: appInfo})
	msg = read()
	var res mcp.UIInitializeResult
	if msg.Error != nil || json.Unmarshal(msg.Result, &res) != nil || res.ProtocolVersion != mcp.LatestAppsProtocolVersion {
		t.Fatalf("unexpected initialize response %+v", msg)
	}
	// The app never requested tools, so none are offered.
	if res.HostCapabilities.ServerTools != nil {
		t.Fatalf("tools offered to an app that did not ask: %+v", res.HostCapabilities)
	}
	send(nil, mcp.UIInitializedNotificationMethod, nil)
	if err := recv(t, errCh); err != nil {
		t.Fatalf("attach: %v", err)
	}
}

func TestAppDisconnectEndsConn(t *testing.T) {
	t.Parallel()

	h := apphost.New(newFakeBackend(0), apphost.WithLogger(testlog.Logger(t)))
	c, s := attach(t, h, appbridge.Handlers{})

	if err := s.Teardown(context.Background()); err != nil {
		t.Fatal(err)
	}
	recv(t, c.Done())
	if !errors.Is(c.Err(), apphost.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", c.Err())
	}
}

func TestInitialContextFollowsAppDisplayModes(t *testing.T) {
	t.Parallel()

	h := apphost.New(newFakeBackend(0),
		apphost.WithLogger(testlog.Logger(t)),
		apphost.WithHostContext(mcp.HostContext{
			DisplayMode:           mcp.DisplayModeInline,
			AvailableDisplayModes: []mcp.DisplayMode{mcp.DisplayModeInline, mcp.DisplayModeFullscreen, mcp.DisplayModePIP},
		}),
	)
	a, b := transport.NewPipe()
	go func() { _, _ = h.Attach(context.Background(), b) }()

	s, err := appbridge.Connect(context.Background(), a, appInfo,
		mcp.AppCapabilities{AvailableDisplayModes: []mcp.DisplayMode{mcp.DisplayModeFullscreen}},
		appbridge.Handlers{}, appbridge.WithLogger(testlog.Logger(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Teardown(context.Background())

	hc := s.HostContext()
	if hc.DisplayMode != mcp.DisplayModeFullscreen || len(hc.AvailableDisplayModes) != 1 {
		t.Fatalf("context = %+v", hc)
	}
}
