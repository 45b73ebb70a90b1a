package hostserver_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-apps-go/appbridge"
	"github.com/ggoodman/mcp-apps-go/apphost"
	"github.com/ggoodman/mcp-apps-go/apphost/mcpbackend"
	"github.com/ggoodman/mcp-apps-go/counter"
	"github.com/ggoodman/mcp-apps-go/counter/memorystore"
	"github.com/ggoodman/mcp-apps-go/internal/hostserver"
	"github.com/ggoodman/mcp-apps-go/internal/testlog"
	"github.com/ggoodman/mcp-apps-go/mcp"
	"github.com/ggoodman/mcp-apps-go/mcpserver"
	"github.com/ggoodman/mcp-apps-go/transport/wstransport"
)

// newStack runs the counter tool server, a host backed by it and the host's
// HTTP surface.
func newStack(t *testing.T, opts ...hostserver.Option) (*hostserver.Server, *httptest.Server) {
	t.Helper()
	log := testlog.Logger(t)

	srv := counter.NewServer(memorystore.New(), counter.LoadDocument(""), mcpserver.WithLogger(log))
	mcpTS := httptest.NewServer(mcpserver.NewHTTPHandler(srv))
	t.Cleanup(mcpTS.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	backend, err := mcpbackend.Dial(ctx, mcpTS.URL, mcpbackend.WithLogger(log))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	hs := hostserver.New(apphost.New(backend, apphost.WithLogger(log)), append([]hostserver.Option{hostserver.WithLogger(log)}, opts...)...)
	ts := httptest.NewServer(hs.Routes())
	t.Cleanup(ts.Close)
	return hs, ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(b)
}

func TestIndexAndDocument(t *testing.T) {
	t.Parallel()

	_, ts := newStack(t)

	status, body := get(t, ts.URL+"/")
	if status != http.StatusOK {
		t.Fatalf("index status = %d", status)
	}
	var index struct {
		Apps []hostserver.AppTool `json:"apps"`
	}
	if err := json.Unmarshal([]byte(body), &index); err != nil {
		t.Fatal(err)
	}
	if len(index.Apps) != 1 || index.Apps[0].Name != "get-counter" || index.Apps[0].ResourceURI != counter.ResourceURI {
		t.Fatalf("apps = %+v", index.Apps)
	}

	status, body = get(t, ts.URL+index.Apps[0].AppPath)
	if status != http.StatusOK || !strings.Contains(body, "ui/initialize") {
		t.Fatalf("document status = %d body = %.80q", status, body)
	}

	if status, _ := get(t, ts.URL+"/apps/increment-counter"); status != http.StatusNotFound {
		t.Fatalf("tool without app status = %d", status)
	}
}

func TestAppOverWebsocket(t *testing.T) {
	t.Parallel()

	hs, ts := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := wstransport.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/apps/get-counter/ws", nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}

	inputs := make(chan map[string]any, 1)
	results := make(chan *mcp.CallToolResult, 1)
	teardowns := make(chan string, 1)
	s, err := appbridge.Connect(ctx, conn, mcp.ImplementationInfo{Name: "counter-test", Version: "1"}, mcp.AppCapabilities{Tools: &struct{}{}},
		appbridge.Handlers{
			OnToolInput:  func(_ context.Context, args map[string]any) error { inputs <- args; return nil },
			OnToolResult: func(_ context.Context, res *mcp.CallToolResult) error { results <- res; return nil },
			OnTeardown:   func(_ context.Context, reason string) error { teardowns <- reason; return nil },
		},
		appbridge.WithLogger(testlog.Logger(t)),
	)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Teardown(context.Background()) })

	select {
	case <-inputs:
	case <-ctx.Done():
		t.Fatal("no tool input")
	}
	select {
	case res := <-results:
		if res.Text() != "Current counter value: 0" {
			t.Fatalf("initial result = %q", res.Text())
		}
	case <-ctx.Done():
		t.Fatal("no tool result")
	}

	res, err := s.CallTool(ctx, "increment-counter", map[string]any{"amount": 5})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Text() != "Counter incremented to: 5" || res.StructuredContent["value"] != float64(5) {
		t.Fatalf("increment = %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hs.Conns() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("conns = %d", hs.Conns())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := hs.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case reason := <-teardowns:
		if reason != "host shutting down" {
			t.Fatalf("teardown reason = %q", reason)
		}
	case <-ctx.Done():
		t.Fatal("app was not torn down")
	}
	select {
	case <-s.Done():
	case <-ctx.Done():
		t.Fatal("app session did not close")
	}
	if _, err := s.CallTool(ctx, "get-counter", nil); err == nil {
		t.Fatal("expected CallTool to fail after teardown")
	}
}

func TestSocketOriginPolicy(t *testing.T) {
	t.Parallel()

	_, ts := newStack(t, hostserver.WithAllowedOrigins("https://chat.example"))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/apps/get-counter/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	if conn, err := wstransport.Dial(ctx, wsURL, header); err == nil {
		_ = conn.Close()
		t.Fatal("cross-origin page attached to the host")
	}

	header.Set("Origin", "https://chat.example")
	conn, err := wstransport.Dial(ctx, wsURL, header)
	if err != nil {
		t.Fatalf("allowed origin refused: %v", err)
	}
	_ = conn.Close()
}
