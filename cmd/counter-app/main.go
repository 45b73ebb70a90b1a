// Command counter-app is a terminal rendition of the counter app. It connects
// to a host over a websocket, speaks the app side of the MCP Apps protocol
// and renders the counter with optimistic updates.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/ggoodman/mcp-apps-go/appbridge"
	"github.com/ggoodman/mcp-apps-go/mcp"
	"github.com/ggoodman/mcp-apps-go/transport/wstransport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "counter-app:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	defaultHost := os.Getenv("COUNTER_HOST_URL")
	if defaultHost == "" {
		defaultHost = "ws://127.0.0.1:8080"
	}
	hostURL := flag.String("host", defaultHost, "Host base URL (ws:// or wss://)")
	tool := flag.String("tool", "get-counter", "Tool whose app to open")
	logPath := flag.String("log", "", "Write logs to this file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		log = slog.New(slog.NewTextHandler(f, nil))
	}

	endpoint := strings.TrimSuffix(*hostURL, "/") + "/apps/" + url.PathEscape(*tool) + "/ws"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var p *tea.Program
	var sess atomic.Pointer[appbridge.Session]
	send := func(msg tea.Msg) {
		if p != nil {
			p.Send(msg)
		}
	}
	handlers := appbridge.Handlers{
		OnToolResult: func(_ context.Context, res *mcp.CallToolResult) error {
			send(toolResultMsg{res: res})
			return nil
		},
		OnToolCancelled: func(_ context.Context, reason string) error {
			send(toolCancelledMsg{reason: reason})
			return nil
		},
		OnHostContextChanged: func(_ context.Context, hc mcp.HostContext) error {
			send(hostContextMsg{hc: hc})
			return nil
		},
		OnTeardown: func(_ context.Context, reason string) error {
			send(teardownMsg{reason: reason})
			return nil
		},
		OnError: func(err error) { send(sessionErrMsg{err: err}) },
	}

	connect := func() tea.Msg {
		t, err := wstransport.Dial(ctx, endpoint, nil)
		if err != nil {
			return connectedMsg{err: err}
		}
		s, err := appbridge.Connect(ctx, t,
			mcp.ImplementationInfo{Name: "counter-app", Version: "0.1.0"},
			mcp.AppCapabilities{Tools: &struct{}{}, AvailableDisplayModes: []mcp.DisplayMode{mcp.DisplayModeInline, mcp.DisplayModeFullscreen}},
			handlers,
			appbridge.WithLogger(log),
			appbridge.WithSerializedHandlers(),
			appbridge.WithRequiredHostCapabilities(mcp.HostCapabilities{ServerTools: &struct{}{}}),
		)
		if err != nil {
			return connectedMsg{err: err}
		}
		sess.Store(s)
		return connectedMsg{caller: s, host: s.HostInfo(), hc: s.HostContext()}
	}

	p = tea.NewProgram(newModel(ctx, connect))
	_, err := p.Run()
	if s := sess.Load(); s != nil {
		_ = s.Teardown(context.Background())
	}
	return err
}
