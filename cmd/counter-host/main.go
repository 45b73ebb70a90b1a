// Command counter-host is a reference MCP Apps host. It connects to a tool
// server, lists the tools that link an app, serves their documents and
// attaches apps that connect back over a websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ggoodman/mcp-apps-go/apphost"
	"github.com/ggoodman/mcp-apps-go/apphost/mcpbackend"
	"github.com/ggoodman/mcp-apps-go/internal/hostserver"
	"github.com/ggoodman/mcp-apps-go/internal/jwtauth"
	"github.com/ggoodman/mcp-apps-go/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "counter-host:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to a TOML config file")
	flag.Parse()

	cfg, err := loadHostConfig(*configPath)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	opts := []mcpbackend.Option{
		mcpbackend.WithClientInfo(mcp.ImplementationInfo{Name: "counter-host", Version: "0.1.0"}),
		mcpbackend.WithLogger(log),
	}
	if cfg.JWTSecret != "" {
		signer, err := jwtauth.NewSigner(jwtauth.DefaultConfig([]byte(cfg.JWTSecret)), "counter-host")
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		opts = append(opts, mcpbackend.WithBearer(signer))
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	backend, err := mcpbackend.Dial(dialCtx, cfg.ServerURL, opts...)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	host := apphost.New(backend,
		apphost.WithLogger(log),
		apphost.WithHostInfo(mcp.ImplementationInfo{Name: "counter-host", Version: "0.1.0"}),
		apphost.WithHostContext(cfg.hostContext()),
		apphost.WithHandshakeTimeout(cfg.HandshakeTimeout),
		apphost.WithTeardownTimeout(cfg.TeardownTimeout),
		apphost.WithOpenLink(func(ctx context.Context, url string) error {
			log.InfoContext(ctx, "app.open_link", slog.String("url", url))
			return nil
		}),
		apphost.WithMessage(func(ctx context.Context, role string, content []mcp.ContentBlock) error {
			log.InfoContext(ctx, "app.message", slog.String("role", role), slog.Int("blocks", len(content)))
			return nil
		}),
		apphost.WithSizeChanged(func(ctx context.Context, width, height float64) {
			log.DebugContext(ctx, "app.size_changed", slog.Float64("width", width), slog.Float64("height", height))
		}),
	)
	hs := hostserver.New(host,
		hostserver.WithLogger(log),
		hostserver.WithAllowedOrigins(cfg.AllowedOrigins...),
	)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           hs.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("host.listen", slog.String("addr", cfg.Listen), slog.String("server_url", cfg.ServerURL))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.TeardownTimeout+time.Second)
	defer cancelShutdown()
	// Apps get their teardown request before the listener goes away.
	teardownErr := hs.Shutdown(shutdownCtx)
	return errors.Join(teardownErr, srv.Shutdown(shutdownCtx))
}
