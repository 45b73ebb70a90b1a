// Command counter-server serves the counter tools and their app document over
// MCP, either on stdio or as a streamable HTTP endpoint at /mcp.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/ggoodman/mcp-apps-go/counter"
	"github.com/ggoodman/mcp-apps-go/counter/memorystore"
	"github.com/ggoodman/mcp-apps-go/counter/redisstore"
	"github.com/ggoodman/mcp-apps-go/internal/jwtauth"
	"github.com/ggoodman/mcp-apps-go/mcpserver"
	"github.com/ggoodman/mcp-apps-go/transport"
)

type config struct {
	Port      int    `env:"PORT,default=3001"`
	RedisAddr string `env:"REDIS_ADDR"`
	DistDir   string `env:"COUNTER_DIST_DIR"`
	JWTSecret string `env:"COUNTER_JWT_SECRET"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "counter-server:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A missing .env is fine; the process environment still applies.
	_ = godotenv.Load()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode env: %w", err)
	}

	stdio := flag.Bool("stdio", false, "Run with stdio transport (default is HTTP)")
	port := flag.Int("port", cfg.Port, "Port for HTTP server")
	flag.Parse()

	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	// stdout carries the protocol in stdio mode; logs always go to stderr.
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	doc := counter.LoadDocument(cfg.DistDir, counter.WithDocumentLogger(log))
	go func() {
		if err := doc.Watch(ctx); err != nil {
			log.Warn("ui.document.watch.fail", slog.String("err", err.Error()))
		}
	}()

	srv := counter.NewServer(store, doc, mcpserver.WithLogger(log))

	if *stdio {
		return srv.ServeStream(ctx, transport.NewStream(os.Stdin, os.Stdout))
	}

	var opts []mcpserver.HTTPOption
	if cfg.JWTSecret != "" {
		auth, err := jwtauth.NewAuthenticator(jwtauth.DefaultConfig([]byte(cfg.JWTSecret)))
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		opts = append(opts, mcpserver.WithAuthenticator(auth))
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle("/mcp", mcpserver.NewHTTPHandler(srv, opts...))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", *port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("server.listen", slog.String("url", fmt.Sprintf("http://localhost:%d/mcp", *port)))
	return serve(ctx, httpSrv)
}

func openStore(ctx context.Context, cfg config) (counter.Store, func(), error) {
	if cfg.RedisAddr == "" {
		return memorystore.New(), func() {}, nil
	}
	s, err := redisstore.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
