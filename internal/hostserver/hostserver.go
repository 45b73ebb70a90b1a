// Package hostserver is the HTTP surface of the reference host: it lists the
// tools that link an app document, serves those documents, and attaches apps
// connecting back over a websocket to an apphost.Host.
package hostserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ggoodman/mcp-apps-go/apphost"
	"github.com/ggoodman/mcp-apps-go/mcp"
	"github.com/ggoodman/mcp-apps-go/transport/wstransport"
)

// AppTool is one entry of the index: a tool with a linked app document.
type AppTool struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ResourceURI string `json:"resourceUri"`
	AppPath     string `json:"appPath"`
	SocketPath  string `json:"socketPath"`
}

// Server serves apps for the tools of one backend.
type Server struct {
	host     *apphost.Host
	log      *slog.Logger
	upgrader wstransport.Upgrader

	mu       sync.Mutex
	conns    map[*apphost.Conn]struct{}
	shutdown bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithAllowedOrigins lets browser pages served from origins open app
// sockets. Without it only same-origin pages and non-browser clients may.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.upgrader.AllowedOrigins = append(s.upgrader.AllowedOrigins, origins...)
	}
}

// New creates a Server attaching apps to host.
func New(host *apphost.Host, opts ...Option) *Server {
	s := &Server{
		host:  host,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		conns: make(map[*apphost.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Route("/apps/{tool}", func(r chi.Router) {
		r.Get("/", s.handleDocument)
		r.Get("/ws", s.handleSocket)
	})
	return r
}

// Conns returns the number of attached apps.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown asks every attached app to tear down and waits for them, bounded
// by ctx. New connections are refused afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]*apphost.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(conns))
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Teardown(ctx, "host shutting down")
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) appTools(ctx context.Context) ([]AppTool, error) {
	tools, err := s.host.Backend().ListTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AppTool, 0, len(tools))
	for _, t := range tools {
		uri, ok := mcp.ToolUIResourceURI(t)
		if !ok {
			continue
		}
		out = append(out, AppTool{
			Name:        t.Name,
			Title:       t.Title,
			Description: t.Description,
			ResourceURI: uri,
			AppPath:     "/apps/" + t.Name,
			SocketPath:  "/apps/" + t.Name + "/ws",
		})
	}
	return out, nil
}

func (s *Server) lookup(ctx context.Context, name string) (AppTool, bool, error) {
	tools, err := s.appTools(ctx)
	if err != nil {
		return AppTool{}, false, err
	}
	for _, t := range tools {
		if t.Name == name {
			return t, true, nil
		}
	}
	return AppTool{}, false, nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	tools, err := s.appTools(r.Context())
	if err != nil {
		s.log.ErrorContext(r.Context(), "hostserver.tools.list.fail", slog.String("err", err.Error()))
		respondError(w, http.StatusBadGateway, "tool server unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"apps": tools})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tool, ok, err := s.lookup(ctx, chi.URLParam(r, "tool"))
	if err != nil {
		respondError(w, http.StatusBadGateway, "tool server unavailable")
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "no app for tool")
		return
	}
	res, err := s.host.Backend().ReadResource(ctx, tool.ResourceURI)
	if err != nil || len(res.Contents) == 0 {
		s.log.WarnContext(ctx, "hostserver.document.read.fail", slog.String("uri", tool.ResourceURI), slog.Any("err", err))
		respondError(w, http.StatusBadGateway, "app document unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, res.Contents[0].Text)
}

// handleSocket attaches an app, runs the tool that opened it with the
// arguments from the "arguments" query parameter and keeps the channel open
// until either side ends it.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tool, ok, err := s.lookup(ctx, chi.URLParam(r, "tool"))
	if err != nil {
		respondError(w, http.StatusBadGateway, "tool server unavailable")
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "no app for tool")
		return
	}
	args := map[string]any{}
	if raw := r.URL.Query().Get("arguments"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			respondError(w, http.StatusBadRequest, "arguments must be a JSON object")
			return
		}
	}

	s.mu.Lock()
	closed := s.shutdown
	s.mu.Unlock()
	if closed {
		respondError(w, http.StatusServiceUnavailable, "host shutting down")
		return
	}

	t, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.log.WarnContext(ctx, "hostserver.ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	c, err := s.host.Attach(ctx, t)
	if err != nil {
		s.log.WarnContext(ctx, "hostserver.attach.fail", slog.String("tool", tool.Name), slog.String("err", err.Error()))
		_ = t.Close()
		return
	}
	if !s.track(c) {
		_ = c.Teardown(ctx, "host shutting down")
		return
	}
	defer s.untrack(c)

	if err := c.SendToolInput(ctx, args); err != nil {
		_ = c.Close()
		return
	}
	res, err := s.host.Backend().CallTool(ctx, tool.Name, args)
	if err != nil {
		s.log.WarnContext(ctx, "hostserver.tool.call.fail", slog.String("tool", tool.Name), slog.String("err", err.Error()))
		_ = c.SendToolCancelled(ctx, nil, err.Error())
	} else {
		_ = c.SendToolResult(ctx, res)
	}

	select {
	case <-c.Done():
	case <-ctx.Done():
		_ = c.Close()
	}
	s.log.InfoContext(ctx, "hostserver.app.detached", slog.String("tool", tool.Name), slog.Any("err", c.Err()))
}

func (s *Server) track(c *apphost.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *apphost.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
