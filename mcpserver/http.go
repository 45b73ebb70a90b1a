package mcpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	sse "github.com/tmaxmax/go-sse"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/internal/jwtauth"
	"github.com/ggoodman/mcp-apps-go/internal/logctx"
	"github.com/ggoodman/mcp-apps-go/mcp"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	responseMediaTypes   = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

// HTTPOption configures NewHTTPHandler.
type HTTPOption func(*HTTPHandler)

// WithAuthenticator requires a valid bearer token on every request.
func WithAuthenticator(a jwtauth.Authenticator) HTTPOption {
	return func(h *HTTPHandler) { h.auth = a }
}

// WithSessionTTL sets how long an idle session is kept.
func WithSessionTTL(d time.Duration) HTTPOption {
	return func(h *HTTPHandler) {
		if d > 0 {
			h.ttl = d
		}
	}
}

// WithMaxSessions bounds the number of live sessions; the least recently
// used session is dropped first.
func WithMaxSessions(n int) HTTPOption {
	return func(h *HTTPHandler) {
		if n > 0 {
			h.maxSessions = n
		}
	}
}

// HTTPHandler serves a Server over the streamable HTTP transport. Sessions
// live in process memory. Server-initiated streams (GET) are not offered.
type HTTPHandler struct {
	srv  *Server
	log  *slog.Logger
	auth jwtauth.Authenticator

	ttl         time.Duration
	maxSessions int
	sessions    *expirable.LRU[string, *Session]
}

var _ http.Handler = (*HTTPHandler)(nil)

// NewHTTPHandler returns an http.Handler serving srv. Mount it at the MCP
// endpoint path.
func NewHTTPHandler(srv *Server, opts ...HTTPOption) *HTTPHandler {
	h := &HTTPHandler{
		srv:         srv,
		log:         srv.log,
		ttl:         30 * time.Minute,
		maxSessions: 1024,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.sessions = expirable.NewLRU(h.maxSessions, func(_ string, sess *Session) { sess.Close() }, h.ttl)
	return h
}

// Sessions returns the number of live sessions.
func (h *HTTPHandler) Sessions() int { return h.sessions.Len() }

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	if h.auth != nil && !h.checkAuthentication(w, r) {
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *HTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		return
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	var sess *Session
	sessID := r.Header.Get(mcpSessionIDHeader)
	switch {
	case sessID == "":
		if msg.Type() != jsonrpc.TypeRequest || msg.Method != string(mcp.InitializeMethod) {
			writeJSONError(w, http.StatusBadRequest, "expected initialize request")
			h.log.InfoContext(ctx, "session.initialize.invalid")
			return
		}
		sess = h.srv.NewSession(uuid.NewString())
	case msg.Method == string(mcp.InitializeMethod):
		writeJSONError(w, http.StatusConflict, "session already initialized")
		return
	default:
		var ok bool
		if sess, ok = h.sessions.Get(sessID); !ok {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && pv != sess.ProtocolVersion() {
			writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	}
	defer func() {
		// Add refreshes the idle deadline; failed initializations are not kept.
		if sess.ProtocolVersion() != "" {
			h.sessions.Add(sess.ID(), sess)
		}
	}()

	if msg.Type() != jsonrpc.TypeRequest {
		sess.Handle(ctx, &msg)
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	accepted, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow application/json or text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	resp := sess.Handle(ctx, &msg)
	b, err := json.Marshal(resp)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID())
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	if accepted.Matches(eventStreamMediaType) {
		if err := writeSSEResponse(w, r, b); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	} else {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(b); err != nil {
			h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
			return
		}
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		return
	}
	if !h.sessions.Remove(sessID) {
		h.log.InfoContext(ctx, "session.delete.miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.log.InfoContext(ctx, "session.delete.ok", slog.String("session_id", sessID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) checkAuthentication(w http.ResponseWriter, r *http.Request) bool {
	ctx := r.Context()
	tok, ok := jwtauth.BearerToken(r.Header.Get(authorizationHeader))
	if !ok {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, `Bearer realm="mcp"`)
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return false
	}
	if _, err := h.auth.CheckAuthentication(ctx, tok); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, jwtauth.ErrUnauthorized) {
			status = http.StatusUnauthorized
			w.Header().Add(wwwAuthenticateHeader, `Bearer realm="mcp", error="invalid_token"`)
		}
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		writeJSONError(w, status, "invalid bearer token")
		return false
	}
	return true
}

// writeSSEResponse sends payload as the single event of a response stream.
func writeSSEResponse(w http.ResponseWriter, r *http.Request, payload []byte) error {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return err
	}
	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(payload))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. Shape: {"error":{"code":<status>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": status, "message": msg},
	})
}
