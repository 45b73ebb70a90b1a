package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/internal/logctx"
	"github.com/ggoodman/mcp-apps-go/mcp"
)

// ErrorCodeResourceNotFound is returned by resources/read for unknown URIs.
const ErrorCodeResourceNotFound jsonrpc.ErrorCode = -32002

// ErrResourceNotFound may be returned (wrapped) by a ResourceReader.
var ErrResourceNotFound = errors.New("resource not found")

// Server holds the tools and resources of one MCP server. It is transport
// agnostic: ServeStream and NewHTTPHandler feed it messages through Sessions.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
	pageSize     int

	tools     []Tool
	toolIndex map[string]int

	resources     []Resource
	resourceIndex map[string]int
}

// Option configures a Server.
type Option func(*Server)

// WithTools registers tools. On duplicate names the last registration wins.
func WithTools(tools ...Tool) Option {
	return func(s *Server) {
		for _, t := range tools {
			if i, ok := s.toolIndex[t.Descriptor.Name]; ok {
				s.tools[i] = t
				continue
			}
			s.toolIndex[t.Descriptor.Name] = len(s.tools)
			s.tools = append(s.tools, t)
		}
	}
}

// WithResources registers resources. On duplicate URIs the last registration wins.
func WithResources(resources ...Resource) Option {
	return func(s *Server) {
		for _, r := range resources {
			if i, ok := s.resourceIndex[r.Descriptor.URI]; ok {
				s.resources[i] = r
				continue
			}
			s.resourceIndex[r.Descriptor.URI] = len(s.resources)
			s.resources = append(s.resources, r)
		}
	}
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions = text }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithPageSize sets the page size for tools/list and resources/list.
// A non-positive value is ignored.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New constructs a Server.
func New(info mcp.ImplementationInfo, opts ...Option) *Server {
	s := &Server{
		info:          info,
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		pageSize:      50,
		toolIndex:     make(map[string]int),
		resourceIndex: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	return s
}

// Tools returns a copy of the registered tool descriptors.
func (s *Server) Tools() []mcp.Tool {
	out := make([]mcp.Tool, len(s.tools))
	for i, t := range s.tools {
		out[i] = t.Descriptor
	}
	return out
}

// Session is the per-connection protocol state of a Server. Handle may be
// called concurrently; requests run independently and can be cancelled with
// notifications/cancelled.
type Session struct {
	id  string
	srv *Server

	mu              sync.Mutex
	protocolVersion string
	initialized     bool
	inflight        map[string]context.CancelFunc
}

// NewSession starts protocol state for one client connection.
func (s *Server) NewSession(id string) *Session {
	return &Session{id: id, srv: s, inflight: make(map[string]context.CancelFunc)}
}

// ID returns the session id.
func (ss *Session) ID() string { return ss.id }

// ProtocolVersion returns the version agreed in initialize.
func (ss *Session) ProtocolVersion() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.protocolVersion
}

// Close cancels every in-flight request.
func (ss *Session) Close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for id, cancel := range ss.inflight {
		cancel()
		delete(ss.inflight, id)
	}
}

func (ss *Session) logContext(ctx context.Context) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       ss.id,
		ProtocolVersion: ss.ProtocolVersion(),
	})
}

// Handle processes one inbound message. It returns the response for a
// request and nil for notifications and responses.
func (ss *Session) Handle(ctx context.Context, msg *jsonrpc.AnyMessage) *jsonrpc.Response {
	ctx = logctx.WithRPCMessage(ss.logContext(ctx), &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})
	switch msg.Type() {
	case jsonrpc.TypeNotification:
		ss.handleNotification(ctx, msg)
		return nil
	case jsonrpc.TypeResponse:
		// This server never issues requests.
		ss.srv.log.DebugContext(ctx, "rpc.response.unexpected")
		return nil
	}

	key := msg.ID.String()
	ctx, cancel := context.WithCancel(ctx)
	ss.mu.Lock()
	ss.inflight[key] = cancel
	ss.mu.Unlock()
	defer func() {
		ss.mu.Lock()
		delete(ss.inflight, key)
		ss.mu.Unlock()
		cancel()
	}()

	resp := ss.handleRequest(ctx, msg)
	if resp.Error != nil {
		ss.srv.log.InfoContext(ctx, "rpc.inbound.error", slog.Int("code", int(resp.Error.Code)), slog.String("msg", resp.Error.Message))
	}
	return resp
}

func (ss *Session) handleNotification(ctx context.Context, msg *jsonrpc.AnyMessage) {
	switch mcp.Method(msg.Method) {
	case mcp.InitializedNotificationMethod:
		ss.srv.log.DebugContext(ctx, "session.initialized")
	case mcp.CancelledNotificationMethod:
		var p mcp.CancelledNotification
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.RequestID.IsNil() {
			return
		}
		ss.mu.Lock()
		cancel, ok := ss.inflight[p.RequestID.String()]
		ss.mu.Unlock()
		if ok {
			ss.srv.log.InfoContext(ctx, "rpc.inbound.cancelled", slog.String("id", p.RequestID.String()), slog.String("reason", p.Reason))
			cancel()
		}
	default:
		ss.srv.log.DebugContext(ctx, "notification.inbound.ignored")
	}
}

func (ss *Session) handleRequest(ctx context.Context, msg *jsonrpc.AnyMessage) *jsonrpc.Response {
	id := msg.ID
	method := mcp.Method(msg.Method)

	if method == mcp.InitializeMethod {
		return ss.initialize(ctx, msg)
	}
	if method == mcp.PingMethod {
		return result(id, mcp.EmptyResult{})
	}

	ss.mu.Lock()
	ready := ss.initialized
	ss.mu.Unlock()
	if !ready {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil)
	}

	switch method {
	case mcp.ToolsListMethod:
		var p mcp.ListToolsRequest
		if !decode(msg.Params, &p) {
			return invalidParams(id)
		}
		items, next := page(ss.srv.Tools(), p.Cursor, ss.srv.pageSize)
		return result(id, mcp.ListToolsResult{Tools: items, PaginatedResult: mcp.PaginatedResult{NextCursor: next}})

	case mcp.ToolsCallMethod:
		var p mcp.CallToolRequestReceived
		if !decode(msg.Params, &p) || p.Name == "" {
			return invalidParams(id)
		}
		return ss.callTool(ctx, id, &p)

	case mcp.ResourcesListMethod:
		var p mcp.ListResourcesRequest
		if !decode(msg.Params, &p) {
			return invalidParams(id)
		}
		all := make([]mcp.Resource, len(ss.srv.resources))
		for i, r := range ss.srv.resources {
			all[i] = r.Descriptor
		}
		items, next := page(all, p.Cursor, ss.srv.pageSize)
		return result(id, mcp.ListResourcesResult{Resources: items, PaginatedResult: mcp.PaginatedResult{NextCursor: next}})

	case mcp.ResourcesReadMethod:
		var p mcp.ReadResourceRequest
		if !decode(msg.Params, &p) || p.URI == "" {
			return invalidParams(id)
		}
		return ss.readResource(ctx, id, p.URI)
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+msg.Method, nil)
}

func (ss *Session) initialize(ctx context.Context, msg *jsonrpc.AnyMessage) *jsonrpc.Response {
	var req mcp.InitializeRequest
	if !decode(msg.Params, &req) {
		return invalidParams(msg.ID)
	}
	version := mcp.LatestProtocolVersion
	if mcp.IsSupportedProtocolVersion(req.ProtocolVersion) {
		version = req.ProtocolVersion
	}

	var caps mcp.ServerCapabilities
	if len(ss.srv.tools) > 0 {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	if len(ss.srv.resources) > 0 {
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{}
	}

	ss.mu.Lock()
	ss.protocolVersion = version
	ss.initialized = true
	ss.mu.Unlock()

	ss.srv.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("client", req.ClientInfo.Name),
		slog.String("client_version", req.ProtocolVersion),
		slog.String("negotiated", version),
	)
	return result(msg.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    caps,
		ServerInfo:      ss.srv.info,
		Instructions:    ss.srv.instructions,
	})
}

func (ss *Session) callTool(ctx context.Context, id *jsonrpc.RequestID, req *mcp.CallToolRequestReceived) *jsonrpc.Response {
	i, ok := ss.srv.toolIndex[req.Name]
	if !ok || ss.srv.tools[i].Handler == nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, "tool not found: "+req.Name, nil)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: req.Name})

	res, err := ss.srv.tools[i].Handler(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil)
		}
		ss.srv.log.ErrorContext(ctx, "tool.call.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	ss.srv.log.InfoContext(ctx, "tool.call.ok", slog.Bool("is_error", res.IsError))
	return result(id, res)
}

func (ss *Session) readResource(ctx context.Context, id *jsonrpc.RequestID, uri string) *jsonrpc.Response {
	i, ok := ss.srv.resourceIndex[uri]
	if !ok {
		return jsonrpc.NewErrorResponse(id, ErrorCodeResourceNotFound, "resource not found", map[string]any{"uri": uri})
	}
	contents, err := ss.srv.resources[i].Read(ctx, uri)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return jsonrpc.NewErrorResponse(id, ErrorCodeResourceNotFound, err.Error(), map[string]any{"uri": uri})
		}
		ss.srv.log.ErrorContext(ctx, "resource.read.fail", slog.String("uri", uri), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to read resource", nil)
	}
	return result(id, mcp.ReadResourceResult{Contents: contents})
}

func decode(params json.RawMessage, v any) bool {
	if len(params) == 0 || string(params) == "null" {
		return true
	}
	return json.Unmarshal(params, v) == nil
}

func invalidParams(id *jsonrpc.RequestID) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
}

func result(id *jsonrpc.RequestID, v any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return resp
}

// page returns one page of all starting at the offset encoded in cursor.
func page[T any](all []T, cursor string, size int) ([]T, string) {
	start, err := strconv.Atoi(cursor)
	if err != nil || start < 0 || start > len(all) {
		start = 0
	}
	end := min(start+size, len(all))
	items := append([]T{}, all[start:end]...)
	if end < len(all) {
		return items, strconv.Itoa(end)
	}
	return items, ""
}
