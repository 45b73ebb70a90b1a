package apphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/internal/logctx"
	"github.com/ggoodman/mcp-apps-go/internal/outbound"
	"github.com/ggoodman/mcp-apps-go/mcp"
	"github.com/ggoodman/mcp-apps-go/transport"
)

// Conn is one attached app.
type Conn struct {
	host *Host
	t    transport.Transport
	out  *outbound.Dispatcher
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	appInfo  mcp.ImplementationInfo
	appCaps  mcp.AppCapabilities
	caps     mcp.HostCapabilities
	hostCtx  mcp.HostContext
	inflight map[string]context.CancelFunc
	err      error
	// tearing is set once Teardown has sent its request; the app closing the
	// channel after its ack is then a clean end.
	tearing bool

	readyOnce sync.Once
	ready     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(h *Host, t transport.Transport) *Conn {
	c := &Conn{
		host:     h,
		t:        t,
		log:      h.log,
		inflight: make(map[string]context.CancelFunc),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID: uuid.NewString(),
	}))
	c.out = outbound.New(wire{t: t}, outbound.WithLogger(c.log), outbound.WithTimeout(h.teardownTimeout))
	return c
}

// AppInfo returns what the app announced in ui/initialize.
func (c *Conn) AppInfo() mcp.ImplementationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appInfo
}

// AppCapabilities returns what the app announced in ui/initialize.
func (c *Conn) AppCapabilities() mcp.AppCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appCaps
}

// Capabilities returns what the host granted the app.
func (c *Conn) Capabilities() mcp.HostCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// HostContext returns a copy of the context last shared with the app.
func (c *Conn) HostContext() mcp.HostContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostCtx.Clone()
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil for a clean teardown.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SendToolInput delivers the complete tool arguments to the app.
func (c *Conn) SendToolInput(ctx context.Context, args map[string]any) error {
	return c.notify(ctx, mcp.UIToolInputNotificationMethod, mcp.ToolInputParams{Arguments: args})
}

// SendToolInputPartial forwards the argument text produced so far.
func (c *Conn) SendToolInputPartial(ctx context.Context, argumentsText string) error {
	return c.notify(ctx, mcp.UIToolInputPartialNotificationMethod, mcp.ToolInputPartialParams{ArgumentsText: argumentsText})
}

// SendToolResult delivers the result of the tool that opened the app.
func (c *Conn) SendToolResult(ctx context.Context, res *mcp.CallToolResult) error {
	return c.notify(ctx, mcp.UIToolResultNotificationMethod, res)
}

// SendToolCancelled reports a cancellation. A non-nil requestID names one of
// the app's own tools/call requests; the host-side work for it is cancelled
// too.
func (c *Conn) SendToolCancelled(ctx context.Context, requestID *jsonrpc.RequestID, reason string) error {
	if !requestID.IsNil() {
		c.cancelInflight(requestID.String())
	}
	return c.notify(ctx, mcp.UIToolCancelledNotificationMethod, mcp.ToolCancelledParams{RequestID: requestID, Reason: reason})
}

// UpdateHostContext merges patch into the shared context and notifies the app.
func (c *Conn) UpdateHostContext(ctx context.Context, patch mcp.HostContext) (mcp.HostContext, error) {
	c.mu.Lock()
	c.hostCtx = c.hostCtx.Merge(patch)
	merged := c.hostCtx.Clone()
	c.mu.Unlock()
	return merged, c.notify(ctx, mcp.UIHostContextChangedNotificationMethod, patch)
}

// Teardown asks the app to release its resources, waits for the ack (bounded
// by the teardown timeout) and closes the connection. The connection is
// closed even if the app never answers.
func (c *Conn) Teardown(ctx context.Context, reason string) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.mu.Lock()
	c.tearing = true
	c.mu.Unlock()
	resp, err := c.out.Call(ctx, string(mcp.UIResourceTeardownMethod), mcp.ResourceTeardownRequest{Reason: reason})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		c.log.WarnContext(c.ctx, "host.teardown.fail", slog.String("err", err.Error()))
		err = fmt.Errorf("apphost: teardown: %w", err)
	}
	c.closeWith(nil)
	return err
}

// Close drops the connection without asking the app.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		for id, cancel := range c.inflight {
			cancel()
			delete(c.inflight, id)
		}
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		c.out.Close(err)
		c.cancel()
		_ = c.t.Close()
		close(c.done)
	})
}

func (c *Conn) readLoop() {
	for {
		raw, err := c.t.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			tearing := c.tearing
			c.mu.Unlock()
			if tearing {
				// Teardown closes the connection; an unacked request fails now.
				c.out.Close(ErrClosed)
				return
			}
			c.log.InfoContext(c.ctx, "host.transport.closed", slog.String("err", err.Error()))
			c.closeWith(fmt.Errorf("%w: %w", ErrClosed, err))
			return
		}
		msg, err := raw.Decode()
		if err != nil {
			c.log.WarnContext(c.ctx, "host.message.malformed", slog.String("err", err.Error()))
			c.respondError(c.ctx, nil, jsonrpc.ErrorCodeParseError, "invalid message")
			continue
		}
		switch msg.Type() {
		case jsonrpc.TypeResponse:
			c.out.OnResponse(msg.AsResponse())
		case jsonrpc.TypeNotification:
			c.handleNotification(msg)
		case jsonrpc.TypeRequest:
			c.handleRequest(msg)
		}
	}
}

func (c *Conn) isReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func (c *Conn) handleNotification(msg *jsonrpc.AnyMessage) {
	switch mcp.Method(msg.Method) {
	case mcp.UIInitializedNotificationMethod:
		c.readyOnce.Do(func() { close(c.ready) })

	case mcp.UISizeChangedNotificationMethod:
		var p mcp.SizeChangedParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		if fn := c.host.onSizeChanged; fn != nil {
			fn(c.ctx, p.Width, p.Height)
		}

	case mcp.CancelledNotificationMethod:
		var p mcp.CancelledNotification
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.RequestID.IsNil() {
			return
		}
		c.cancelInflight(p.RequestID.String())
		c.out.OnNotification(*msg)

	default:
		c.log.DebugContext(c.ctx, "host.notification.unknown", slog.String("method", msg.Method))
	}
}

func (c *Conn) handleRequest(msg *jsonrpc.AnyMessage) {
	ctx := logctx.WithRPCMessage(c.ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: jsonrpc.TypeRequest})

	switch mcp.Method(msg.Method) {
	case mcp.UIInitializeMethod:
		c.handleInitialize(ctx, msg)
		return
	case mcp.PingMethod:
		c.respond(ctx, msg.ID, mcp.EmptyResult{})
		return
	}

	if !c.isReady() {
		c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeInvalidRequest, "app not initialized")
		return
	}

	switch mcp.Method(msg.Method) {
	case mcp.ToolsCallMethod:
		if c.Capabilities().ServerTools == nil {
			c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeMethodNotFound, "server tools not available")
			return
		}
		var p mcp.CallToolRequestSent
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.Name == "" {
			c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params")
			return
		}
		c.forwardToolCall(ctx, msg.ID, p)

	case mcp.ResourcesReadMethod:
		if c.Capabilities().ServerResources == nil {
			c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeMethodNotFound, "server resources not available")
			return
		}
		var p mcp.ReadResourceRequest
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.URI == "" {
			c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid resources/read params")
			return
		}
		go func() {
			res, err := c.host.backend.ReadResource(ctx, p.URI)
			if err != nil {
				c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeInternalError, err.Error())
				return
			}
			c.respond(ctx, msg.ID, res)
		}()

	case mcp.UIOpenLinkMethod:
		fn := c.host.onOpenLink
		if fn == nil {
			c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeMethodNotFound, "open-link not supported")
			return
		}
		var p mcp.OpenLinkRequest
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.URL == "" {
			c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid open-link params")
			return
		}
		go func() {
			c.respond(ctx, msg.ID, mcp.UIResult{IsError: fn(ctx, p.URL) != nil})
		}()

	case mcp.UIMessageMethod:
		fn := c.host.onMessage
		if fn == nil {
			c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeMethodNotFound, "message not supported")
			return
		}
		var p mcp.UIMessageRequest
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid message params")
			return
		}
		go func() {
			c.respond(ctx, msg.ID, mcp.UIResult{IsError: fn(ctx, p.Role, p.Content) != nil})
		}()

	default:
		c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+msg.Method)
	}
}

func (c *Conn) handleInitialize(ctx context.Context, msg *jsonrpc.AnyMessage) {
	var req mcp.UIInitializeRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params")
		return
	}
	if req.ProtocolVersion != mcp.LatestAppsProtocolVersion {
		c.respondError(ctx, msg.ID, jsonrpc.ErrorCodeInvalidParams,
			fmt.Sprintf("unsupported protocol version %q", req.ProtocolVersion))
		return
	}

	c.mu.Lock()
	c.appInfo = req.AppInfo
	c.appCaps = req.AppCapabilities
	c.caps = c.host.offered(req.AppCapabilities)
	c.hostCtx = c.host.initialContext(req.AppCapabilities)
	res := mcp.UIInitializeResult{
		ProtocolVersion:  mcp.LatestAppsProtocolVersion,
		HostInfo:         c.host.info,
		HostCapabilities: c.caps,
		HostContext:      c.hostCtx.Clone(),
	}
	c.mu.Unlock()

	c.respond(ctx, msg.ID, res)
}

func (c *Conn) forwardToolCall(ctx context.Context, id *jsonrpc.RequestID, p mcp.CallToolRequestSent) {
	key := id.String()
	callCtx, cancel := context.WithCancel(logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: p.Name}))
	c.mu.Lock()
	c.inflight[key] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
			cancel()
		}()
		res, err := c.host.backend.CallTool(callCtx, p.Name, p.Arguments)
		if callCtx.Err() != nil {
			// The app stopped waiting; no response is expected.
			return
		}
		if err != nil {
			c.log.WarnContext(callCtx, "host.tool.fail", slog.String("err", err.Error()))
			var rpcErr *jsonrpc.Error
			if errors.As(err, &rpcErr) {
				c.writeResponse(callCtx, jsonrpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data))
				return
			}
			c.respondError(callCtx, id, jsonrpc.ErrorCodeInternalError, err.Error())
			return
		}
		c.respond(callCtx, id, res)
	}()
}

func (c *Conn) cancelInflight(key string) {
	c.mu.Lock()
	cancel, ok := c.inflight[key]
	delete(c.inflight, key)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Conn) notify(ctx context.Context, method mcp.Method, params any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	n, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	b, err := jsonrpc.Encode(n)
	if err != nil {
		return err
	}
	return c.t.Write(ctx, b)
}

func (c *Conn) respond(ctx context.Context, id *jsonrpc.RequestID, result any) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		c.respondError(ctx, id, jsonrpc.ErrorCodeInternalError, "failed to encode result")
		return
	}
	c.writeResponse(ctx, resp)
}

func (c *Conn) respondError(ctx context.Context, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string) {
	c.writeResponse(ctx, jsonrpc.NewErrorResponse(id, code, message, nil))
}

func (c *Conn) writeResponse(ctx context.Context, resp *jsonrpc.Response) {
	b, err := jsonrpc.Encode(resp)
	if err == nil {
		err = c.t.Write(ctx, b)
	}
	if err != nil {
		c.log.DebugContext(ctx, "host.respond.fail", slog.String("err", err.Error()))
	}
}

// wire adapts the transport to outbound.Transport.
type wire struct{ t transport.Transport }

func (w wire) SendRequest(ctx context.Context, _ *jsonrpc.RequestID, req *jsonrpc.Request) error {
	b, err := jsonrpc.Encode(req)
	if err != nil {
		return err
	}
	return w.t.Write(ctx, b)
}

func (w wire) SendCancelled(ctx context.Context, requestID string) error {
	n, err := jsonrpc.NewNotification(string(mcp.CancelledNotificationMethod), mcp.CancelledNotification{
		RequestID: jsonrpc.NewRequestID(requestID),
	})
	if err != nil {
		return err
	}
	b, err := jsonrpc.Encode(n)
	if err != nil {
		return err
	}
	return w.t.Write(ctx, b)
}
