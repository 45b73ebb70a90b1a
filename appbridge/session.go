package appbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-apps-go/internal/jsonheal"
	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/internal/logctx"
	"github.com/ggoodman/mcp-apps-go/internal/outbound"
	"github.com/ggoodman/mcp-apps-go/mcp"
	"github.com/ggoodman/mcp-apps-go/transport"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateHandshaking
	StateConnected
	// StateClosed and StateFailed are terminal.
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is the app side of one app/host channel.
type Session struct {
	id       string
	t        transport.Transport
	info     mcp.ImplementationInfo
	caps     mcp.AppCapabilities
	handlers Handlers
	log      *slog.Logger

	handshakeTimeout time.Duration
	callTimeout      time.Duration
	teardownTimeout  time.Duration
	serialized       bool
	requiredCaps     mcp.HostCapabilities

	out *outbound.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	// dmu orders dispatch: the reader holds it per message and Connect holds
	// it while replaying the handshake backlog.
	dmu sync.Mutex

	mu              sync.Mutex
	state           State
	err             error
	hostCtx         mcp.HostContext
	hostCaps        mcp.HostCapabilities
	hostInfo        mcp.ImplementationInfo
	protocolVersion string
	backlog         []*jsonrpc.AnyMessage
	// lost is the read failure seen while Handshaking.
	lost error

	// Reader goroutine only.
	lastPartial string

	queue        *serialQueue
	teardownOnce sync.Once
	releaseOnce  sync.Once
	done         chan struct{}
}

// New builds an idle session over t. The handler set is fixed from here on.
func New(t transport.Transport, info mcp.ImplementationInfo, caps mcp.AppCapabilities, handlers Handlers, opts ...Option) *Session {
	s := &Session{
		id:               uuid.NewString(),
		t:                t,
		info:             info,
		caps:             caps,
		handlers:         handlers,
		log:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		handshakeTimeout: defaultHandshakeTimeout,
		teardownTimeout:  defaultTeardownTimeout,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	s.out = outbound.New(wire{t: t}, outbound.WithLogger(s.log))
	s.ctx, s.cancel = context.WithCancel(logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID: s.id,
		Peer:      info.Name,
	}))
	if s.serialized {
		s.queue = newSerialQueue()
		go s.queue.run()
	}
	return s
}

// Connect builds a session and performs the handshake. On failure the
// session is released and the error is a *HandshakeError.
func Connect(ctx context.Context, t transport.Transport, info mcp.ImplementationInfo, caps mcp.AppCapabilities, handlers Handlers, opts ...Option) (*Session, error) {
	s := New(t, info, caps, handlers, opts...)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect performs the ui/initialize handshake. It may be called once; later
// calls, including calls after Teardown, return ErrAlreadyConnected.
//
// Host messages that arrive before the handshake completes are held and
// delivered in order right after the session becomes Connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateHandshaking
	s.mu.Unlock()

	go s.readLoop()

	s.log.InfoContext(s.ctx, "session.connect.start", slog.String("app", s.info.Name))

	hctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	resp, err := s.out.Call(hctx, string(mcp.UIInitializeMethod), mcp.UIInitializeRequest{
		ProtocolVersion: mcp.LatestAppsProtocolVersion,
		AppInfo:         s.info,
		AppCapabilities: s.caps,
	})
	if err != nil {
		reason := "transport"
		switch {
		case errors.Is(err, outbound.ErrTimeout):
			reason = "timeout"
		case errors.Is(err, context.Canceled):
			reason = "cancelled"
		}
		return s.fail(ctx, &HandshakeError{Reason: reason, Err: err})
	}
	if resp.Error != nil {
		return s.fail(ctx, &HandshakeError{Reason: "rejected", Err: resp.Error})
	}

	var res mcp.UIInitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return s.fail(ctx, &HandshakeError{Reason: "invalid result", Err: err})
	}
	if res.ProtocolVersion != mcp.LatestAppsProtocolVersion {
		return s.fail(ctx, &HandshakeError{Reason: fmt.Sprintf("unsupported protocol version %q", res.ProtocolVersion)})
	}
	if !res.HostCapabilities.Has(s.requiredCaps) {
		return s.fail(ctx, &HandshakeError{Reason: "host lacks required capabilities"})
	}

	if err := s.notify(hctx, mcp.UIInitializedNotificationMethod, nil); err != nil {
		return s.fail(ctx, &HandshakeError{Reason: "transport", Err: err})
	}

	s.dmu.Lock()
	s.mu.Lock()
	if s.state != StateHandshaking {
		s.mu.Unlock()
		s.dmu.Unlock()
		return &HandshakeError{Reason: "closed during handshake", Err: ErrConnectionLost}
	}
	if lost := s.lost; lost != nil {
		s.mu.Unlock()
		s.dmu.Unlock()
		return s.fail(ctx, &HandshakeError{Reason: "transport", Err: fmt.Errorf("%w: %w", ErrConnectionLost, lost)})
	}
	s.state = StateConnected
	s.hostCtx = res.HostContext.Clone()
	s.hostCaps = res.HostCapabilities
	s.hostInfo = res.HostInfo
	s.protocolVersion = res.ProtocolVersion
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()

	for _, msg := range backlog {
		s.dispatch(msg)
	}
	s.dmu.Unlock()

	s.log.InfoContext(s.ctx, "session.connect.ok",
		slog.String("host", res.HostInfo.Name),
		slog.String("protocol_version", res.ProtocolVersion),
		slog.Int("replayed", len(backlog)),
	)
	return nil
}

func (s *Session) fail(ctx context.Context, herr *HandshakeError) error {
	s.mu.Lock()
	if s.state == StateHandshaking {
		s.state = StateFailed
		s.err = herr
	}
	s.mu.Unlock()
	s.log.WarnContext(ctx, "session.connect.fail", slog.String("err", herr.Error()))
	s.release(fmt.Errorf("%w: %w", ErrConnectionLost, herr))
	return herr
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// HostContext returns a copy of the current host context.
func (s *Session) HostContext() mcp.HostContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostCtx.Clone()
}

// HostCapabilities returns what the host offered during the handshake.
func (s *Session) HostCapabilities() mcp.HostCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostCaps
}

// HostInfo returns the host implementation announced during the handshake.
func (s *Session) HostInfo() mcp.ImplementationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostInfo
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended: a *HandshakeError, an error matching
// ErrConnectionLost, or nil after a clean Teardown or while still running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Teardown runs the OnTeardown handler, bounded by the teardown timeout and
// by ctx, whichever ends first. It then closes the session and rejects
// pending requests with ErrConnectionLost. It is idempotent and valid in any
// state; concurrent callers wait for the first.
func (s *Session) Teardown(ctx context.Context) error {
	s.shutdown(ctx, "app requested teardown", nil, nil)
	return nil
}

// shutdown runs at most once per session. ack, when set, runs after the
// teardown handler and before the transport closes, even if another caller
// already shut the session down.
func (s *Session) shutdown(ctx context.Context, reason string, cause error, ack func()) {
	ran := false
	s.teardownOnce.Do(func() {
		ran = true
		s.mu.Lock()
		prev := s.state
		if prev == StateIdle || prev == StateHandshaking {
			s.state = StateClosed
		}
		s.mu.Unlock()

		if prev == StateConnected {
			s.runTeardownHandler(ctx, reason)
		}
		if ack != nil {
			ack()
		}

		lost := ErrConnectionLost
		if cause != nil {
			lost = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
		}
		s.mu.Lock()
		if s.state != StateFailed {
			s.state = StateClosed
			if cause != nil {
				s.err = lost
			}
		}
		s.mu.Unlock()
		s.release(lost)
		s.log.InfoContext(ctx, "session.closed", slog.String("reason", reason), slog.String("from", prev.String()))
	})
	if !ran && ack != nil {
		ack()
	}
}

func (s *Session) runTeardownHandler(ctx context.Context, reason string) {
	h := s.handlers.OnTeardown
	if h == nil {
		return
	}
	tctx, cancel := context.WithTimeout(s.ctx, s.teardownTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.invoke(tctx, EventTeardown, func(ctx context.Context) error { return h(ctx, reason) })
	}()
	select {
	case err := <-errCh:
		if err != nil {
			s.log.WarnContext(ctx, "session.teardown.handler.fail", slog.String("err", err.Error()))
		}
	case <-tctx.Done():
		s.log.WarnContext(ctx, "session.teardown.handler.timeout", slog.Duration("budget", s.teardownTimeout))
	case <-ctx.Done():
		s.log.WarnContext(ctx, "session.teardown.handler.abandoned", slog.String("err", ctx.Err().Error()))
	}
}

func (s *Session) release(cause error) {
	s.releaseOnce.Do(func() {
		s.out.Close(cause)
		s.cancel()
		_ = s.t.Close()
		if s.queue != nil {
			s.queue.close()
		}
		close(s.done)
	})
}

func (s *Session) readLoop() {
	for {
		raw, err := s.t.Read(s.ctx)
		if err != nil {
			s.onReadError(err)
			return
		}
		msg, err := raw.Decode()
		if err != nil {
			s.report(fmt.Errorf("%w: %w", ErrMalformedMessage, err))
			continue
		}
		if msg.Type() == jsonrpc.TypeResponse && !msg.ID.IsNil() {
			s.out.OnResponse(msg.AsResponse())
			continue
		}

		s.dmu.Lock()
		s.mu.Lock()
		if s.state == StateHandshaking {
			s.backlog = append(s.backlog, msg)
			s.mu.Unlock()
			s.dmu.Unlock()
			continue
		}
		s.mu.Unlock()
		s.dispatch(msg)
		s.dmu.Unlock()
	}
}

func (s *Session) onReadError(err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.log.WarnContext(s.ctx, "session.transport.lost", slog.String("err", err.Error()))
	s.mu.Lock()
	handshaking := s.state == StateHandshaking
	if handshaking {
		s.lost = err
	}
	s.mu.Unlock()
	if handshaking {
		// Connect observes this through its pending ui/initialize call or,
		// if the result already arrived, before it moves to Connected.
		s.out.Close(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		return
	}
	s.shutdown(s.ctx, "connection lost", err, nil)
}

// dispatch routes one inbound request, notification or uncorrelated error.
func (s *Session) dispatch(msg *jsonrpc.AnyMessage) {
	switch msg.Type() {
	case jsonrpc.TypeResponse:
		if msg.Error != nil {
			s.report(&RemoteError{RPC: msg.Error})
		}
		return
	case jsonrpc.TypeRequest:
		s.handleRequest(msg)
		return
	}

	switch mcp.Method(msg.Method) {
	case mcp.UIToolInputNotificationMethod:
		var p mcp.ToolInputParams
		if !s.decodeParams(msg, &p) {
			return
		}
		s.lastPartial = ""
		if h := s.handlers.OnToolInput; h != nil {
			args := nonNilArgs(p.Arguments)
			s.run(EventToolInput, func(ctx context.Context) error { return h(ctx, args) })
		}

	case mcp.UIToolInputPartialNotificationMethod:
		var p mcp.ToolInputPartialParams
		if !s.decodeParams(msg, &p) {
			return
		}
		args := p.Arguments
		if p.ArgumentsText != "" {
			healed, err := jsonheal.Heal([]byte(p.ArgumentsText))
			if err != nil {
				s.report(fmt.Errorf("%w: partial input: %w", ErrMalformedMessage, err))
				return
			}
			args = healed
		}
		args = nonNilArgs(args)
		// Consecutive partials that heal to the same value are coalesced.
		key, _ := json.Marshal(args)
		if string(key) == s.lastPartial {
			return
		}
		s.lastPartial = string(key)
		if h := s.handlers.OnToolInputPartial; h != nil {
			s.run(EventToolInputPartial, func(ctx context.Context) error { return h(ctx, args) })
		}

	case mcp.UIToolResultNotificationMethod:
		var p mcp.CallToolResult
		if !s.decodeParams(msg, &p) {
			return
		}
		if h := s.handlers.OnToolResult; h != nil {
			s.run(EventToolResult, func(ctx context.Context) error { return h(ctx, &p) })
		}

	case mcp.UIToolCancelledNotificationMethod:
		var p mcp.ToolCancelledParams
		if !s.decodeParams(msg, &p) {
			return
		}
		if !p.RequestID.IsNil() {
			if !s.out.Cancel(p.RequestID.String(), p.Reason) {
				s.log.DebugContext(s.ctx, "session.cancel.unmatched", slog.String("request_id", p.RequestID.String()))
			}
			return
		}
		if h := s.handlers.OnToolCancelled; h != nil {
			s.run(EventToolCancelled, func(ctx context.Context) error { return h(ctx, p.Reason) })
		}

	case mcp.UIHostContextChangedNotificationMethod:
		var patch mcp.HostContext
		if !s.decodeParams(msg, &patch) {
			return
		}
		s.mu.Lock()
		s.hostCtx = s.hostCtx.Merge(patch)
		merged := s.hostCtx.Clone()
		s.mu.Unlock()
		if h := s.handlers.OnHostContextChanged; h != nil {
			s.run(EventHostContextChanged, func(ctx context.Context) error { return h(ctx, merged) })
		}

	case mcp.CancelledNotificationMethod:
		s.out.OnNotification(*msg)

	default:
		s.log.DebugContext(s.ctx, "session.dispatch.unknown", slog.String("method", msg.Method))
	}
}

func (s *Session) handleRequest(msg *jsonrpc.AnyMessage) {
	ctx := logctx.WithRPCMessage(s.ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: jsonrpc.TypeRequest})
	switch mcp.Method(msg.Method) {
	case mcp.PingMethod:
		s.respond(ctx, msg.ID, mcp.EmptyResult{})

	case mcp.UIResourceTeardownMethod:
		var p mcp.ResourceTeardownRequest
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				s.respondError(ctx, msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid teardown params")
				return
			}
		}
		reason := p.Reason
		if reason == "" {
			reason = "host requested teardown"
		}
		id := msg.ID
		go s.shutdown(ctx, reason, nil, func() { s.respond(ctx, id, mcp.EmptyResult{}) })

	default:
		s.respondError(ctx, msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+msg.Method)
	}
}

func (s *Session) decodeParams(msg *jsonrpc.AnyMessage, v any) bool {
	if len(msg.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Params, v); err != nil {
		s.report(fmt.Errorf("%w: %s: %w", ErrMalformedMessage, msg.Method, err))
		return false
	}
	return true
}

func nonNilArgs(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// run schedules a handler, concurrently or on the serial queue.
func (s *Session) run(event string, fn func(context.Context) error) {
	job := func() {
		if err := s.invoke(s.ctx, event, fn); err != nil {
			s.report(err)
		}
	}
	if s.queue != nil {
		s.queue.push(job)
		return
	}
	go job()
}

// invoke calls fn and converts errors and panics into *HandlerError.
func (s *Session) invoke(ctx context.Context, event string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Event: event, Panic: r, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if e := fn(ctx); e != nil {
		return &HandlerError{Event: event, Err: e}
	}
	return nil
}

// report delivers a non-fatal error to OnError and the log.
func (s *Session) report(err error) {
	s.log.WarnContext(s.ctx, "session.error", slog.String("err", err.Error()))
	h := s.handlers.OnError
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(s.ctx, "session.error.handler.panic", slog.Any("panic", r))
		}
	}()
	h(err)
}

func (s *Session) notify(ctx context.Context, method mcp.Method, params any) error {
	n, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	b, err := jsonrpc.Encode(n)
	if err != nil {
		return err
	}
	return s.t.Write(ctx, b)
}

func (s *Session) respond(ctx context.Context, id *jsonrpc.RequestID, result any) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		s.respondError(ctx, id, jsonrpc.ErrorCodeInternalError, "failed to encode result")
		return
	}
	s.writeResponse(ctx, resp)
}

func (s *Session) respondError(ctx context.Context, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	s.writeResponse(ctx, jsonrpc.NewErrorResponse(id, code, msg, nil))
}

func (s *Session) writeResponse(ctx context.Context, resp *jsonrpc.Response) {
	b, err := jsonrpc.Encode(resp)
	if err == nil {
		err = s.t.Write(ctx, b)
	}
	if err != nil {
		s.log.WarnContext(ctx, "session.respond.fail", slog.String("err", err.Error()))
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
		Reason:    "abandoned by caller",
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
