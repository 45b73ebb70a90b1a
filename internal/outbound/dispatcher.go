package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/mcp"
)

// Transport abstracts how requests/notifications are sent.
type Transport interface {
	// SendRequest sends the request with the pre-allocated id.
	SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error
	// SendCancelled emits a notifications/cancelled for the given id string.
	SendCancelled(ctx context.Context, requestID string) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrRemoteCancelled indicates the peer cancelled the request.
	ErrRemoteCancelled = errors.New("remote cancelled")
	// ErrTimeout indicates no response arrived within the request budget.
	ErrTimeout = errors.New("request timed out")
)

// outcome is the single resolution of a pending call.
type outcome struct {
	resp *jsonrpc.Response
	err  error
}

// pendingCall is one in-flight request. Whoever removes it from the pending
// map owns its resolution, so each call resolves exactly once.
type pendingCall struct {
	method    string
	submitted time.Time
	result    chan outcome // buffered(1)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the default budget applied to every call. Zero disables it;
// a context deadline still applies.
func WithTimeout(d time.Duration) Option {
	return func(dd *Dispatcher) {
		if d >= 0 {
			dd.timeout = d
		}
	}
}

// WithLogger sets the logger used for orphaned responses and cancel failures.
func WithLogger(l *slog.Logger) Option {
	return func(dd *Dispatcher) {
		if l != nil {
			dd.log = l
		}
	}
}

// WithClock overrides time.Now for submission timestamps.
func WithClock(now func() time.Time) Option {
	return func(dd *Dispatcher) {
		if now != nil {
			dd.now = now
		}
	}
}

// Dispatcher coordinates outbound JSON-RPC requests with correlation,
// cancellation, timeouts and response routing. It is transport-agnostic.
type Dispatcher struct {
	t       Transport
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall // id.String() -> call

	nextID  atomic.Uint64
	orphans atomic.Uint64

	closed   atomic.Bool
	closeErr error
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		t:       t,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
		pending: make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call sends a JSON-RPC request and waits for its single resolution: the
// matching response, a remote cancellation, the timeout budget, context
// cancellation or dispatcher close.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if err := d.closedErr(); err != nil {
		return nil, err
	}

	// Marshal params before an id is spent on them.
	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = b
	}

	idNum := d.nextID.Add(1)
	id := jsonrpc.NewRequestID(idNum)
	key := id.String()

	pc := &pendingCall{method: method, submitted: d.now(), result: make(chan outcome, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.closedErr()
	}
	d.pending[key] = pc
	d.mu.Unlock()

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: paramsRaw, ID: id}
	if err := d.t.SendRequest(ctx, id, req); err != nil {
		if d.claim(key) != nil {
			return nil, err
		}
		// Resolved concurrently (e.g. by Close) before the send error surfaced.
		out := <-pc.result
		return out.resp, out.err
	}

	var timer <-chan time.Time
	if d.timeout > 0 {
		t := time.NewTimer(d.timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case out := <-pc.result:
		return out.resp, out.err
	case <-timer:
		return d.abandon(key, pc, fmt.Errorf("%s after %s: %w", method, d.timeout, ErrTimeout))
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%s: %w: %w", method, ErrTimeout, err)
		}
		return d.abandon(key, pc, err)
	}
}

// abandon resolves pc locally with err unless a resolution won the race, in
// which case that resolution is returned. A late response for key is then an
// orphan and is discarded by OnResponse.
func (d *Dispatcher) abandon(key string, pc *pendingCall, err error) (*jsonrpc.Response, error) {
	if d.claim(key) == nil {
		out := <-pc.result
		return out.resp, out.err
	}
	if cErr := d.t.SendCancelled(context.Background(), key); cErr != nil {
		d.log.Debug("outbound.cancel.send.fail", slog.String("id", key), slog.String("err", cErr.Error()))
	}
	return nil, err
}

// claim removes and returns the pending call for key, or nil if it is no
// longer pending.
func (d *Dispatcher) claim(key string) *pendingCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[key]
	if !ok {
		return nil
	}
	delete(d.pending, key)
	return pc
}

// OnResponse delivers an incoming response to a waiting call. Responses for
// unknown ids (late, duplicate or never issued) are discarded.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) {
	if resp == nil || resp.ID == nil {
		return
	}
	key := resp.ID.String()
	pc := d.claim(key)
	if pc == nil {
		d.orphans.Add(1)
		d.log.Debug("outbound.response.orphan", slog.String("id", key))
		return
	}
	pc.result <- outcome{resp: resp}
}

// Cancel resolves the pending call with ErrRemoteCancelled. It reports whether
// a call with that id was pending; unknown ids are a no-op.
func (d *Dispatcher) Cancel(requestID string, reason string) bool {
	pc := d.claim(requestID)
	if pc == nil {
		return false
	}
	err := ErrRemoteCancelled
	if reason != "" {
		err = fmt.Errorf("%w: %s", ErrRemoteCancelled, reason)
	}
	pc.result <- outcome{err: err}
	return true
}

// OnNotification processes peer notifications relevant to outbound calls.
func (d *Dispatcher) OnNotification(msg jsonrpc.AnyMessage) {
	if msg.Method != string(mcp.CancelledNotificationMethod) {
		return
	}
	var p mcp.CancelledNotification
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return
	}
	if p.RequestID.IsNil() {
		return
	}
	d.Cancel(p.RequestID.String(), p.Reason)
}

// Close cancels all pending calls with the provided error and prevents new
// calls. Only the first Close has an effect.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	if !d.closed.CompareAndSwap(false, true) {
		d.mu.Unlock()
		return
	}
	d.closeErr = err
	calls := d.pending
	d.pending = make(map[string]*pendingCall)
	d.mu.Unlock()

	for _, pc := range calls {
		pc.result <- outcome{err: err}
	}
}

// Pending returns the number of in-flight calls.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// PendingSince returns the submission time of the in-flight call with id.
func (d *Dispatcher) PendingSince(requestID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[requestID]
	if !ok {
		return time.Time{}, false
	}
	return pc.submitted, true
}

// Orphans returns how many responses were discarded for lack of a pending call.
func (d *Dispatcher) Orphans() uint64 { return d.orphans.Load() }

func (d *Dispatcher) closedErr() error {
	if !d.closed.Load() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}
