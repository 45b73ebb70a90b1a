// Package wstransport carries app/host JSON-RPC traffic over a websocket, one
// message per text frame.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/transport"
)

const (
	defaultPongWait     = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
)

// Option configures a Conn.
type Option func(*Conn)

// WithPongWait sets how long the connection may stay silent before a read
// fails. Pings are sent at 9/10 of this interval.
func WithPongWait(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.pongWait = d
		}
	}
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithReadLimit caps the size of one inbound frame. A larger frame fails the
// connection with websocket.ErrReadLimit.
func WithReadLimit(n int64) Option {
	return func(c *Conn) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// Conn adapts a websocket connection to transport.Transport.
type Conn struct {
	ws           *websocket.Conn
	pongWait     time.Duration
	writeTimeout time.Duration
	readLimit    int64

	wmu sync.Mutex

	msgs chan jsonrpc.Message
	eof  chan struct{}
	rerr error

	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Conn)(nil)

// Dial connects to a host websocket endpoint.
func Dial(ctx context.Context, url string, header http.Header, opts ...Option) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(ws, opts...), nil
}

// Upgrader accepts websocket connections from apps.
//
// Browser requests are accepted when their Origin matches the request host
// or one of AllowedOrigins, given either as a full origin
// ("https://chat.example") or as host[:port]. "*" accepts any origin.
// Requests without an Origin header come from non-browser clients and are
// always accepted.
type Upgrader struct {
	AllowedOrigins []string
}

// Upgrade turns an HTTP request into a Conn. On failure the upgrader has
// already written an HTTP error response (403 for a refused origin).
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	wu := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     u.checkOrigin,
	}
	ws, err := wu.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, opts...), nil
}

func (u *Upgrader) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return false
	}
	if strings.EqualFold(o.Host, r.Host) {
		return true
	}
	for _, allowed := range u.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, o.Host) {
			return true
		}
	}
	return false
}

// Upgrade is Upgrader.Upgrade with same-origin checking only.
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	var u Upgrader
	return u.Upgrade(w, r, opts...)
}

// New wraps an established websocket connection and starts its read and
// keepalive loops.
func New(ws *websocket.Conn, opts ...Option) *Conn {
	c := &Conn{
		ws:           ws,
		pongWait:     defaultPongWait,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
		msgs:         make(chan jsonrpc.Message),
		eof:          make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	ws.SetReadLimit(c.readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *Conn) readLoop() {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.rerr = translateReadErr(err)
			close(c.eof)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		select {
		case c.msgs <- jsonrpc.Message(data):
		case <-c.done:
			return
		}
	}
}

func translateReadErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return transport.ErrClosed
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return transport.ErrClosed
	}
	return err
}

func (c *Conn) pingLoop() {
	t := time.NewTicker(c.pongWait * 9 / 10)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.eof:
			return
		case <-t.C:
			c.wmu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Conn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.msgs:
		return msg, nil
	case <-c.eof:
		return nil, c.rerr
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, transport.ErrClosed
	}
}

func (c *Conn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a normal closure frame and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}
