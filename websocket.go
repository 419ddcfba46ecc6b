package mcpserve

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// WSTransport implements ServerTransport over WebSocket connections. Each
// upgraded connection becomes one Conn carrying text frames. The transport
// drives the keepalive itself: it pings every connection on an interval and
// closes connections whose pong does not arrive within the timeout.
//
// The transport can bind its own listener through Start, or be mounted into
// an existing HTTP server through Handler.
type WSTransport struct {
	addr string
	path string

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	logger   *slog.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	listenAddr net.Addr

	conns chan Conn

	stopOnce sync.Once
	done     chan struct{}
	closed   chan struct{}
}

// WSOption represents the options for the WSTransport.
type WSOption func(*WSTransport)

// WithWSPath sets the HTTP path the upgrade endpoint is served on.
func WithWSPath(path string) WSOption {
	return func(t *WSTransport) {
		t.path = path
	}
}

// WithWSPingInterval sets how often the server pings each connection.
func WithWSPingInterval(interval time.Duration) WSOption {
	return func(t *WSTransport) {
		t.pingInterval = interval
	}
}

// WithWSPongTimeout sets how long the server waits for a pong before
// considering the connection dead.
func WithWSPongTimeout(timeout time.Duration) WSOption {
	return func(t *WSTransport) {
		t.pongTimeout = timeout
	}
}

// WithWSWriteTimeout bounds a single outbound frame write when the caller's
// context carries no deadline of its own.
func WithWSWriteTimeout(timeout time.Duration) WSOption {
	return func(t *WSTransport) {
		t.writeTimeout = timeout
	}
}

// WithWSLogger sets the logger for the transport.
func WithWSLogger(logger *slog.Logger) WSOption {
	return func(t *WSTransport) {
		t.logger = logger.With(slog.String("component", "websocket"))
	}
}

var (
	defaultWSPingInterval = 30 * time.Second
	defaultWSPongTimeout  = 10 * time.Second
	defaultWSWriteTimeout = 10 * time.Second
)

// NewWSTransport creates a WebSocket transport that will listen on addr when
// started.
func NewWSTransport(addr string, options ...WSOption) *WSTransport {
	t := &WSTransport{
		addr:   addr,
		path:   "/",
		logger: slog.Default(),
		conns:  make(chan Conn, 5),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	if t.pingInterval == 0 {
		t.pingInterval = defaultWSPingInterval
	}
	if t.pongTimeout == 0 {
		t.pongTimeout = defaultWSPongTimeout
	}
	if t.writeTimeout == 0 {
		t.writeTimeout = defaultWSWriteTimeout
	}

	return t
}

// Start binds the listener and begins accepting upgrade requests. It returns
// once the listener is bound; accept failures after that are logged.
func (t *WSTransport) Start() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.addr, err)
	}
	t.listenAddr = ln.Addr()

	mux := http.NewServeMux()
	mux.Handle(t.path, t.Handler())
	t.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := t.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("http server failed", slog.String("err", err.Error()))
		}
	}()

	t.logger.Info("websocket transport listening", slog.String("addr", t.listenAddr.String()))
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (t *WSTransport) Addr() net.Addr { return t.listenAddr }

// Handler returns the http.Handler that upgrades requests to WebSocket
// connections and feeds them into the Conns iterator. The handler blocks for
// the lifetime of each connection.
func (t *WSTransport) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logger.Warn("failed to upgrade connection", slog.String("err", err.Error()))
			return
		}

		conn := &wsConn{
			id:           ulid.Make().String(),
			ws:           ws,
			writeTimeout: t.writeTimeout,
			inbound:      make(chan []byte, 5),
			done:         make(chan struct{}),
			logger:       t.logger,
		}

		select {
		case <-t.done:
			_ = ws.Close()
			return
		case t.conns <- conn:
		}

		go conn.keepalive(t.pingInterval, t.pongTimeout)

		// Blocks until the connection is closed by either side, keeping the
		// underlying network connection open for its whole lifetime.
		conn.readPump(t.pingInterval + t.pongTimeout)
	})
}

// Conns returns an iterator over accepted connections. The iteration ends
// when Shutdown is called.
func (t *WSTransport) Conns() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		defer close(t.closed)

		for {
			select {
			case <-t.done:
				return
			case conn := <-t.conns:
				if !yield(conn) {
					return
				}
			}
		}
	}
}

// Shutdown stops accepting upgrades and closes the listener. Connections
// already yielded are closed by their owners.
func (t *WSTransport) Shutdown(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.done) })

	if t.httpServer != nil {
		if err := t.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown http server: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close websocket transport: %w", ctx.Err())
	case <-t.closed:
	}
	return nil
}

type wsConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu sync.Mutex
	inbound chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Messages() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case <-c.done:
				return
			case data, ok := <-c.inbound:
				if !ok {
					return
				}
				if !yield(data) {
					return
				}
			}
		}
	}
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
	return nil
}

// readPump moves inbound frames onto the channel consumed by Messages. The
// read deadline covers one full ping cycle; pongs extend it.
func (c *wsConn) readPump(readWait time.Duration) {
	defer func() {
		close(c.inbound)
		_ = c.Close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection read failed",
					slog.String("connID", c.id),
					slog.String("err", err.Error()))
			}
			return
		}

		select {
		case <-c.done:
			return
		case c.inbound <- data:
		}
	}
}

func (c *wsConn) keepalive(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				c.logger.Warn("keepalive ping failed, closing connection",
					slog.String("connID", c.id),
					slog.String("err", err.Error()))
				_ = c.Close()
				return
			}
		}
	}
}
