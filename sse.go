package mcpserve

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSETransport implements ServerTransport over Server-Sent Events. Outbound
// frames stream to the client over the SSE connection; inbound frames arrive
// as HTTP POST requests to a per-connection message endpoint.
//
// The transport is framework-agnostic: mount HandleSSE on the stream endpoint
// and HandleMessage on the message endpoint of any HTTP mux.
type SSETransport struct {
	messageURL string
	logger     *slog.Logger

	conns         chan *sseConn
	removedConns  chan string
	inboundFrames chan sseInboundFrame

	stopOnce sync.Once
	done     chan struct{}
	closed   chan struct{}
}

type sseInboundFrame struct {
	connID string
	data   []byte
}

type sseOutboundFrame struct {
	msg  *sse.Message
	errs chan<- error
}

// SSEOption represents the options for the SSETransport.
type SSEOption func(*SSETransport)

// WithSSELogger sets the logger for the transport.
func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(t *SSETransport) {
		t.logger = logger.With(slog.String("component", "sse"))
	}
}

// NewSSETransport creates an SSE transport. The messageURL is the base URL
// clients should POST inbound frames to; each connection gets a connID query
// parameter appended.
func NewSSETransport(messageURL string, options ...SSEOption) *SSETransport {
	t := &SSETransport{
		messageURL:    messageURL,
		logger:        slog.Default(),
		conns:         make(chan *sseConn, 5),
		removedConns:  make(chan string),
		inboundFrames: make(chan sseInboundFrame),
		done:          make(chan struct{}),
		closed:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Conns returns an iterator over accepted connections. The loop also routes
// inbound POST frames to the connection they belong to, so it must be
// consumed for the transport to make progress.
func (t *SSETransport) Conns() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		defer close(t.closed)

		active := make(map[string]*sseConn)

		for {
			select {
			case <-t.done:
				return
			case conn := <-t.conns:
				go conn.writePump()

				active[conn.id] = conn

				if !yield(conn) {
					return
				}
			case connID := <-t.removedConns:
				delete(active, connID)
			case frame := <-t.inboundFrames:
				conn, ok := active[frame.connID]
				if !ok {
					// The connection may already be gone; drop the frame.
					continue
				}

				select {
				case <-t.done:
					return
				case conn.inbound <- frame.data:
				}
			}
		}
	}
}

// Shutdown terminates the routing loop. This method blocks until the loop
// has finished.
func (t *SSETransport) Shutdown(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.done) })

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE transport: %w", ctx.Err())
	case <-t.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler that upgrades GET requests to SSE
// streams. Each stream is announced to the client with an "endpoint" event
// carrying the URL for inbound frames, then fed into the Conns iterator. The
// handler blocks until the connection closes.
func (t *SSETransport) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			t.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		connID := uuid.New().String()

		endpoint := fmt.Sprintf("%s?connID=%s", t.messageURL, connID)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write endpoint URL: %w", err)
			t.logger.Error("failed to write endpoint URL", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}
		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush endpoint event: %w", err)
			t.logger.Error("failed to flush endpoint event", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		conn := &sseConn{
			id:           connID,
			sess:         sess,
			logger:       t.logger,
			outbound:     make(chan sseOutboundFrame, 5),
			inbound:      make(chan []byte, 5),
			done:         make(chan struct{}),
			writeStopped: make(chan struct{}),
			readStopped:  make(chan struct{}),
		}

		select {
		case <-t.done:
			return
		case t.conns <- conn:
		}

		// Keep the HTTP connection open until both pumps have stopped.
		<-conn.writeStopped
		<-conn.readStopped

		select {
		case t.removedConns <- connID:
		case <-t.done:
		}
	})
}

// HandleMessage returns an http.Handler for inbound frames POSTed by
// clients. It expects a connID query parameter and a raw frame body, which
// is routed to the matching connection's Messages iterator.
func (t *SSETransport) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connID := r.URL.Query().Get("connID")
		if connID == "" {
			t.logger.Warn("missing connID query parameter")
			http.Error(w, "missing connID query parameter", http.StatusBadRequest)
			return
		}

		data, err := io.ReadAll(r.Body)
		if err != nil {
			nErr := fmt.Errorf("failed to read frame body: %w", err)
			t.logger.Warn("failed to read frame body", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-t.done:
			return
		case t.inboundFrames <- sseInboundFrame{connID: connID, data: data}:
		}
	})
}

type sseConn struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	outbound chan sseOutboundFrame
	inbound  chan []byte

	closeOnce    sync.Once
	done         chan struct{}
	writeStopped chan struct{}
	readStopped  chan struct{}
}

func (c *sseConn) ID() string { return c.id }

func (c *sseConn) Messages() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		defer close(c.readStopped)

		for {
			select {
			case data := <-c.inbound:
				if !yield(data) {
					return
				}
			case <-c.done:
				return
			}
		}
	}
}

func (c *sseConn) Send(ctx context.Context, data []byte) error {
	msg := &sse.Message{
		Type: sse.Type("message"),
	}
	msg.AppendData(string(data))

	errs := make(chan error)

	// Queue the frame for the write pump to avoid races in the sse library.
	select {
	case c.outbound <- sseOutboundFrame{msg, errs}:
	case <-c.done:
		return fmt.Errorf("connection is closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		return err
	case <-c.done:
		return fmt.Errorf("connection is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *sseConn) writePump() {
	defer close(c.writeStopped)

	for {
		select {
		case frame := <-c.outbound:
			if err := c.sess.Send(frame.msg); err != nil {
				c.logger.Warn("failed to send frame", slog.String("err", err.Error()))

				select {
				case frame.errs <- err:
				default:
				}
				continue
			}
			if err := c.sess.Flush(); err != nil {
				c.logger.Warn("failed to flush frame", slog.String("err", err.Error()))

				select {
				case frame.errs <- err:
				default:
				}
				continue
			}

			select {
			case frame.errs <- nil:
			default:
			}
		case <-c.done:
			return
		}
	}
}
