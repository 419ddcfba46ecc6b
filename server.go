package mcpserve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qforge/mcpserve/llm"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server accepts connections from a ServerTransport and runs the protocol
// over each of them: one goroutine per connection, messages processed
// strictly one at a time in arrival order within a connection, concurrently
// across connections. A failure processing one message never terminates the
// connection, and a failure on one connection never affects the others.
type Server struct {
	info      Info
	transport ServerTransport

	sessions *SessionManager
	registry *ToolRegistry
	handler  *ProtocolHandler
	backend  llm.Backend

	sendTimeout   time.Duration
	notifyTimeout time.Duration
	invokeTimeout time.Duration

	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	connsWG  sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}

	totalConns    atomic.Uint64
	totalMessages atomic.Uint64
}

var defaultServerSendTimeout = 30 * time.Second

// NewServer creates a Server exposing the tools in registry over transport.
func NewServer(info Info, transport ServerTransport, registry *ToolRegistry, options ...ServerOption) *Server {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		info:       info,
		transport:  transport,
		registry:   registry,
		logger:     slog.Default(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	s.sessions = NewSessionManager(s.logger)

	handlerOpts := []HandlerOption{WithHandlerLogger(s.logger)}
	if s.backend != nil {
		handlerOpts = append(handlerOpts, WithHandlerBackend(s.backend))
	}
	if s.notifyTimeout != 0 {
		handlerOpts = append(handlerOpts, WithNotifyTimeout(s.notifyTimeout))
	}
	if s.invokeTimeout != 0 {
		handlerOpts = append(handlerOpts, WithInvokeTimeout(s.invokeTimeout))
	}
	s.handler = NewProtocolHandler(info, s.sessions, registry, handlerOpts...)

	return s
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// WithBackend sets the text-generation backend advertised in the handshake.
func WithBackend(backend llm.Backend) ServerOption {
	return func(s *Server) {
		s.backend = backend
	}
}

// WithSendTimeout bounds the delivery of a single response frame.
func WithSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerNotifyTimeout bounds the delivery of a single notification frame.
func WithServerNotifyTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.notifyTimeout = timeout
	}
}

// WithServerInvokeTimeout bounds a single tool invocation. Zero keeps the
// default; a negative value disables the timeout entirely.
func WithServerInvokeTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout < 0 {
			timeout = 0
		}
		s.invokeTimeout = timeout
	}
}

// Sessions returns the session manager, for broadcasting to every connected
// client and for session lookups by id.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Handler returns the protocol handler the server dispatches through.
func (s *Server) Handler() *ProtocolHandler { return s.handler }

// Serve accepts connections from the transport and runs one message loop per
// connection. It blocks until the transport's connection iterator ends,
// which happens when Shutdown is called.
func (s *Server) Serve() {
	for conn := range s.transport.Conns() {
		select {
		case <-s.done:
			// Shutting down; refuse the connection.
			_ = conn.Close()
			continue
		default:
		}

		sess := s.sessions.Create(conn)
		s.totalConns.Add(1)

		s.connsWG.Add(1)
		go func() {
			defer s.connsWG.Done()
			s.serveConn(conn, sess)
		}()
	}
}

// Shutdown stops the server: it refuses new connections, closes the active
// ones, waits for their loops to end, and reports final counts. It returns
// an error if the transport fails to shut down or ctx expires first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.baseCancel()
	})

	// Close active connections so their message loops unblock.
	s.sessions.mu.RLock()
	conns := make([]Conn, 0, len(s.sessions.conns))
	for conn := range s.sessions.conns {
		conns = append(conns, conn)
	}
	s.sessions.mu.RUnlock()
	for _, conn := range conns {
		_ = conn.Close()
	}

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	drained := make(chan struct{})
	go func() {
		s.connsWG.Wait()
		close(drained)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to drain connection loops: %w", ctx.Err())
	case <-drained:
	}

	s.logger.Info("server stopped",
		slog.Uint64("connectionsServed", s.totalConns.Load()),
		slog.Uint64("messagesHandled", s.totalMessages.Load()))
	return nil
}

func (s *Server) serveConn(conn Conn, sess *Session) {
	logger := s.logger.With(slog.String("sessionID", sess.ID()))
	logger.Info("client connected", slog.String("connID", conn.ID()))

	defer func() {
		s.sessions.Remove(conn)
		_ = conn.Close()
		logger.Info("client disconnected")
	}()

	// This loop ends when the transport closes the connection, cleanly or
	// not; either way only this one session is torn down.
	for frame := range conn.Messages() {
		select {
		case <-s.done:
			return
		default:
		}

		s.totalMessages.Add(1)

		resp := s.handleFrame(conn, frame)
		if resp == nil {
			continue
		}

		data, err := json.Marshal(resp)
		if err != nil {
			logger.Error("failed to marshal response", slog.String("err", err.Error()))
			continue
		}

		sendCtx, cancel := context.WithTimeout(s.baseCtx, s.sendTimeout)
		err = conn.Send(sendCtx, data)
		cancel()
		if err != nil {
			logger.Error("failed to send response", slog.String("err", err.Error()))
			return
		}
	}
}

// handleFrame dispatches one frame, converting anything escaping the
// protocol handler into an InternalError response instead of dropping the
// connection. The full failure detail goes to the log; the client gets a
// generic message.
func (s *Server) handleFrame(conn Conn, frame []byte) (resp *JSONRPCMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			// Full detail stays in the log; the client gets a generic message.
			s.logger.Error("panic during dispatch", slog.Any("panic", rec))
			resp = errorResponse("", CodeInternalError, "Internal server error", nil)
		}
	}()

	return s.handler.Handle(s.baseCtx, conn, frame)
}
