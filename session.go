package mcpserve

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Session is the server-side state bound to one connection. It tracks the
// handshake status, the negotiated protocol version and capability flags,
// and a free-form context map tool handlers can use to stash per-session
// state. A session starts uninitialized and becomes initialized exactly once,
// when the client completes the mcp.initialize handshake.
type Session struct {
	id        string
	conn      Conn
	createdAt time.Time

	mu              sync.RWMutex
	protocolVersion string
	capabilities    map[string]any
	context         map[string]any
	initialized     bool
}

// ID returns the server-generated session identifier.
func (s *Session) ID() string { return s.id }

// Conn returns the connection this session exclusively owns.
func (s *Session) Conn() Conn { return s.conn }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Initialized reports whether the client has completed the handshake.
func (s *Session) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.initialized
}

// ProtocolVersion returns the protocol version negotiated during the
// handshake, or the empty string before initialization.
func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.protocolVersion
}

// ContextValue returns the session-context value stored under key.
func (s *Session) ContextValue(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.context[key]
	return v, ok
}

// SetContext stores a session-context value under key.
func (s *Session) SetContext(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.context[key] = value
}

func (s *Session) initialize(protocolVersion string, capabilities map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.protocolVersion = protocolVersion
	s.capabilities = capabilities
	s.initialized = true
}

// SessionManager owns the set of active sessions and the mapping between
// connections and sessions. Both lookup directions are maintained under one
// lock, so no caller can ever observe a state in which only one direction is
// populated.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	conns    map[Conn]string

	logger *slog.Logger
}

// NewSessionManager creates an empty SessionManager. A nil logger falls back
// to slog.Default.
func NewSessionManager(logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		conns:    make(map[Conn]string),
		logger:   logger.With(slog.String("component", "sessions")),
	}
}

// Create constructs a new uninitialized session bound to conn, inserts it
// into both lookup directions, and returns it.
func (m *SessionManager) Create(conn Conn) *Session {
	sess := &Session{
		id:        uuid.New().String(),
		conn:      conn,
		createdAt: time.Now(),
		context:   make(map[string]any),
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.conns[conn] = sess.id
	m.mu.Unlock()

	m.logger.Info("created session", slog.String("sessionID", sess.id))
	return sess
}

// Get returns the session bound to conn.
func (m *SessionManager) Get(conn Conn) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.conns[conn]
	if !ok {
		return nil, false
	}
	sess, ok := m.sessions[id]
	return sess, ok
}

// GetByID returns the session with the given identifier.
func (m *SessionManager) GetByID(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	return sess, ok
}

// Remove deletes the session bound to conn from both lookup directions.
// Removing a connection that has no session is a no-op.
func (m *SessionManager) Remove(conn Conn) {
	m.mu.Lock()
	id, ok := m.conns[conn]
	if ok {
		delete(m.conns, conn)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info("removed session", slog.String("sessionID", id))
	}
}

// UpdateContext stores a context value on the session with the given id.
// It is a no-op if the session does not exist.
func (m *SessionManager) UpdateContext(sessionID, key string, value any) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if ok {
		sess.SetContext(key, value)
	}
}

// Len returns the number of active sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// Broadcast sends one frame to every active session. A send failure on one
// connection never aborts delivery to the others: the offending session is
// removed, the failure is collected, and the loop continues. The returned
// error aggregates all individual failures.
func (m *SessionManager) Broadcast(ctx context.Context, data []byte) error {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		targets = append(targets, sess)
	}
	m.mu.RUnlock()

	var errs *multierror.Error
	for _, sess := range targets {
		if err := sess.conn.Send(ctx, data); err != nil {
			m.logger.Warn("broadcast send failed, removing session",
				slog.String("sessionID", sess.id),
				slog.String("err", err.Error()))
			m.Remove(sess.conn)
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}
