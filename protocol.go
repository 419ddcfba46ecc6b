package mcpserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qforge/mcpserve/llm"
)

type methodFunc func(ctx context.Context, sess *Session, msg JSONRPCMessage) (any, *JSONRPCError)

// ProtocolHandler decodes and encodes the wire protocol, enforces the
// per-session state machine, and dispatches requests to a fixed table of
// operations. It holds shared references to the session manager and the tool
// registry, and exclusively owns the map of in-flight invocations eligible
// for cancellation.
type ProtocolHandler struct {
	sessions *SessionManager
	registry *ToolRegistry
	backend  llm.Backend

	serverInfo    Info
	notifyTimeout time.Duration
	invokeTimeout time.Duration
	logger        *slog.Logger

	// methods is built once at construction; dispatch never falls back to
	// reflection or dynamic name lookup.
	methods map[string]methodFunc

	pendingMu sync.Mutex
	pending   map[string]context.CancelFunc
}

// HandlerOption configures a ProtocolHandler.
type HandlerOption func(*ProtocolHandler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *ProtocolHandler) {
		h.logger = logger.With(slog.String("component", "protocol"))
	}
}

// WithHandlerBackend sets the text-generation backend the server advertises
// streaming support for.
func WithHandlerBackend(backend llm.Backend) HandlerOption {
	return func(h *ProtocolHandler) {
		h.backend = backend
	}
}

// WithNotifyTimeout bounds the delivery of a single outbound notification.
func WithNotifyTimeout(timeout time.Duration) HandlerOption {
	return func(h *ProtocolHandler) {
		h.notifyTimeout = timeout
	}
}

// WithInvokeTimeout bounds a single tool invocation. Zero disables the
// timeout, leaving a hung handler cancellable only through mcp.cancel.
func WithInvokeTimeout(timeout time.Duration) HandlerOption {
	return func(h *ProtocolHandler) {
		h.invokeTimeout = timeout
	}
}

var (
	defaultNotifyTimeout = 30 * time.Second
	defaultInvokeTimeout = 2 * time.Minute
)

// NewProtocolHandler creates a ProtocolHandler dispatching to sessions and
// registry.
func NewProtocolHandler(info Info, sessions *SessionManager, registry *ToolRegistry, options ...HandlerOption) *ProtocolHandler {
	h := &ProtocolHandler{
		sessions:      sessions,
		registry:      registry,
		serverInfo:    info,
		notifyTimeout: defaultNotifyTimeout,
		invokeTimeout: defaultInvokeTimeout,
		logger:        slog.Default(),
		pending:       make(map[string]context.CancelFunc),
	}
	for _, opt := range options {
		opt(h)
	}

	h.methods = map[string]methodFunc{
		MethodInitialize: h.handleInitialize,
		MethodPing:       h.handlePing,
		MethodCancel:     h.handleCancel,
		MethodToolsList:  h.handleToolsList,
		MethodToolInvoke: h.handleToolInvoke,
	}

	return h
}

// Handle processes one inbound frame for conn and returns the response to
// send back, or nil when the frame requires none. Frames that cannot be
// parsed, carry the wrong protocol version tag, or name no method fail
// before any session state is touched, with a null response id. Inbound
// frames without an id are notifications and never produce a response.
func (h *ProtocolHandler) Handle(ctx context.Context, conn Conn, frame []byte) *JSONRPCMessage {
	var msg JSONRPCMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return errorResponse("", CodeParseError, "Parse error", err.Error())
	}

	if msg.JSONRPC != JSONRPCVersion {
		return errorResponse("", CodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}
	if msg.Method == "" {
		return errorResponse("", CodeInvalidRequest, "Missing method", nil)
	}

	sess, ok := h.sessions.Get(conn)
	if !ok {
		return h.respond(msg, nil, &JSONRPCError{Code: CodeInternalError, Message: "Session not found"})
	}

	fn, ok := h.methods[msg.Method]
	if !ok {
		return h.respond(msg, nil, &JSONRPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("Method '%s' not found", msg.Method),
		})
	}

	result, rpcErr := fn(ctx, sess, msg)
	return h.respond(msg, result, rpcErr)
}

func (h *ProtocolHandler) respond(req JSONRPCMessage, result any, rpcErr *JSONRPCError) *JSONRPCMessage {
	if req.ID == "" {
		// The request was a notification; even a failed one gets no response.
		if rpcErr != nil {
			h.logger.Info("dropping error for notification",
				slog.String("method", req.Method),
				slog.String("err", rpcErr.Error()))
		}
		return nil
	}

	if rpcErr != nil {
		return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: req.ID, Error: rpcErr}
	}

	resultBs, err := json.Marshal(result)
	if err != nil {
		h.logger.Error("failed to marshal result",
			slog.String("method", req.Method),
			slog.String("err", err.Error()))
		return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: req.ID, Error: &JSONRPCError{
			Code:    CodeInternalError,
			Message: "Internal server error",
		}}
	}

	return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: req.ID, Result: resultBs}
}

func errorResponse(id MustString, code int, message string, data any) *JSONRPCMessage {
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
}

func (h *ProtocolHandler) handleInitialize(_ context.Context, sess *Session, msg JSONRPCMessage) (any, *JSONRPCError) {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &JSONRPCError{Code: CodeInvalidParams, Message: "Invalid initialize params", Data: err.Error()}
		}
	}
	if params.ProtocolVersion == "" {
		params.ProtocolVersion = ProtocolVersion
	}

	sess.initialize(params.ProtocolVersion, params.Capabilities)

	h.logger.Info("initialized session",
		slog.String("sessionID", sess.ID()),
		slog.String("protocolVersion", params.ProtocolVersion),
		slog.String("client", params.ClientInfo.Name))

	return initializeResult{
		ProtocolVersion: ProtocolVersion,
		SessionID:       sess.ID(),
		Capabilities: serverCapabilities{
			Tools:     true,
			Streaming: h.backend != nil,
			Progress:  true,
			Consent:   true,
		},
		ServerInfo: h.serverInfo,
	}, nil
}

// handlePing is permitted in any session state; a liveness check must not
// depend on handshake completion.
func (h *ProtocolHandler) handlePing(_ context.Context, _ *Session, msg JSONRPCMessage) (any, *JSONRPCError) {
	var params pingParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &JSONRPCError{Code: CodeInvalidParams, Message: "Invalid ping params", Data: err.Error()}
		}
	}

	return pingResult{Pong: true, Timestamp: params.Timestamp}, nil
}

// handleCancel cancels the pending invocation with the client-supplied
// request id. Cancelling an unknown or already-completed id is not an error;
// the result just reports cancelled false.
func (h *ProtocolHandler) handleCancel(_ context.Context, _ *Session, msg JSONRPCMessage) (any, *JSONRPCError) {
	var params cancelParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &JSONRPCError{Code: CodeInvalidParams, Message: "Invalid cancel params", Data: err.Error()}
		}
	}

	cancel, ok := h.popPending(params.RequestID)
	if ok {
		cancel()
		h.logger.Info("cancelled pending request", slog.String("requestID", params.RequestID))
	}

	return cancelResult{Cancelled: ok, RequestID: params.RequestID}, nil
}

func (h *ProtocolHandler) handleToolsList(_ context.Context, sess *Session, _ JSONRPCMessage) (any, *JSONRPCError) {
	if !sess.Initialized() {
		return nil, &JSONRPCError{Code: CodeSessionNotInitialized, Message: "Session not initialized"}
	}

	return toolsListResult{Tools: h.registry.List()}, nil
}

func (h *ProtocolHandler) handleToolInvoke(ctx context.Context, sess *Session, msg JSONRPCMessage) (any, *JSONRPCError) {
	if !sess.Initialized() {
		return nil, &JSONRPCError{Code: CodeSessionNotInitialized, Message: "Session not initialized"}
	}

	var params toolInvokeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &JSONRPCError{Code: CodeInvalidParams, Message: "Invalid invoke params", Data: err.Error()}
		}
	}
	if params.Name == "" {
		return nil, &JSONRPCError{Code: CodeInvalidParams, Message: "Missing tool name"}
	}

	if err := h.requestConsent(sess, params.Name, params.Arguments); err != nil {
		h.logger.Warn("consent delivery failed",
			slog.String("sessionID", sess.ID()),
			slog.String("tool", params.Name),
			slog.String("err", err.Error()))
		return nil, &JSONRPCError{Code: CodeConsentRequired, Message: "User consent required"}
	}

	var invokeCtx context.Context
	var cancel context.CancelFunc
	if h.invokeTimeout > 0 {
		invokeCtx, cancel = context.WithTimeout(ctx, h.invokeTimeout)
	} else {
		invokeCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if msg.ID != "" {
		h.trackPending(string(msg.ID), cancel)
		defer h.popAndDrop(string(msg.ID))
	}

	result, err := h.registry.Invoke(invokeCtx, params.Name, params.Arguments, h.reporter(sess, string(msg.ID)))
	if err != nil {
		var vErr *ValidationError
		if errors.Is(err, ErrToolNotFound) || errors.As(err, &vErr) {
			return nil, &JSONRPCError{Code: CodeToolNotFound, Message: err.Error()}
		}
		return nil, &JSONRPCError{Code: CodeToolExecutionError, Message: err.Error()}
	}

	return toolInvokeResult{
		Content: []Content{{
			Type: "text",
			Text: fmt.Sprintf("Tool '%s' executed successfully", params.Name),
		}},
		Result:  result,
		IsError: false,
	}, nil
}

// requestConsent pushes a user.consent notification describing the
// invocation. With no explicit consent-response channel in this protocol
// revision, consent counts as granted once delivery succeeds and denied only
// when delivery fails. This is an acknowledgment gate, not a trust boundary;
// do not rely on it as a security guarantee.
func (h *ProtocolHandler) requestConsent(sess *Session, toolName string, args map[string]any) error {
	err := h.notify(sess, methodUserConsent, consentParams{
		Tool:      toolName,
		Arguments: args,
		Message:   fmt.Sprintf("Do you want to execute tool '%s' with the provided arguments?", toolName),
	})
	if err != nil {
		return err
	}

	h.logger.Info("consent requested",
		slog.String("sessionID", sess.ID()),
		slog.String("tool", toolName))
	return nil
}

func (h *ProtocolHandler) notify(sess *Session, method string, params any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	data, err := json.Marshal(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s notification: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.notifyTimeout)
	defer cancel()

	return sess.Conn().Send(ctx, data)
}

func (h *ProtocolHandler) trackPending(requestID string, cancel context.CancelFunc) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	h.pending[requestID] = cancel
}

func (h *ProtocolHandler) popPending(requestID string) (context.CancelFunc, bool) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	cancel, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	return cancel, ok
}

func (h *ProtocolHandler) popAndDrop(requestID string) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	delete(h.pending, requestID)
}

func (h *ProtocolHandler) reporter(sess *Session, requestID string) Reporter {
	return &sessionReporter{handler: h, sess: sess, requestID: requestID}
}

// sessionReporter pushes tool.progress and stream notifications to the
// invoking session's connection. Delivery failures are logged and swallowed;
// they never surface to the invocation that triggered them.
type sessionReporter struct {
	handler   *ProtocolHandler
	sess      *Session
	requestID string
}

func (r *sessionReporter) Progress(progress float64, message string) {
	err := r.handler.notify(r.sess, methodToolProgress, progressParams{
		RequestID: r.requestID,
		Progress:  progress,
		Message:   message,
	})
	if err != nil {
		r.handler.logger.Warn("failed to send progress notification",
			slog.String("sessionID", r.sess.ID()),
			slog.String("err", err.Error()))
	}
}

func (r *sessionReporter) Stream(content string, done bool) {
	err := r.handler.notify(r.sess, methodStream, streamParams{
		RequestID: r.requestID,
		Content:   content,
		Done:      done,
	})
	if err != nil {
		r.handler.logger.Warn("failed to send stream notification",
			slog.String("sessionID", r.sess.ID()),
			slog.String("err", err.Error()))
	}
}
