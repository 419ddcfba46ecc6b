package mcpserve

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func newTestHandler(t *testing.T, options ...HandlerOption) (*ProtocolHandler, *SessionManager, *ToolRegistry) {
	t.Helper()

	sessions := NewSessionManager(nil)
	registry := NewToolRegistry(nil)
	if err := registry.Register("create_user", "creates a user", userSchema, echoHandler); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}

	handler := NewProtocolHandler(Info{Name: "test-server", Version: "0.0.1"}, sessions, registry, options...)
	return handler, sessions, registry
}

func request(t *testing.T, id, method string, params any) []byte {
	t.Helper()

	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: MustString(id), Method: method}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("failed to marshal params: %v", err)
		}
		msg.Params = paramsBs
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	return data
}

func initialized(t *testing.T, h *ProtocolHandler, sessions *SessionManager) (*testConn, *Session) {
	t.Helper()

	conn := newTestConn("conn-1")
	sess := sessions.Create(conn)
	resp := h.Handle(context.Background(), conn, request(t, "init-1", MethodInitialize, nil))
	if resp == nil || resp.Error != nil {
		t.Fatalf("handshake failed: %+v", resp)
	}
	return conn, sess
}

func wantErrorCode(t *testing.T, resp *JSONRPCMessage, code int) {
	t.Helper()

	if resp == nil {
		t.Fatal("expected a response")
	}
	if resp.Error == nil {
		t.Fatalf("expected an error response, got result %s", resp.Result)
	}
	if resp.Error.Code != code {
		t.Fatalf("got error code %d (%s), want %d", resp.Error.Code, resp.Error.Message, code)
	}
}

func TestHandleParseError(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn := newTestConn("conn-1")
	sessions.Create(conn)

	resp := h.Handle(context.Background(), conn, []byte(`{not json`))
	wantErrorCode(t, resp, CodeParseError)
	if resp.ID != "" {
		t.Errorf("parse error response should have no known id, got %q", resp.ID)
	}
}

func TestHandleInvalidVersion(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn := newTestConn("conn-1")
	sessions.Create(conn)

	resp := h.Handle(context.Background(), conn, []byte(`{"jsonrpc":"1.0","id":"1","method":"mcp.ping"}`))
	wantErrorCode(t, resp, CodeInvalidRequest)
}

func TestHandleMissingMethod(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn := newTestConn("conn-1")
	sessions.Create(conn)

	resp := h.Handle(context.Background(), conn, []byte(`{"jsonrpc":"2.0","id":"1"}`))
	wantErrorCode(t, resp, CodeInvalidRequest)
}

func TestHandleMethodNotFound(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn, _ := initialized(t, h, sessions)

	resp := h.Handle(context.Background(), conn, request(t, "1", "tools.destroy", nil))
	wantErrorCode(t, resp, CodeMethodNotFound)
}

func TestHandleNotificationGetsNoResponse(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn := newTestConn("conn-1")
	sessions.Create(conn)

	// Even a failing notification produces no response frame.
	resp := h.Handle(context.Background(), conn, []byte(`{"jsonrpc":"2.0","method":"tools.destroy"}`))
	if resp != nil {
		t.Errorf("notification should not produce a response, got %+v", resp)
	}
}

func TestHandleInitialize(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn := newTestConn("conn-1")
	sess := sessions.Create(conn)

	resp := h.Handle(context.Background(), conn, request(t, "init-1", MethodInitialize, map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0"},
	}))
	if resp == nil || resp.Error != nil {
		t.Fatalf("handshake failed: %+v", resp)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		SessionID       string `json:"sessionId"`
		Capabilities    struct {
			Tools     bool `json:"tools"`
			Streaming bool `json:"streaming"`
		} `json:"capabilities"`
		ServerInfo Info `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result.SessionID != sess.ID() {
		t.Errorf("got session id %q, want %q", result.SessionID, sess.ID())
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("got protocol version %q, want %q", result.ProtocolVersion, ProtocolVersion)
	}
	if !result.Capabilities.Tools {
		t.Error("tools capability should be advertised")
	}
	if result.Capabilities.Streaming {
		t.Error("streaming should not be advertised without a backend")
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("got server name %q, want test-server", result.ServerInfo.Name)
	}
	if !sess.Initialized() {
		t.Error("session should be initialized after the handshake")
	}
}

func TestHandlePingBeforeInitialize(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn := newTestConn("conn-1")
	sessions.Create(conn)

	resp := h.Handle(context.Background(), conn, request(t, "p1", MethodPing, map[string]any{"timestamp": 1234}))
	if resp == nil || resp.Error != nil {
		t.Fatalf("ping must work before initialization: %+v", resp)
	}

	var result struct {
		Pong      bool            `json:"pong"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !result.Pong {
		t.Error("ping should answer pong")
	}
	if string(result.Timestamp) != "1234" {
		t.Errorf("ping should echo the timestamp, got %s", result.Timestamp)
	}
}

func TestHandleRequiresInitialization(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn := newTestConn("conn-1")
	sessions.Create(conn)

	for _, method := range []string{MethodToolsList, MethodToolInvoke} {
		resp := h.Handle(context.Background(), conn, request(t, "1", method, map[string]any{"name": "create_user"}))
		wantErrorCode(t, resp, CodeSessionNotInitialized)
	}
}

func TestHandleToolsList(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn, _ := initialized(t, h, sessions)

	resp := h.Handle(context.Background(), conn, request(t, "1", MethodToolsList, nil))
	if resp == nil || resp.Error != nil {
		t.Fatalf("tools.list failed: %+v", resp)
	}

	var result struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "create_user" {
		t.Errorf("unexpected tool listing: %+v", result.Tools)
	}
}

func TestHandleToolInvoke(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn, _ := initialized(t, h, sessions)

	resp := h.Handle(context.Background(), conn, request(t, "inv-1", MethodToolInvoke, map[string]any{
		"name":      "create_user",
		"arguments": map[string]any{"user_id": "u1", "name": "Alice"},
	}))
	if resp == nil || resp.Error != nil {
		t.Fatalf("invoke failed: %+v", resp)
	}

	var result struct {
		Content []Content      `json:"content"`
		Result  map[string]any `json:"result"`
		IsError bool           `json:"isError"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.IsError {
		t.Error("isError should be false on success")
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Errorf("unexpected content: %+v", result.Content)
	}
	if result.Result["user_id"] != "u1" {
		t.Errorf("unexpected tool result: %+v", result.Result)
	}

	// The consent notification must have been pushed before execution.
	select {
	case frame := <-conn.sent:
		var notif JSONRPCMessage
		if err := json.Unmarshal(frame, &notif); err != nil {
			t.Fatalf("failed to unmarshal notification: %v", err)
		}
		if notif.Method != "user.consent" {
			t.Errorf("got notification %q, want user.consent", notif.Method)
		}
		if notif.ID != "" {
			t.Error("notifications must not carry an id")
		}
	default:
		t.Fatal("expected a consent notification")
	}
}

func TestHandleToolInvokeMissingName(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn, _ := initialized(t, h, sessions)

	resp := h.Handle(context.Background(), conn, request(t, "1", MethodToolInvoke, map[string]any{
		"arguments": map[string]any{"user_id": "u1"},
	}))
	wantErrorCode(t, resp, CodeInvalidParams)
}

func TestHandleToolInvokeUnknownTool(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn, _ := initialized(t, h, sessions)

	resp := h.Handle(context.Background(), conn, request(t, "1", MethodToolInvoke, map[string]any{
		"name": "delete_everything",
	}))
	wantErrorCode(t, resp, CodeToolNotFound)
}

func TestHandleToolInvokeInvalidArguments(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn, _ := initialized(t, h, sessions)

	resp := h.Handle(context.Background(), conn, request(t, "1", MethodToolInvoke, map[string]any{
		"name":      "create_user",
		"arguments": map[string]any{"user_id": "u1"},
	}))
	wantErrorCode(t, resp, CodeToolNotFound)
}

func TestHandleToolInvokeExecutionError(t *testing.T) {
	h, sessions, registry := newTestHandler(t)
	if err := registry.Register("failing", "always fails", userSchema, func(context.Context, map[string]any, Reporter) (any, error) {
		return nil, fmt.Errorf("backend exploded")
	}); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	conn, _ := initialized(t, h, sessions)

	resp := h.Handle(context.Background(), conn, request(t, "1", MethodToolInvoke, map[string]any{
		"name":      "failing",
		"arguments": map[string]any{"user_id": "u1", "name": "Alice"},
	}))
	wantErrorCode(t, resp, CodeToolExecutionError)
}

func TestHandleToolInvokeConsentDeliveryFailure(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn, _ := initialized(t, h, sessions)
	conn.failSend = true

	resp := h.Handle(context.Background(), conn, request(t, "1", MethodToolInvoke, map[string]any{
		"name":      "create_user",
		"arguments": map[string]any{"user_id": "u1", "name": "Alice"},
	}))
	wantErrorCode(t, resp, CodeConsentRequired)
}

func TestHandleCancelUnknownRequest(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	conn, _ := initialized(t, h, sessions)

	resp := h.Handle(context.Background(), conn, request(t, "c1", MethodCancel, map[string]any{"requestId": "never-sent"}))
	if resp == nil || resp.Error != nil {
		t.Fatalf("cancel failed: %+v", resp)
	}

	var result struct {
		Cancelled bool   `json:"cancelled"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.Cancelled {
		t.Error("cancelling an unknown request should report cancelled false")
	}
	if result.RequestID != "never-sent" {
		t.Errorf("got request id %q, want never-sent", result.RequestID)
	}
}

func TestHandleCancelInFlightInvocation(t *testing.T) {
	h, sessions, registry := newTestHandler(t)

	started := make(chan struct{})
	if err := registry.Register("slow", "blocks until cancelled", userSchema, func(ctx context.Context, _ map[string]any, _ Reporter) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	conn, _ := initialized(t, h, sessions)

	responses := make(chan *JSONRPCMessage, 1)
	go func() {
		responses <- h.Handle(context.Background(), conn, request(t, "inv-slow", MethodToolInvoke, map[string]any{
			"name":      "slow",
			"arguments": map[string]any{"user_id": "u1", "name": "Alice"},
		}))
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	cancelResp := h.Handle(context.Background(), conn, request(t, "c1", MethodCancel, map[string]any{"requestId": "inv-slow"}))
	if cancelResp == nil || cancelResp.Error != nil {
		t.Fatalf("cancel failed: %+v", cancelResp)
	}
	var result struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := json.Unmarshal(cancelResp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !result.Cancelled {
		t.Error("cancel should report cancelled true for an in-flight request")
	}

	select {
	case resp := <-responses:
		wantErrorCode(t, resp, CodeToolExecutionError)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled invocation never returned")
	}
}

func TestReporterNotifications(t *testing.T) {
	h, sessions, registry := newTestHandler(t)

	if err := registry.Register("reporting", "emits progress and stream", userSchema, func(_ context.Context, _ map[string]any, rep Reporter) (any, error) {
		rep.Progress(0.5, "halfway")
		rep.Stream("chunk", false)
		rep.Stream("", true)
		return "done", nil
	}); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	conn, _ := initialized(t, h, sessions)

	resp := h.Handle(context.Background(), conn, request(t, "inv-1", MethodToolInvoke, map[string]any{
		"name":      "reporting",
		"arguments": map[string]any{"user_id": "u1", "name": "Alice"},
	}))
	if resp == nil || resp.Error != nil {
		t.Fatalf("invoke failed: %+v", resp)
	}

	var methods []string
	for len(conn.sent) > 0 {
		frame := <-conn.sent
		var notif JSONRPCMessage
		if err := json.Unmarshal(frame, &notif); err != nil {
			t.Fatalf("failed to unmarshal notification: %v", err)
		}
		methods = append(methods, notif.Method)
	}

	want := []string{"user.consent", "tool.progress", "stream", "stream"}
	if len(methods) != len(want) {
		t.Fatalf("got notifications %v, want %v", methods, want)
	}
	for i, m := range want {
		if methods[i] != m {
			t.Errorf("notification %d: got %q, want %q", i, methods[i], m)
		}
	}
}
