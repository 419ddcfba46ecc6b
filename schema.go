package mcpserve

import (
	"encoding/json"
	"fmt"
)

// MustString enforces string representation for fields the wire protocol
// allows to be either string or integer, such as request IDs. It converts
// automatically during JSON marshaling and unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 frame. It can be a request,
// a response, or a notification depending on which fields are populated:
//   - Request: JSONRPC, Method, ID, and optionally Params are set
//   - Notification: JSONRPC and Method are set (no ID)
//   - Response: JSONRPC, ID, and exactly one of Result or Error are set
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID correlates a request with its response. Empty means absent.
	ID MustString `json:"id,omitempty"`
	// Method contains the operation name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params carries the operation arguments as raw JSON.
	Params json.RawMessage `json:"params,omitempty"`
	// Result carries the success payload of a response.
	Result json.RawMessage `json:"result,omitempty"`
	// Error carries the failure payload of a response.
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError is the error object of a JSON-RPC 2.0 response.
type JSONRPCError struct {
	// Code identifies the error category. The values are fixed for
	// interoperability; see the Code constants.
	Code int `json:"code"`

	// Message is a short, single-sentence description.
	Message string `json:"message"`

	// Data carries optional unstructured detail.
	Data any `json:"data,omitempty"`
}

// Wire protocol constants.
const (
	// JSONRPCVersion is the JSON-RPC protocol version tag every frame must carry.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the protocol revision this server negotiates.
	ProtocolVersion = "2024-11-05"

	// MethodInitialize completes the session handshake.
	MethodInitialize = "mcp.initialize"
	// MethodPing is a liveness check, permitted in any session state.
	MethodPing = "mcp.ping"
	// MethodCancel cancels an in-flight operation by its request id.
	MethodCancel = "mcp.cancel"
	// MethodToolsList enumerates the registered tools.
	MethodToolsList = "tools.list"
	// MethodToolInvoke executes a named tool with validated arguments.
	MethodToolInvoke = "tool.invoke"

	methodUserConsent  = "user.consent"
	methodToolProgress = "tool.progress"
	methodStream       = "stream"
)

// Error codes. The standard JSON-RPC range plus the server-specific range;
// these must match exactly for interoperability.
const (
	CodeParseError            = -32700
	CodeInvalidRequest        = -32600
	CodeMethodNotFound        = -32601
	CodeInvalidParams         = -32602
	CodeInternalError         = -32603
	CodeToolNotFound          = -32000
	CodeToolExecutionError    = -32001
	CodeSessionNotInitialized = -32002
	CodeConsentRequired       = -32003
)

// Info identifies a server or client implementation.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolInfo describes one registered tool for capability discovery.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Content is a human-readable block inside a tool invocation result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Info           `json:"clientInfo"`
}

type serverCapabilities struct {
	Tools     bool `json:"tools"`
	Streaming bool `json:"streaming"`
	Progress  bool `json:"progress"`
	Consent   bool `json:"consent"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	SessionID       string             `json:"sessionId"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
}

type pingParams struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type pingResult struct {
	Pong      bool            `json:"pong"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type cancelParams struct {
	RequestID string `json:"requestId"`
}

type cancelResult struct {
	Cancelled bool   `json:"cancelled"`
	RequestID string `json:"requestId"`
}

type toolsListResult struct {
	Tools []ToolInfo `json:"tools"`
}

type toolInvokeParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolInvokeResult struct {
	Content []Content `json:"content"`
	Result  any       `json:"result"`
	IsError bool      `json:"isError"`
}

type consentParams struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Message   string         `json:"message"`
}

type progressParams struct {
	RequestID string  `json:"requestId"`
	Progress  float64 `json:"progress"`
	Message   string  `json:"message"`
}

type streamParams struct {
	RequestID string `json:"requestId"`
	Content   string `json:"content"`
	Done      bool   `json:"done"`
}

// MarshalJSON encodes the message in its wire shape. Responses always carry
// an id field, encoded as null when the originating request's id could not
// be determined; requests and notifications omit an empty id instead.
func (m JSONRPCMessage) MarshalJSON() ([]byte, error) {
	if m.Result != nil || m.Error != nil {
		var id *MustString
		if m.ID != "" {
			id = &m.ID
		}
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      *MustString     `json:"id"`
			Result  json.RawMessage `json:"result,omitempty"`
			Error   *JSONRPCError   `json:"error,omitempty"`
		}{
			JSONRPC: m.JSONRPC,
			ID:      id,
			Result:  m.Result,
			Error:   m.Error,
		})
	}

	type plain JSONRPCMessage
	return json.Marshal(plain(m))
}

// UnmarshalJSON decodes JSON data into MustString, accepting both string and
// numeric input.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON encodes MustString, always as a JSON string.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}
