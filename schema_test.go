package mcpserve

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMustStringUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    MustString
		wantErr bool
	}{
		{name: "String", input: `"abc-123"`, want: "abc-123"},
		{name: "Number", input: `42`, want: "42"},
		{name: "Boolean", input: `true`, wantErr: true},
		{name: "Object", input: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m MustString
			err := json.Unmarshal([]byte(tt.input), &m)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", m)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m != tt.want {
				t.Errorf("got %q, want %q", m, tt.want)
			}
		})
	}
}

func TestJSONRPCMessageMarshalResponse(t *testing.T) {
	resp := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      "req-1",
		Result:  json.RawMessage(`{"ok":true}`),
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}
	if !strings.Contains(string(data), `"id":"req-1"`) {
		t.Errorf("response should carry its id, got %s", data)
	}
}

func TestJSONRPCMessageMarshalNullID(t *testing.T) {
	resp := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Error:   &JSONRPCError{Code: CodeParseError, Message: "Parse error"},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}
	if !strings.Contains(string(data), `"id":null`) {
		t.Errorf("error response with unknown request id should carry a null id, got %s", data)
	}
}

func TestJSONRPCMessageMarshalRequestOmitsEmptyID(t *testing.T) {
	notif := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodPing,
	}

	data, err := json.Marshal(notif)
	if err != nil {
		t.Fatalf("failed to marshal notification: %v", err)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("notification should omit the id field, got %s", data)
	}
}

func TestJSONRPCMessageRoundTripNumericID(t *testing.T) {
	var msg JSONRPCMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"method":"mcp.ping"}`), &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	if msg.ID != "7" {
		t.Errorf("numeric id should normalize to string, got %q", msg.ID)
	}
}
