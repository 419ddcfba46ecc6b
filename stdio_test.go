package mcpserve

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStdIOFraming(t *testing.T) {
	input := strings.NewReader("{\"jsonrpc\":\"2.0\",\"method\":\"mcp.ping\"}\n\n{\"second\":true}\n")
	var output strings.Builder

	transport := NewStdIO(input, &output)

	var conn Conn
	go func() {
		for c := range transport.Conns() {
			conn = c
		}
	}()

	deadline := time.After(5 * time.Second)
	for conn == nil {
		select {
		case <-deadline:
			t.Fatal("transport never yielded a connection")
		case <-time.After(5 * time.Millisecond):
		}
	}

	var frames [][]byte
	for frame := range conn.Messages() {
		frames = append(frames, frame)
	}

	// The blank line is skipped; the other two lines arrive in order.
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !strings.Contains(string(frames[0]), "mcp.ping") {
		t.Errorf("unexpected first frame: %s", frames[0])
	}

	if err := conn.Send(context.Background(), []byte(`{"pong":true}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got := output.String(); got != "{\"pong\":true}\n" {
		t.Errorf("got output %q, want newline-terminated frame", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestStdIOServesProtocol(t *testing.T) {
	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	transport := NewStdIO(serverReader, serverWriter)

	registry := NewToolRegistry(nil)
	srv := NewServer(Info{Name: "test-server", Version: "0.0.1"}, transport, registry)
	go srv.Serve()

	go func() {
		_, _ = clientWriter.Write(append(request(t, "init-1", MethodInitialize, nil), '\n'))
	}()

	lines := bufio.NewReader(clientReader)
	line, err := lines.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}

	var resp JSONRPCMessage
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.ID != "init-1" || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
