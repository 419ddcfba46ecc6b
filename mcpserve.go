package mcpserve

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer. Implementations
// accept client connections and surface them through the Conns iterator.
type ServerTransport interface {
	// Conns returns an iterator that yields new client connections as they are
	// accepted. Each yielded Conn represents one client and carries its frames
	// in arrival order. The implementation must exit the iteration when
	// Shutdown is called.
	Conns() iter.Seq[Conn]

	// Shutdown stops accepting new connections and releases transport
	// resources. The caller is guaranteed to call this method only once;
	// connections already yielded are closed by their owners, not here.
	Shutdown(ctx context.Context) error
}

// Conn is a single client connection. Frames are opaque bytes at this level;
// decoding them, including rejecting unparseable payloads, is the protocol
// layer's job.
type Conn interface {
	// ID returns the transport-level identifier for this connection, used for
	// logging. It is distinct from the session ID assigned by SessionManager.
	ID() string

	// Messages returns an iterator over inbound frames in arrival order. The
	// iteration ends when the connection is closed by either side.
	Messages() iter.Seq[[]byte]

	// Send transmits one frame to the client.
	Send(ctx context.Context, data []byte) error

	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// Reporter pushes asynchronous notifications for one in-flight tool
// invocation. Implementations must never fail the invocation because a
// notification could not be delivered; send failures are logged and dropped.
type Reporter interface {
	// Progress reports fractional completion of the invocation.
	Progress(progress float64, message string)

	// Stream delivers one chunk of incrementally produced output. The chunk
	// with done set is the last one.
	Stream(content string, done bool)
}

type nopReporter struct{}

func (nopReporter) Progress(float64, string) {}
func (nopReporter) Stream(string, bool)      {}

// NopReporter returns a Reporter that discards everything. Useful when
// invoking tools outside a protocol session, for example in tests.
func NopReporter() Reporter { return nopReporter{} }
