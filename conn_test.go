package mcpserve

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// testConn is an in-process Conn. Inbound frames are pushed through the
// inbound channel; frames the server sends are collected on sent.
type testConn struct {
	id      string
	inbound chan []byte
	sent    chan []byte

	failSend bool

	closeOnce sync.Once
	done      chan struct{}
}

func newTestConn(id string) *testConn {
	return &testConn{
		id:      id,
		inbound: make(chan []byte, 10),
		sent:    make(chan []byte, 100),
		done:    make(chan struct{}),
	}
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Messages() iter.Seq[[]byte] {
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

func (c *testConn) Send(ctx context.Context, data []byte) error {
	if c.failSend {
		return fmt.Errorf("send failed")
	}
	select {
	case <-c.done:
		return fmt.Errorf("connection is closed")
	case <-ctx.Done():
		return ctx.Err()
	case c.sent <- data:
		return nil
	}
}

func (c *testConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// testTransport yields the connections pushed into conns until Shutdown.
type testTransport struct {
	conns chan Conn

	stopOnce sync.Once
	done     chan struct{}
	closed   chan struct{}
}

func newTestTransport() *testTransport {
	return &testTransport{
		conns:  make(chan Conn, 10),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (t *testTransport) Conns() iter.Seq[Conn] {
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

func (t *testTransport) Shutdown(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.done) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
	}
	return nil
}
