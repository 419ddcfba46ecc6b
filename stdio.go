package mcpserve

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements ServerTransport over an io.Reader/io.Writer pair, with
// one newline-delimited frame per line. It yields exactly one connection
// which stays open until the reader is exhausted or the transport is shut
// down. Intended for stdin/stdout but works with any stream pair, which the
// tests rely on.
type StdIO struct {
	conn   *stdIOConn
	closed chan struct{}
}

// NewStdIO creates a StdIO transport reading frames from reader and writing
// them to writer.
func NewStdIO(reader io.Reader, writer io.Writer) *StdIO {
	return &StdIO{
		conn: &stdIOConn{
			id:          uuid.New().String(),
			reader:      reader,
			writer:      writer,
			logger:      slog.Default(),
			outbound:    make(chan stdIOFrame),
			done:        make(chan struct{}),
			readClosed:  make(chan struct{}),
			writeClosed: make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
}

// Conns yields the single connection and blocks until it is closed.
func (s *StdIO) Conns() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		defer close(s.closed)

		go s.conn.writePump()

		yield(s.conn)
		<-s.conn.done
	}
}

// Shutdown closes the connection and waits for the Conns loop to finish.
func (s *StdIO) Shutdown(ctx context.Context) error {
	_ = s.conn.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

type stdIOConn struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	outbound chan stdIOFrame

	closeOnce   sync.Once
	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}
}

type stdIOFrame struct {
	data []byte
	errs chan error
}

func (c *stdIOConn) ID() string { return c.id }

func (c *stdIOConn) Send(ctx context.Context, data []byte) error {
	// Newline keeps the frame boundary.
	framed := make([]byte, 0, len(data)+1)
	framed = append(framed, data...)
	framed = append(framed, '\n')

	frame := stdIOFrame{
		data: framed,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection is closed")
	case c.outbound <- frame:
	}

	select {
	case err := <-frame.errs:
		if err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection is closed")
	}
}

func (c *stdIOConn) Messages() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		defer close(c.readClosed)

		// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(c.reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr, 1)

			// Read on a goroutine so the loop can still observe done while a
			// slow reader blocks.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil {
					lines <- lineWithErr{err: err}
					return
				}
				lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
			}()

			var lwe lineWithErr
			select {
			case <-c.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					c.logger.Error("failed to read frame", "err", lwe.err)
				}
				return
			}

			if lwe.line == "" {
				continue
			}

			if !yield([]byte(lwe.line)) {
				return
			}
		}
	}
}

func (c *stdIOConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *stdIOConn) writePump() {
	defer close(c.writeClosed)

	for {
		var frame stdIOFrame
		select {
		case <-c.done:
			return
		case frame = <-c.outbound:
		}

		_, err := c.writer.Write(frame.data)

		frame.errs <- err
	}
}
