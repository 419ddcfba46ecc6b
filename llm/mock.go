package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"
)

// Mock is a Backend substitute that produces canned responses without
// loading a model. It satisfies the same contract as the real backend, so
// the server and its tools behave identically under test.
type Mock struct {
	// ChunkDelay is the pause between streamed chunks, simulating generation
	// latency. Zero streams without delay.
	ChunkDelay time.Duration
}

// NewMock creates a Mock with a small streaming delay.
func NewMock() *Mock {
	return &Mock{ChunkDelay: 50 * time.Millisecond}
}

// Initialize is a no-op; the mock is always ready.
func (m *Mock) Initialize(context.Context) error { return nil }

// Generate returns a canned response echoing the prompt prefix.
func (m *Mock) Generate(_ context.Context, req Request) (string, error) {
	req = req.withDefaults()
	return fmt.Sprintf("Mock response to: %s...", truncate(req.Prompt, 50)), nil
}

// GenerateStream yields a fixed word sequence one chunk at a time.
func (m *Mock) GenerateStream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		words := []string{"Mock", "streaming", "response", "to", "your", "request"}
		for _, word := range words {
			if m.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				case <-time.After(m.ChunkDelay):
				}
			} else if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}

			if !yield(word+" ", nil) {
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
