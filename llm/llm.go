// Package llm provides the text-generation backend consumed by chat-capable
// tools. The backend is an external collaborator of the protocol core: a
// real model and a canned-response substitute satisfy the identical
// contract, selected once at construction time.
package llm

import (
	"context"
	"iter"
)

// Generation defaults applied when a Request leaves the field zero.
const (
	DefaultMaxTokens   = 256
	DefaultTemperature = 0.7
)

// Request describes one generation call.
type Request struct {
	// Prompt is the full input text, including any conversation context the
	// caller already formatted in.
	Prompt string

	// MaxTokens caps the length of the generated response.
	MaxTokens int

	// Temperature controls sampling randomness.
	Temperature float64
}

func (r Request) withDefaults() Request {
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature == 0 {
		r.Temperature = DefaultTemperature
	}
	return r
}

// Backend generates text from prompts.
type Backend interface {
	// Initialize prepares the backend for generation. It is idempotent; only
	// the first call may block on model warmup.
	Initialize(ctx context.Context) error

	// Generate produces the complete response for one request.
	Generate(ctx context.Context, req Request) (string, error)

	// GenerateStream produces the response as a lazy, finite,
	// non-restartable sequence of text chunks. Iteration stops early when
	// the yield function returns false or ctx is cancelled; a generation
	// failure is yielded as the error of the final pair.
	GenerateStream(ctx context.Context, req Request) iter.Seq2[string, error]
}
