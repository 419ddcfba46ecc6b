package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	claudesdk "github.com/wagiedev/claude-agent-sdk-go"
)

// Claude is a Backend backed by the Claude CLI agent. Each Generate call
// runs a single-turn query; GenerateStream yields assistant text blocks as
// they arrive.
type Claude struct {
	model        string
	systemPrompt string
	logger       *slog.Logger

	mu    sync.Mutex
	ready bool
}

// ClaudeOption configures a Claude backend.
type ClaudeOption func(*Claude)

// WithModel selects the model the CLI should use.
func WithModel(model string) ClaudeOption {
	return func(c *Claude) {
		c.model = model
	}
}

// WithSystemPrompt sets a system prompt applied to every generation.
func WithSystemPrompt(prompt string) ClaudeOption {
	return func(c *Claude) {
		c.systemPrompt = prompt
	}
}

// WithClaudeLogger sets the logger for the backend.
func WithClaudeLogger(logger *slog.Logger) ClaudeOption {
	return func(c *Claude) {
		c.logger = logger.With(slog.String("component", "llm"))
	}
}

// NewClaude creates a Claude backend. Call Initialize before the first
// generation to absorb CLI startup latency.
func NewClaude(options ...ClaudeOption) *Claude {
	c := &Claude{logger: slog.Default()}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Initialize warms the backend up with a trivial single-turn query, retrying
// while the CLI comes up. Subsequent calls return immediately.
func (c *Claude) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return nil
	}

	c.logger.Info("warming up generation backend", slog.String("model", c.model))

	err := retry.Do(
		func() error {
			_, err := c.generate(ctx, Request{Prompt: "ok", MaxTokens: 8}.withDefaults())
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize backend: %w", err)
	}

	c.ready = true
	c.logger.Info("generation backend ready")
	return nil
}

// Generate produces the complete response for one request.
func (c *Claude) Generate(ctx context.Context, req Request) (string, error) {
	return c.generate(ctx, req.withDefaults())
}

func (c *Claude) generate(ctx context.Context, req Request) (string, error) {
	var b strings.Builder
	for msg, err := range claudesdk.Query(ctx, req.Prompt, c.queryOptions()...) {
		if err != nil {
			return "", fmt.Errorf("generation failed: %w", err)
		}
		appendAssistantText(&b, msg)
	}

	return strings.TrimSpace(b.String()), nil
}

// GenerateStream yields assistant text chunks as the CLI produces them.
func (c *Claude) GenerateStream(ctx context.Context, req Request) iter.Seq2[string, error] {
	req = req.withDefaults()
	return func(yield func(string, error) bool) {
		for msg, err := range claudesdk.Query(ctx, req.Prompt, c.queryOptions()...) {
			if err != nil {
				yield("", fmt.Errorf("generation failed: %w", err))
				return
			}

			am, ok := msg.(*claudesdk.AssistantMessage)
			if !ok {
				continue
			}
			for _, block := range am.Content {
				tb, ok := block.(*claudesdk.TextBlock)
				if !ok {
					continue
				}
				if !yield(tb.Text, nil) {
					return
				}
			}
		}
	}
}

func (c *Claude) queryOptions() []claudesdk.Option {
	opts := []claudesdk.Option{claudesdk.WithMaxTurns(1)}
	if c.model != "" {
		opts = append(opts, claudesdk.WithModel(c.model))
	}
	if c.systemPrompt != "" {
		opts = append(opts, claudesdk.WithSystemPrompt(c.systemPrompt))
	}
	return opts
}

func appendAssistantText(b *strings.Builder, msg claudesdk.Message) {
	am, ok := msg.(*claudesdk.AssistantMessage)
	if !ok {
		return
	}
	for _, block := range am.Content {
		if tb, ok := block.(*claudesdk.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
}
