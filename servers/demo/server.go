package demo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qforge/mcpserve"
	"github.com/qforge/mcpserve/intent"
	"github.com/qforge/mcpserve/llm"
)

// NewRegistry assembles the sample tool registry: the user-management tools
// backed by app and a chat tool backed by the generation backend.
func NewRegistry(app *App, backend llm.Backend, logger *slog.Logger) (*mcpserve.ToolRegistry, error) {
	reg := mcpserve.NewToolRegistry(logger)

	err := reg.Register(
		"create_user",
		"Create a new user in the system with a unique ID and name",
		createUserSchema,
		createUserHandler(app),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register create_user: %w", err)
	}

	err = reg.Register(
		"get_user",
		"Retrieve user information by user ID",
		getUserSchema,
		getUserHandler(app),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register get_user: %w", err)
	}

	err = reg.Register(
		"chat",
		"Chat with the assistant; user-management commands found in the message are executed first",
		chatSchema,
		chatHandler(app, backend, logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register chat: %w", err)
	}

	return reg, nil
}

func createUserHandler(app *App) mcpserve.ToolHandler {
	return func(_ context.Context, args map[string]any, _ mcpserve.Reporter) (any, error) {
		userID, _ := args["user_id"].(string)
		name, _ := args["name"].(string)

		return app.CreateUser(userID, name), nil
	}
}

func getUserHandler(app *App) mcpserve.ToolHandler {
	return func(_ context.Context, args map[string]any, _ mcpserve.Reporter) (any, error) {
		userID, _ := args["user_id"].(string)

		user, ok := app.GetUser(userID)
		if !ok {
			// Absence is part of the tool's contract, not a failure.
			return map[string]any{"error": "User not found"}, nil
		}
		return user, nil
	}
}

func chatHandler(app *App, backend llm.Backend, logger *slog.Logger) mcpserve.ToolHandler {
	if logger == nil {
		logger = slog.Default()
	}
	detector := intent.NewDetector()

	return func(ctx context.Context, args map[string]any, rep mcpserve.Reporter) (any, error) {
		message, _ := args["message"].(string)
		maxTokens, _ := args["maxTokens"].(float64)
		temperature, _ := args["temperature"].(float64)
		stream, _ := args["stream"].(bool)

		calls := detector.Detect(message)
		toolCalls := make([]map[string]any, 0, len(calls))
		for i, call := range calls {
			rep.Progress(float64(i)/float64(len(calls)+1), fmt.Sprintf("executing %s", call.Tool))
			toolCalls = append(toolCalls, executeCall(app, call))
		}

		req := llm.Request{
			Prompt:      buildPrompt(message, toolCalls),
			MaxTokens:   int(maxTokens),
			Temperature: temperature,
		}

		var reply string
		if stream {
			var b strings.Builder
			for chunk, err := range backend.GenerateStream(ctx, req) {
				if err != nil {
					return nil, fmt.Errorf("streaming generation failed: %w", err)
				}
				b.WriteString(chunk)
				rep.Stream(chunk, false)
			}
			rep.Stream("", true)
			reply = strings.TrimSpace(b.String())
		} else {
			var err error
			reply, err = backend.Generate(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("generation failed: %w", err)
			}
		}

		rep.Progress(1, "completed")
		logger.Info("chat turn completed",
			slog.Int("toolCalls", len(toolCalls)),
			slog.Bool("stream", stream))

		return map[string]any{
			"reply":     reply,
			"toolCalls": toolCalls,
		}, nil
	}
}

func executeCall(app *App, call intent.Call) map[string]any {
	switch call.Tool {
	case "create_user":
		userID, _ := call.Arguments["user_id"].(string)
		name, _ := call.Arguments["name"].(string)
		return map[string]any{
			"tool":    call.Tool,
			"result":  app.CreateUser(userID, name),
			"isError": false,
		}
	case "get_user":
		userID, _ := call.Arguments["user_id"].(string)
		user, ok := app.GetUser(userID)
		if !ok {
			return map[string]any{
				"tool":    call.Tool,
				"error":   "User not found",
				"isError": true,
			}
		}
		return map[string]any{
			"tool":    call.Tool,
			"result":  user,
			"isError": false,
		}
	default:
		return map[string]any{
			"tool":    call.Tool,
			"error":   "unknown tool",
			"isError": true,
		}
	}
}

func buildPrompt(message string, toolCalls []map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User: %s\n", message)

	if len(toolCalls) > 0 {
		b.WriteString("\nFunction execution results:\n")
		for _, call := range toolCalls {
			isError, _ := call["isError"].(bool)
			if isError {
				fmt.Fprintf(&b, "- Error in %v: %v\n", call["tool"], call["error"])
			} else {
				fmt.Fprintf(&b, "- %v executed successfully\n", call["tool"])
			}
		}
	}

	b.WriteString("\nAssistant: ")
	return b.String()
}
