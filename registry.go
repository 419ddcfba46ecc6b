package mcpserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/qri-io/jsonschema"
)

// ToolHandler executes one tool invocation. Arguments have already been
// validated against the tool's input schema when the handler runs. The
// Reporter can be used to push progress and stream notifications to the
// invoking client; it is never nil.
type ToolHandler func(ctx context.Context, args map[string]any, rep Reporter) (any, error)

// ErrToolNotFound is returned when an operation names an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// SchemaError reports a structurally invalid input schema at registration
// time. A tool with a malformed schema never enters the registry.
type SchemaError struct {
	Tool string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid schema for tool %q: %v", e.Tool, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ValidationError reports arguments that failed validation against a tool's
// input schema. It is distinct from ExecutionError so callers can tell bad
// input apart from a broken tool.
type ValidationError struct {
	Tool   string
	Causes []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, strings.Join(e.Causes, ", "))
}

// ExecutionError reports a failure raised by a tool handler, carrying the
// original cause.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q execution failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type tool struct {
	name        string
	description string
	inputSchema json.RawMessage
	schema      *jsonschema.Schema
	handler     ToolHandler
}

// ToolRegistry owns the set of invocable tools and their input schemas.
// Tools are registered once at startup; the registry is read-mostly
// thereafter and safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*tool
	order []string

	logger *slog.Logger
}

// NewToolRegistry creates an empty ToolRegistry. A nil logger falls back to
// slog.Default.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:  make(map[string]*tool),
		logger: logger.With(slog.String("component", "registry")),
	}
}

// Register adds a tool to the registry. The input schema document is checked
// for structural validity here, never at invocation time; a malformed schema
// fails registration with a SchemaError. Registering a name that already
// exists silently overwrites the previous tool, keeping its position in the
// List enumeration.
func (r *ToolRegistry) Register(name, description string, inputSchema json.RawMessage, handler ToolHandler) error {
	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(inputSchema, schema); err != nil {
		r.logger.Error("rejected tool registration",
			slog.String("tool", name),
			slog.String("err", err.Error()))
		return &SchemaError{Tool: name, Err: err}
	}

	r.mu.Lock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = &tool{
		name:        name,
		description: description,
		inputSchema: inputSchema,
		schema:      schema,
		handler:     handler,
	}
	r.mu.Unlock()

	r.logger.Info("registered tool", slog.String("tool", name))
	return nil
}

// List enumerates the registered tools in registration order, for capability
// discovery. The enumeration is stable across calls.
func (r *ToolRegistry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		infos = append(infos, ToolInfo{
			Name:        t.name,
			Description: t.description,
			InputSchema: t.inputSchema,
		})
	}
	return infos
}

// ValidateArgs checks args against the named tool's input schema. It returns
// ErrToolNotFound for an unregistered name and a ValidationError when the
// arguments do not satisfy the schema.
func (r *ToolRegistry) ValidateArgs(ctx context.Context, name string, args map[string]any) error {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	if args == nil {
		args = map[string]any{}
	}

	vs := t.schema.Validate(ctx, args)
	errs := *vs.Errs
	if len(errs) > 0 {
		causes := make([]string, 0, len(errs))
		for _, err := range errs {
			causes = append(causes, err.Message)
		}
		return &ValidationError{Tool: name, Causes: causes}
	}

	return nil
}

// Invoke validates args and executes the named tool. Validation is not
// skippable: the registry re-validates even if the caller already did, as it
// is the single source of truth for the tool contract. Any error or panic
// raised by the handler is converted to an ExecutionError carrying the
// original cause.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]any, rep Reporter) (result any, err error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	if err := r.ValidateArgs(ctx, name, args); err != nil {
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}
	if rep == nil {
		rep = NopReporter()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked",
				slog.String("tool", name),
				slog.Any("panic", rec))
			result = nil
			err = &ExecutionError{Tool: name, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	res, err := t.handler(ctx, args, rep)
	if err != nil {
		r.logger.Error("tool execution failed",
			slog.String("tool", name),
			slog.String("err", err.Error()))
		return nil, &ExecutionError{Tool: name, Err: err}
	}

	return res, nil
}
