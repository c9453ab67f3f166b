// Package tools defines the tool registry the agent loop dispatches to.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Handler executes a tool with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Definition is the model-facing view of a tool: its name, description
// and JSON Schema input.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type entry struct {
	tool   *Tool
	schema *gojsonschema.Schema
}

// Registry holds available tools. Registration normally happens once at
// startup; Invoke is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*entry),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. The parameter schema is compiled up front so a
// malformed schema fails at startup rather than on first call.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: handler is required", t.Name)
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Parameters))
	if err != nil {
		return fmt.Errorf("register tool %q: compile schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %q: already registered", t.Name)
	}
	r.tools[t.Name] = &entry{tool: t, schema: schema}
	return nil
}

// MustRegister is Register for tools whose schema is a compile-time
// constant; it panics on error.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[name]; ok {
		return e.tool
	}
	return nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the definitions of all tools, sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, Definition{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			Parameters:  e.tool.Parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke validates args against the tool's schema and runs it. Every
// failure is a *ToolError so callers can render it as tool output.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result string, err error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", &ToolError{Kind: ErrUnavailable, Tool: name, Err: fmt.Errorf("tool %q is not registered", name)}
	}

	if args == nil {
		args = map[string]any{}
	}
	if verr := validate(e.schema, args); verr != nil {
		return "", &ToolError{Kind: ErrInvalidArguments, Tool: name, Err: verr}
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			result = ""
			err = &ToolError{Kind: ErrExecutionFailure, Tool: name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	result, herr := e.tool.Handler(ctx, args)
	r.logger.Debug("tool executed",
		"tool", name,
		"duration", time.Since(start),
		"ok", herr == nil,
	)
	if herr != nil {
		return "", &ToolError{Kind: ErrExecutionFailure, Tool: name, Err: herr}
	}
	return result, nil
}

func validate(schema *gojsonschema.Schema, args map[string]any) error {
	res, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("validate arguments: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, len(res.Errors()))
	for i, e := range res.Errors() {
		msgs[i] = e.String()
	}
	return fmt.Errorf("%v", msgs)
}
