package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func echoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Echo the input back.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string"},
				"times": map[string]any{"type": "integer", "minimum": 1},
			},
			"required": []string{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			text := args["text"].(string)
			n := 1
			if f, ok := args["times"].(float64); ok {
				n = int(f)
			}
			return strings.Repeat(text, n), nil
		},
	}
}

func TestRegister_Validation(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := r.Register(echoTool()); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register(&Tool{Name: "nohandler"}); err == nil {
		t.Error("tool without handler should fail")
	}
	bad := echoTool()
	bad.Name = "bad_schema"
	bad.Parameters = map[string]any{"type": 42}
	if err := r.Register(bad); err == nil {
		t.Error("malformed schema should fail")
	}
}

func TestListAndNames_Sorted(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		tool := echoTool()
		tool.Name = name
		r.MustRegister(tool)
	}

	names := r.Names()
	if strings.Join(names, ",") != "alpha,mid,zeta" {
		t.Errorf("Names() = %v", names)
	}
	defs := r.List()
	if len(defs) != 3 || defs[0].Name != "alpha" {
		t.Errorf("List() = %+v", defs)
	}
	if defs[0].Parameters["type"] != "object" {
		t.Error("definition should carry the input schema")
	}
}

func TestInvoke(t *testing.T) {
	r := NewRegistry(nil)
	r.MustRegister(echoTool())
	r.MustRegister(&Tool{
		Name:    "broken",
		Handler: func(context.Context, map[string]any) (string, error) { return "", errors.New("backend down") },
	})
	r.MustRegister(&Tool{
		Name:    "panicky",
		Handler: func(context.Context, map[string]any) (string, error) { panic("boom") },
	})

	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		want     string
		wantKind ErrorKind
	}{
		{"ok", "echo", map[string]any{"text": "ab", "times": float64(2)}, "abab", 0},
		{"missing required", "echo", map[string]any{}, "", ErrInvalidArguments},
		{"wrong type", "echo", map[string]any{"text": 7}, "", ErrInvalidArguments},
		{"below minimum", "echo", map[string]any{"text": "a", "times": float64(0)}, "", ErrInvalidArguments},
		{"unknown tool", "nope", nil, "", ErrUnavailable},
		{"handler error", "broken", nil, "", ErrExecutionFailure},
		{"handler panic", "panicky", nil, "", ErrExecutionFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Invoke(context.Background(), tt.tool, tt.args)
			if tt.wantKind == 0 {
				if err != nil {
					t.Fatalf("Invoke() error: %v", err)
				}
				if got != tt.want {
					t.Errorf("Invoke() = %q, want %q", got, tt.want)
				}
				return
			}
			var te *ToolError
			if !errors.As(err, &te) {
				t.Fatalf("Invoke() error = %v, want *ToolError", err)
			}
			if te.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", te.Kind, tt.wantKind)
			}
		})
	}
}

func TestInvoke_Concurrent(t *testing.T) {
	r := NewRegistry(nil)
	r.MustRegister(echoTool())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Invoke(context.Background(), "echo", map[string]any{"text": "x"}); err != nil {
				t.Errorf("Invoke() error: %v", err)
			}
		}()
	}
	wg.Wait()
}
