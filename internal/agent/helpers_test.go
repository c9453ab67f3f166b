package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/nugget/react-agent/internal/conversation"
	"github.com/nugget/react-agent/internal/tools"
)

// scriptedInvoker returns canned turns in order and records what each
// call saw. Once the script runs out it answers STOP "done".
type scriptedInvoker struct {
	mu        sync.Mutex
	turns     []Turn
	histories [][]conversation.Message
	sides     []map[string]any
	defs      [][]tools.Definition
	// block, when set, makes Invoke wait for ctx before answering.
	block bool
}

func (s *scriptedInvoker) Invoke(ctx context.Context, history []conversation.Message, sc map[string]any, defs []tools.Definition) Turn {
	s.mu.Lock()
	s.histories = append(s.histories, history)
	s.sides = append(s.sides, sc)
	s.defs = append(s.defs, defs)
	var t Turn
	if len(s.turns) > 0 {
		t = s.turns[0]
		s.turns = s.turns[1:]
	} else {
		t = stopTurn("done")
	}
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return errorTurnFor(ctx.Err())
	}
	return t
}

func (s *scriptedInvoker) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.histories)
}

func turnOf(text string, status conversation.CompletionStatus, calls ...conversation.ToolCall) Turn {
	return Turn{
		Message:      conversation.NewAssistantMessage(text, calls, status),
		Status:       status,
		Model:        "test-model",
		InputTokens:  10,
		OutputTokens: 2,
	}
}

func stopTurn(text string) Turn { return turnOf(text, conversation.StatusStop) }

func emptyTurn() Turn { return turnOf("", conversation.StatusEmpty) }

func truncatedTurn(calls ...conversation.ToolCall) Turn {
	return turnOf("partial answ", conversation.StatusTruncated, calls...)
}

func toolTurn(calls ...conversation.ToolCall) Turn {
	return turnOf("", conversation.StatusToolRequest, calls...)
}

func errorTurnFor(err error) Turn {
	return errorTurn("test-model", err, 0)
}

func call(id, name string, args map[string]any) conversation.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return conversation.ToolCall{ID: id, Name: name, Arguments: args}
}

// testRegistry registers an "echo" tool that returns its "text" argument.
func testRegistry(t *testing.T, extra ...*tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil)
	r.MustRegister(&tools.Tool{
		Name:        "echo",
		Description: "Echo text.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	})
	for _, tool := range extra {
		r.MustRegister(tool)
	}
	return r
}

func newState(userText string) *conversation.State {
	st := conversation.New()
	st.AppendUser(userText)
	return st
}

func mustValidate(t *testing.T, st *conversation.State) {
	t.Helper()
	if err := st.Validate(); err != nil {
		t.Fatalf("conversation log invalid: %v", err)
	}
}
