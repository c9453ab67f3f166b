package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/react-agent/internal/conversation"
	"github.com/nugget/react-agent/internal/llm"
	"github.com/nugget/react-agent/internal/prompts"
	"github.com/nugget/react-agent/internal/tools"
)

// Turn is one classified model response. Message is the assistant turn
// as it would be committed; Status repeats Message.Status for callers
// that only care about the classification.
type Turn struct {
	Message      conversation.Message
	Status       conversation.CompletionStatus
	Model        string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	// Err is the underlying failure for StatusError turns.
	Err error
}

// ModelInvoker performs one model call over the given history. It never
// fails: transport and provider errors come back as a StatusError turn.
type ModelInvoker interface {
	Invoke(ctx context.Context, history []conversation.Message, sideChannel map[string]any, defs []tools.Definition) Turn
}

// LLMInvoker implements ModelInvoker over an llm.Client.
type LLMInvoker struct {
	client   llm.Client
	model    string
	provider string
	logger   *slog.Logger
}

// NewLLMInvoker creates an invoker that calls model through client.
// provider is recorded on usage rows only.
func NewLLMInvoker(client llm.Client, model, provider string, logger *slog.Logger) *LLMInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMInvoker{
		client:   client,
		model:    model,
		provider: provider,
		logger:   logger.With("component", "invoker"),
	}
}

// Model returns the configured model name.
func (inv *LLMInvoker) Model() string { return inv.model }

// Provider returns the configured provider name.
func (inv *LLMInvoker) Provider() string { return inv.provider }

// Invoke renders the system directive from sideChannel, prepends it to
// history and classifies the model's reply. history is not modified.
func (inv *LLMInvoker) Invoke(ctx context.Context, history []conversation.Message, sideChannel map[string]any, defs []tools.Definition) Turn {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: prompts.RenderSystemDirective(sideChannel)})
	msgs = append(msgs, toLLMMessages(history)...)

	start := time.Now()
	resp, err := inv.client.Chat(ctx, inv.model, msgs, toLLMTools(defs))
	if err != nil {
		inv.logger.Warn("model call failed", "model", inv.model, "error", err)
		return errorTurn(inv.model, err, time.Since(start))
	}

	turn := Classify(resp)
	if turn.Model == "" {
		turn.Model = inv.model
	}
	if turn.Duration == 0 {
		turn.Duration = time.Since(start)
	}
	return turn
}

// Classify maps a provider response onto a completion status. The first
// matching rule wins: a length, content-filter or "null" stop is
// TRUNCATED even when tool calls or text are present; any tool call is
// TOOL_REQUEST; blank text is EMPTY; everything else is STOP. A missing
// finish reason is not "null" and falls through to the later rules.
func Classify(resp *llm.ChatResponse) Turn {
	text := resp.Message.Content
	calls := fromLLMToolCalls(resp.Message.ToolCalls)

	var status conversation.CompletionStatus
	switch {
	case resp.FinishReason == llm.FinishLength,
		resp.FinishReason == llm.FinishContentFilter,
		resp.FinishReason == llm.FinishNull:
		status = conversation.StatusTruncated
	case len(calls) > 0:
		status = conversation.StatusToolRequest
	case strings.TrimSpace(text) == "":
		status = conversation.StatusEmpty
	default:
		status = conversation.StatusStop
	}

	return Turn{
		Message:      conversation.NewAssistantMessage(text, calls, status),
		Status:       status,
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Duration:     resp.Duration,
	}
}

func errorTurn(model string, err error, d time.Duration) Turn {
	return Turn{
		Message:  conversation.NewAssistantMessage(prompts.ModelFailureText(err), nil, conversation.StatusError),
		Status:   conversation.StatusError,
		Model:    model,
		Duration: d,
		Err:      err,
	}
}

func toLLMMessages(history []conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Kind {
		case conversation.KindUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Text})
		case conversation.KindAssistant:
			msg := llm.Message{Role: llm.RoleAssistant, Content: m.Text}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
					ID:       tc.ID,
					Function: llm.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			out = append(out, msg)
		case conversation.KindTool:
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    m.Text,
				ToolCallID: m.ToolCallID,
				Name:       m.Name,
			})
		}
	}
	return out
}

func fromLLMToolCalls(calls []llm.ToolCall) []conversation.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]conversation.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, conversation.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

func toLLMTools(defs []tools.Definition) []llm.ToolDefinition {
	if len(defs) == 0 {
		return nil
	}
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}
