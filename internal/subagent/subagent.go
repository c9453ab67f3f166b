// Package subagent implements the sub_agent_executor tool: a self-contained
// sub-task is handed to a single model call with an expert prompt and the
// answer comes back as the tool result.
package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/react-agent/internal/events"
	"github.com/nugget/react-agent/internal/llm"
	"github.com/nugget/react-agent/internal/prompts"
	"github.com/nugget/react-agent/internal/tools"
	"github.com/nugget/react-agent/internal/usage"
)

// ToolName is the name the model uses to delegate a sub-task.
const ToolName = "sub_agent_executor"

// Result is the outcome of one sub-agent call.
type Result struct {
	ID           string        `json:"id"`
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
}

// UsageRecorder receives one record per sub-agent model call.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Executor runs sub-tasks against a model. It is safe for concurrent use.
type Executor struct {
	client   llm.Client
	model    string
	provider string
	logger   *slog.Logger
	bus      *events.Bus
	usage    UsageRecorder
}

// Option configures an Executor.
type Option func(*Executor)

// WithEventBus publishes spawn and complete events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithUsageRecorder records each sub-agent call in the usage ledger.
func WithUsageRecorder(r UsageRecorder, provider string) Option {
	return func(e *Executor) {
		e.usage = r
		e.provider = provider
	}
}

// NewExecutor creates an executor that calls model through client.
func NewExecutor(client llm.Client, model string, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		client: client,
		model:  model,
		logger: logger.With("component", "subagent"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute sends task to the model with no tools and no conversation
// history. An empty answer is an error so the caller's model sees the
// failure instead of an empty result.
func (e *Executor) Execute(ctx context.Context, task string) (*Result, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, fmt.Errorf("sub-task description is required")
	}

	id, _ := uuid.NewV7()
	sid := tools.SessionIDFromContext(ctx)

	e.logger.Info("sub-agent started", "subagent_id", id.String(), "session_id", sid, "model", e.model, "task_len", len(task))
	e.bus.Emit(events.SourceSubAgent, events.KindSpawn, map[string]any{
		"subagent_id": id.String(),
		"session_id":  sid,
		"task_len":    len(task),
		"model":       e.model,
	})

	start := time.Now()
	resp, err := e.client.Chat(ctx, e.model, []llm.Message{
		{Role: llm.RoleUser, Content: prompts.SubAgentPrompt(task)},
	}, nil)
	elapsed := time.Since(start)

	res := &Result{ID: id.String(), Model: e.model, Duration: elapsed}
	status := "STOP"
	switch {
	case err != nil:
		status = "ERROR"
	case resp == nil:
		status = "ERROR"
		err = fmt.Errorf("sub-agent returned no response")
	case strings.TrimSpace(resp.Message.Content) == "":
		status = "EMPTY"
		err = fmt.Errorf("sub-agent returned no content")
	}
	if resp != nil {
		if resp.Model != "" {
			res.Model = resp.Model
		}
		res.Content = resp.Message.Content
		res.InputTokens = resp.InputTokens
		res.OutputTokens = resp.OutputTokens
	}

	e.record(ctx, res, sid, status)
	e.bus.Emit(events.SourceSubAgent, events.KindComplete, map[string]any{
		"subagent_id": res.ID,
		"session_id":  sid,
		"status":      status,
		"tokens_in":   res.InputTokens,
		"tokens_out":  res.OutputTokens,
		"duration_ms": elapsed.Milliseconds(),
	})

	if err != nil {
		e.logger.Warn("sub-agent failed", "subagent_id", res.ID, "error", err, "elapsed", elapsed.Round(time.Millisecond))
		return nil, fmt.Errorf("sub-agent: %w", err)
	}
	e.logger.Info("sub-agent completed",
		"subagent_id", res.ID,
		"model", res.Model,
		"tokens_in", res.InputTokens,
		"tokens_out", res.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return res, nil
}

func (e *Executor) record(ctx context.Context, res *Result, sessionID, status string) {
	if e.usage == nil {
		return
	}
	rec := usage.Record{
		RequestID:    res.ID,
		SessionID:    sessionID,
		Model:        res.Model,
		Provider:     e.provider,
		Status:       status,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Duration:     res.Duration,
	}
	// The ledger write outlives a cancelled tool call.
	if err := e.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("usage record failed", "error", err)
	}
}

// NewTool wraps exec as the sub_agent_executor tool.
func NewTool(exec *Executor) *tools.Tool {
	return &tools.Tool{
		Name:        ToolName,
		Description: prompts.SubAgentToolDescription,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sub_task_description": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "Complete, self-contained description of the sub-task.",
				},
			},
			"required": []string{"sub_task_description"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			task, _ := args["sub_task_description"].(string)
			res, err := exec.Execute(ctx, task)
			if err != nil {
				return "", err
			}
			return prompts.SubAgentResult(task, res.Content), nil
		},
	}
}
