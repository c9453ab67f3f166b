// Package agent implements the ReAct control loop: call the model, run
// the tools it asks for, feed the results back, and stop on a final
// answer. Degenerate model turns are retried a bounded number of times.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/react-agent/internal/conversation"
	"github.com/nugget/react-agent/internal/events"
	"github.com/nugget/react-agent/internal/llm"
	"github.com/nugget/react-agent/internal/prompts"
	"github.com/nugget/react-agent/internal/tools"
	"github.com/nugget/react-agent/internal/usage"
)

// Defaults for Loop options.
const (
	DefaultMaxRetries      = 3
	DefaultMaxIterations   = 25
	DefaultToolConcurrency = 4
)

// State is a position in the control loop.
type State int

const (
	StateRunning State = iota
	StateAwaitingModel
	StateAwaitingTools
	StateRetrying
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateAwaitingModel:
		return "AWAITING_MODEL"
	case StateAwaitingTools:
		return "AWAITING_TOOLS"
	case StateRetrying:
		return "RETRYING"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result summarises one Run.
type Result struct {
	RequestID string `json:"request_id"`
	// Messages are the messages committed by this run, in order. The
	// user message that started the run is not included.
	Messages     []conversation.Message        `json:"messages"`
	Iterations   int                           `json:"iterations"`
	Retries      int                           `json:"retries"`
	FinalStatus  conversation.CompletionStatus `json:"final_status"`
	InputTokens  int                           `json:"input_tokens"`
	OutputTokens int                           `json:"output_tokens"`
	Elapsed      time.Duration                 `json:"elapsed"`
}

// UsageRecorder receives one record per model call.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Loop drives a conversation from a fresh user message to a terminal
// assistant turn. A Loop is shared by all sessions; it holds no
// per-conversation state.
type Loop struct {
	logger   *slog.Logger
	invoker  ModelInvoker
	registry *tools.Registry
	defs     []tools.Definition

	maxRetries      int
	maxIterations   int
	toolConcurrency int
	toolTimeout     time.Duration

	bus   *events.Bus
	usage UsageRecorder
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxRetries sets how many consecutive degenerate turns are
// discarded before one is accepted as final. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(l *Loop) {
		if n >= 1 {
			l.maxRetries = n
		}
	}
}

// WithMaxIterations caps model calls per submitted turn.
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n >= 1 {
			l.maxIterations = n
		}
	}
}

// WithToolConcurrency bounds how many tool calls of one turn run at once.
func WithToolConcurrency(n int) Option {
	return func(l *Loop) {
		if n >= 1 {
			l.toolConcurrency = n
		}
	}
}

// WithToolTimeout bounds each tool call. Zero means no limit beyond ctx.
func WithToolTimeout(d time.Duration) Option {
	return func(l *Loop) { l.toolTimeout = d }
}

// WithEventBus publishes loop events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// WithUsageRecorder reports every model call to rec.
func WithUsageRecorder(rec UsageRecorder) Option {
	return func(l *Loop) { l.usage = rec }
}

// NewLoop creates a loop. The tool list offered to the model is taken
// from registry once, here.
func NewLoop(logger *slog.Logger, invoker ModelInvoker, registry *tools.Registry, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		logger:          logger.With("component", "agent"),
		invoker:         invoker,
		registry:        registry,
		maxRetries:      DefaultMaxRetries,
		maxIterations:   DefaultMaxIterations,
		toolConcurrency: DefaultToolConcurrency,
	}
	for _, o := range opts {
		o(l)
	}
	if registry != nil {
		l.defs = registry.List()
	}
	return l
}

// Tools returns the tool definitions offered to the model.
func (l *Loop) Tools() []tools.Definition {
	out := make([]tools.Definition, len(l.defs))
	copy(out, l.defs)
	return out
}

// MaxRetries returns the configured retry budget.
func (l *Loop) MaxRetries() int { return l.maxRetries }

// Run continues the conversation in st, whose last message is the user
// message just submitted, until the model produces a final answer or the
// retry or iteration budget runs out. The log always ends with an
// assistant turn when Run returns a nil error.
//
// If ctx is cancelled, the turn in flight is discarded, Run returns
// ctx.Err() and Result.Messages holds only what was committed before.
func (l *Loop) Run(ctx context.Context, sessionID string, st *conversation.State) (Result, error) {
	requestID := generateRequestID()
	start := time.Now()
	base := st.Len()
	log := l.logger.With("request_id", requestID, "session_id", sessionID)

	res := Result{RequestID: requestID}
	finish := func(err error) (Result, error) {
		res.Messages = st.Since(base)
		res.Elapsed = time.Since(start)
		res.FinalStatus = st.LastStatus()
		data := map[string]any{
			"request_id":       requestID,
			"session_id":       sessionID,
			"final_status":     res.FinalStatus.String(),
			"iterations":       res.Iterations,
			"retries":          res.Retries,
			"total_tokens_in":  res.InputTokens,
			"total_tokens_out": res.OutputTokens,
			"elapsed_ms":       res.Elapsed.Milliseconds(),
		}
		if err != nil {
			data["error"] = err.Error()
			log.Info("request aborted", "error", err, "iterations", res.Iterations, "elapsed", res.Elapsed)
		} else {
			log.Info("request complete",
				"final_status", res.FinalStatus,
				"iterations", res.Iterations,
				"retries", res.Retries,
				"tokens_in", res.InputTokens,
				"tokens_out", res.OutputTokens,
				"elapsed", res.Elapsed,
			)
		}
		l.bus.Emit(events.SourceAgent, events.KindRequestComplete, data)
		return res, err
	}

	ctx = tools.WithSessionID(ctx, sessionID)
	st.ResetRetry()

	state := StateRunning
	move := func(next State) {
		log.Log(ctx, llm.LevelTrace, "state transition", "from", state, "to", next)
		state = next
	}

	log.Info("request started", "history", base, "tools", len(l.defs))
	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id":  requestID,
		"session_id":  sessionID,
		"history_len": base,
	})

	for state != StateDone {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		if res.Iterations >= l.maxIterations {
			log.Warn("iteration limit reached", "limit", l.maxIterations)
			limit := conversation.NewAssistantMessage(prompts.IterationLimitReply(l.maxIterations), nil, conversation.StatusError)
			if err := st.CommitTerminal(limit); err != nil {
				return finish(fmt.Errorf("commit limit turn: %w", err))
			}
			move(StateDone)
			break
		}

		move(StateAwaitingModel)
		res.Iterations++
		l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"request_id": requestID,
			"session_id": sessionID,
			"iter":       res.Iterations,
		})

		// The side channel is read once per invocation.
		turn := l.invoker.Invoke(ctx, st.Messages(), st.SideChannel(), l.defs)
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		res.InputTokens += turn.InputTokens
		res.OutputTokens += turn.OutputTokens
		l.recordUsage(ctx, log, requestID, sessionID, turn)
		st.SetLastStatus(turn.Status)

		log.Debug("model turn",
			"iter", res.Iterations,
			"status", turn.Status,
			"finish_reason", turn.FinishReason,
			"tool_calls", len(turn.Message.ToolCalls),
			"tokens_in", turn.InputTokens,
			"tokens_out", turn.OutputTokens,
		)
		l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"request_id": requestID,
			"session_id": sessionID,
			"iter":       res.Iterations,
			"model":      turn.Model,
			"status":     turn.Status.String(),
			"tokens_in":  turn.InputTokens,
			"tokens_out": turn.OutputTokens,
			"tool_calls": len(turn.Message.ToolCalls),
		})

		switch {
		case turn.Status.Degenerate() && st.RetryCount() < l.maxRetries:
			move(StateRetrying)
			n := st.IncrementRetry()
			res.Retries++
			log.Warn("discarding degenerate model turn",
				"status", turn.Status,
				"retry", n,
				"max_retries", l.maxRetries,
				"error", turn.Err,
			)
			l.bus.Emit(events.SourceAgent, events.KindRetry, map[string]any{
				"request_id":  requestID,
				"session_id":  sessionID,
				"status":      turn.Status.String(),
				"retry_count": n,
			})

		case turn.Status.Degenerate():
			log.Warn("retry budget exhausted, keeping degenerate turn",
				"status", turn.Status,
				"retries", st.RetryCount(),
			)
			if err := st.CommitTerminal(turn.Message); err != nil {
				return finish(fmt.Errorf("commit terminal turn: %w", err))
			}
			move(StateDone)

		case turn.Status == conversation.StatusToolRequest:
			move(StateAwaitingTools)
			msg := withUniqueCallIDs(turn.Message)
			results, err := l.runTools(ctx, log, requestID, sessionID, msg.ToolCalls)
			if err != nil {
				return finish(err)
			}
			if err := st.Commit(msg, results...); err != nil {
				return finish(fmt.Errorf("commit tool turn: %w", err))
			}
			st.ResetRetry()

		default:
			if err := st.Commit(turn.Message); err != nil {
				return finish(fmt.Errorf("commit final turn: %w", err))
			}
			st.ResetRetry()
			move(StateDone)
		}
	}

	return finish(nil)
}

// runTools executes every call of one assistant turn with bounded
// concurrency and returns the results in call order. Tool failures
// become result content; only ctx cancellation is returned as an error.
func (l *Loop) runTools(ctx context.Context, log *slog.Logger, requestID, sessionID string, calls []conversation.ToolCall) ([]conversation.Message, error) {
	results := make([]conversation.Message, len(calls))

	var g errgroup.Group
	g.SetLimit(l.toolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = l.runTool(ctx, log, requestID, sessionID, call)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (l *Loop) runTool(ctx context.Context, log *slog.Logger, requestID, sessionID string, call conversation.ToolCall) conversation.Message {
	l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"request_id":   requestID,
		"session_id":   sessionID,
		"tool":         call.Name,
		"tool_call_id": call.ID,
	})

	tctx := tools.WithToolCallID(ctx, call.ID)
	if l.toolTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, l.toolTimeout)
		defer cancel()
	}

	start := time.Now()
	content, err := l.registry.Invoke(tctx, call.Name, call.Arguments)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn("tool failed", "tool", call.Name, "tool_call_id", call.ID, "error", err, "elapsed", elapsed)
		content = tools.ErrorContent(call.Name, err)
	} else {
		log.Debug("tool done", "tool", call.Name, "tool_call_id", call.ID, "result_len", len(content), "elapsed", elapsed)
	}

	l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"request_id":   requestID,
		"session_id":   sessionID,
		"tool":         call.Name,
		"tool_call_id": call.ID,
		"ok":           err == nil,
		"duration_ms":  elapsed.Milliseconds(),
	})

	return conversation.NewToolResult(call.ID, call.Name, content)
}

func (l *Loop) recordUsage(ctx context.Context, log *slog.Logger, requestID, sessionID string, turn Turn) {
	if l.usage == nil {
		return
	}
	var provider string
	if p, ok := l.invoker.(interface{ Provider() string }); ok {
		provider = p.Provider()
	}
	rec := usage.Record{
		RequestID:    requestID,
		SessionID:    sessionID,
		Model:        turn.Model,
		Provider:     provider,
		Status:       turn.Status.String(),
		InputTokens:  turn.InputTokens,
		OutputTokens: turn.OutputTokens,
		Duration:     turn.Duration,
	}
	if err := l.usage.Record(ctx, rec); err != nil {
		log.Warn("failed to record usage", "error", err)
	}
}

// withUniqueCallIDs returns msg with every tool call carrying a non-empty
// ID that is unique within the turn.
func withUniqueCallIDs(msg conversation.Message) conversation.Message {
	seen := make(map[string]bool, len(msg.ToolCalls))
	calls := make([]conversation.ToolCall, len(msg.ToolCalls))
	for i, c := range msg.ToolCalls {
		if c.ID == "" || seen[c.ID] {
			c.ID = "call_" + uuid.NewString()
		}
		seen[c.ID] = true
		calls[i] = c
	}
	msg.ToolCalls = calls
	return msg
}

// generateRequestID returns a short correlation ID for log lines.
func generateRequestID() string {
	return "r_" + uuid.NewString()[:8]
}
