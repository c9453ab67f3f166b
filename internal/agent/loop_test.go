package agent

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/react-agent/internal/conversation"
	"github.com/nugget/react-agent/internal/events"
	"github.com/nugget/react-agent/internal/tools"
	"github.com/nugget/react-agent/internal/usage"
)

func TestRun_DirectAnswer(t *testing.T) {
	inv := &scriptedInvoker{turns: []Turn{stopTurn("Paris.")}}
	loop := NewLoop(nil, inv, testRegistry(t))
	st := newState("What is the capital of France?")

	res, err := loop.Run(context.Background(), "s1", st)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if inv.calls() != 1 {
		t.Errorf("model calls = %d, want 1", inv.calls())
	}
	if len(res.Messages) != 1 || res.Messages[0].Text != "Paris." {
		t.Fatalf("Messages = %+v", res.Messages)
	}
	if res.FinalStatus != conversation.StatusStop || st.LastStatus() != conversation.StatusStop {
		t.Errorf("FinalStatus = %v", res.FinalStatus)
	}
	if st.Len() != 2 {
		t.Errorf("log length = %d, want 2", st.Len())
	}
	mustValidate(t, st)
}

func TestRun_ToolRoundTrip(t *testing.T) {
	inv := &scriptedInvoker{turns: []Turn{
		toolTurn(call("c1", "echo", map[string]any{"text": "42 degrees"})),
		stopTurn("It is 42 degrees."),
	}}
	loop := NewLoop(nil, inv, testRegistry(t))
	st := newState("How hot is it?")

	res, err := loop.Run(context.Background(), "s1", st)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	kinds := make([]conversation.Kind, len(res.Messages))
	for i, m := range res.Messages {
		kinds[i] = m.Kind
	}
	want := []conversation.Kind{conversation.KindAssistant, conversation.KindTool, conversation.KindAssistant}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("message kinds = %v, want %v", kinds, want)
	}
	if got := res.Messages[1]; got.ToolCallID != "c1" || got.Text != "42 degrees" {
		t.Errorf("tool result = %+v", got)
	}

	// The second model call sees the tool turn and its result.
	second := inv.histories[1]
	if len(second) != 3 || second[2].ToolCallID != "c1" {
		t.Errorf("second call history = %+v", second)
	}
	if res.Iterations != 2 || res.InputTokens != 20 {
		t.Errorf("Iterations = %d, InputTokens = %d", res.Iterations, res.InputTokens)
	}
	mustValidate(t, st)
}

func TestRun_EmptyRetriedThenAnswered(t *testing.T) {
	inv := &scriptedInvoker{turns: []Turn{emptyTurn(), emptyTurn(), stopTurn("Finally.")}}
	loop := NewLoop(nil, inv, testRegistry(t))
	st := newState("hello")

	res, err := loop.Run(context.Background(), "s1", st)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if inv.calls() != 3 {
		t.Fatalf("model calls = %d, want 3", inv.calls())
	}
	if res.Retries != 2 {
		t.Errorf("Retries = %d, want 2", res.Retries)
	}
	for i := 1; i < 3; i++ {
		if !reflect.DeepEqual(inv.histories[i], inv.histories[0]) {
			t.Errorf("retry %d saw a different history than the first call", i)
		}
	}
	for _, m := range st.Messages() {
		if m.IsAssistant() && m.Status == conversation.StatusEmpty {
			t.Error("discarded EMPTY turn leaked into the log")
		}
	}
	if len(res.Messages) != 1 || res.Messages[0].Text != "Finally." {
		t.Errorf("Messages = %+v", res.Messages)
	}
	if st.RetryCount() != 0 {
		t.Errorf("RetryCount after accepted turn = %d, want 0", st.RetryCount())
	}
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	inv := &scriptedInvoker{turns: []Turn{truncatedTurn(), truncatedTurn(), truncatedTurn(), truncatedTurn(), stopTurn("never")}}
	loop := NewLoop(nil, inv, testRegistry(t))
	st := newState("write a novel")

	res, err := loop.Run(context.Background(), "s1", st)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if inv.calls() != DefaultMaxRetries+1 {
		t.Errorf("model calls = %d, want %d", inv.calls(), DefaultMaxRetries+1)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("Messages = %d, want the one preserved degenerate turn", len(res.Messages))
	}
	last := res.Messages[0]
	if !last.IsAssistant() || last.Status != conversation.StatusTruncated {
		t.Errorf("final message = %+v, want TRUNCATED assistant turn", last)
	}
	if res.FinalStatus != conversation.StatusTruncated {
		t.Errorf("FinalStatus = %v", res.FinalStatus)
	}
	if st.RetryCount() != DefaultMaxRetries {
		t.Errorf("RetryCount = %d, want %d", st.RetryCount(), DefaultMaxRetries)
	}
	mustValidate(t, st)
}

func TestRun_CustomRetryBudget(t *testing.T) {
	inv := &scriptedInvoker{turns: []Turn{emptyTurn(), emptyTurn(), stopTurn("x")}}
	loop := NewLoop(nil, inv, testRegistry(t), WithMaxRetries(1))

	res, err := loop.Run(context.Background(), "s1", newState("hi"))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if inv.calls() != 2 || res.FinalStatus != conversation.StatusEmpty {
		t.Errorf("calls = %d, FinalStatus = %v; want 2 calls ending EMPTY", inv.calls(), res.FinalStatus)
	}
}

func TestRun_TruncatedToolCallsNotExecuted(t *testing.T) {
	var ran atomic.Int32
	spy := &tools.Tool{
		Name: "spy",
		Handler: func(context.Context, map[string]any) (string, error) {
			ran.Add(1)
			return "ran", nil
		},
	}
	inv := &scriptedInvoker{turns: []Turn{
		truncatedTurn(call("c1", "spy", nil)),
		truncatedTurn(call("c2", "spy", nil)),
		truncatedTurn(call("c3", "spy", nil)),
		truncatedTurn(call("c4", "spy", nil)),
	}}
	loop := NewLoop(nil, inv, testRegistry(t, spy))
	st := newState("go")

	res, err := loop.Run(context.Background(), "s1", st)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if ran.Load() != 0 {
		t.Errorf("tool ran %d times for truncated turns", ran.Load())
	}
	if last := res.Messages[len(res.Messages)-1]; len(last.ToolCalls) != 0 {
		t.Errorf("preserved truncated turn kept tool calls: %+v", last.ToolCalls)
	}
	mustValidate(t, st)
}

func TestRun_ModelErrorRetried(t *testing.T) {
	inv := &scriptedInvoker{turns: []Turn{errorTurnFor(errors.New("503")), stopTurn("ok")}}
	loop := NewLoop(nil, inv, testRegistry(t))

	res, err := loop.Run(context.Background(), "s1", newState("hi"))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Retries != 1 || res.Messages[0].Text != "ok" {
		t.Errorf("Retries = %d, Messages = %+v", res.Retries, res.Messages)
	}
}

func TestRun_RetryCounterResetsAfterAcceptedTurn(t *testing.T) {
	inv := &scriptedInvoker{turns: []Turn{
		emptyTurn(), emptyTurn(), emptyTurn(),
		toolTurn(call("c1", "echo", map[string]any{"text": "x"})),
		emptyTurn(), emptyTurn(), emptyTurn(),
		stopTurn("done"),
	}}
	loop := NewLoop(nil, inv, testRegistry(t))
	st := newState("hi")

	res, err := loop.Run(context.Background(), "s1", st)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.FinalStatus != conversation.StatusStop {
		t.Errorf("FinalStatus = %v, want STOP", res.FinalStatus)
	}
	if res.Retries != 6 || inv.calls() != 8 {
		t.Errorf("Retries = %d, calls = %d; want 6 and 8", res.Retries, inv.calls())
	}
	mustValidate(t, st)
}

func TestRun_ToolFailuresBecomeResults(t *testing.T) {
	broken := &tools.Tool{
		Name: "broken",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("disk full")
		},
	}
	inv := &scriptedInvoker{turns: []Turn{
		toolTurn(
			call("c1", "no_such_tool", nil),
			call("c2", "echo", map[string]any{"text": 5}),
			call("c3", "broken", nil),
		),
		stopTurn("I could not do it."),
	}}
	loop := NewLoop(nil, inv, testRegistry(t, broken))
	st := newState("try things")

	res, err := loop.Run(context.Background(), "s1", st)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	results := res.Messages[1:4]
	wantSubstr := []string{"not available", "invalid arguments", "disk full"}
	for i, r := range results {
		if !r.IsToolResult() || !strings.Contains(r.Text, wantSubstr[i]) {
			t.Errorf("result %d = %q, want substring %q", i, r.Text, wantSubstr[i])
		}
	}
	if res.FinalStatus != conversation.StatusStop {
		t.Errorf("loop should continue after tool errors, FinalStatus = %v", res.FinalStatus)
	}
	mustValidate(t, st)
}

func TestRun_ParallelToolsKeepCallOrder(t *testing.T) {
	slow := &tools.Tool{
		Name: "sleep",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"ms": map[string]any{"type": "number"}},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			d := time.Duration(args["ms"].(float64)) * time.Millisecond
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return tools.ToolCallIDFromContext(ctx), nil
		},
	}
	inv := &scriptedInvoker{turns: []Turn{
		toolTurn(
			call("a", "sleep", map[string]any{"ms": float64(60)}),
			call("b", "sleep", map[string]any{"ms": float64(1)}),
			call("c", "sleep", map[string]any{"ms": float64(30)}),
		),
	}}
	loop := NewLoop(nil, inv, testRegistry(t, slow), WithToolConcurrency(3))
	st := newState("parallel")

	res, err := loop.Run(context.Background(), "s1", st)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	for i, id := range []string{"a", "b", "c"} {
		r := res.Messages[1+i]
		if r.ToolCallID != id || r.Text != id {
			t.Errorf("result %d = %s/%q, want %s", i, r.ToolCallID, r.Text, id)
		}
	}
	mustValidate(t, st)
}

func TestRun_DuplicateCallIDsReassigned(t *testing.T) {
	inv := &scriptedInvoker{turns: []Turn{
		toolTurn(
			call("", "echo", map[string]any{"text": "one"}),
			call("", "echo", map[string]any{"text": "two"}),
		),
	}}
	loop := NewLoop(nil, inv, testRegistry(t))
	st := newState("x")

	res, err := loop.Run(context.Background(), "s1", st)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	calls := res.Messages[0].ToolCalls
	if calls[0].ID == "" || calls[0].ID == calls[1].ID {
		t.Errorf("call IDs = %q, %q; want unique non-empty", calls[0].ID, calls[1].ID)
	}
	mustValidate(t, st)
}

func TestRun_CancelDuringTools(t *testing.T) {
	started := make(chan struct{})
	hang := &tools.Tool{
		Name: "hang",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	inv := &scriptedInvoker{turns: []Turn{
		toolTurn(call("c1", "echo", map[string]any{"text": "fine"})),
		toolTurn(call("c2", "hang", nil)),
	}}
	loop := NewLoop(nil, inv, testRegistry(t, hang))
	st := newState("go")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := loop.Run(ctx, "s1", st)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	// The first tool round was committed; the cancelled one was not.
	if len(res.Messages) != 2 || st.Len() != 3 {
		t.Errorf("committed %d messages (log %d), want 2 (log 3)", len(res.Messages), st.Len())
	}
	for _, m := range st.Messages() {
		for _, c := range m.ToolCalls {
			if c.ID == "c2" {
				t.Error("cancelled turn leaked into the log")
			}
		}
	}
	mustValidate(t, st)
}

func TestRun_CancelDuringModelCall(t *testing.T) {
	inv := &scriptedInvoker{block: true}
	loop := NewLoop(nil, inv, testRegistry(t))
	st := newState("hi")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := loop.Run(ctx, "s1", st)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
	if len(res.Messages) != 0 || st.Len() != 1 {
		t.Errorf("cancelled model call appended messages: %+v", res.Messages)
	}
}

func TestRun_IterationLimit(t *testing.T) {
	var turns []Turn
	for range 10 {
		turns = append(turns, toolTurn(call("", "echo", map[string]any{"text": "again"})))
	}
	inv := &scriptedInvoker{turns: turns}
	loop := NewLoop(nil, inv, testRegistry(t), WithMaxIterations(3))
	st := newState("loop forever")

	res, err := loop.Run(context.Background(), "s1", st)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if inv.calls() != 3 {
		t.Errorf("model calls = %d, want 3", inv.calls())
	}
	last, _ := st.Last()
	if !last.IsAssistant() || last.Status != conversation.StatusError {
		t.Errorf("last message = %+v, want assistant ERROR turn", last)
	}
	if !strings.Contains(last.Text, "3 model calls") {
		t.Errorf("limit text = %q", last.Text)
	}
	if res.FinalStatus != conversation.StatusError {
		t.Errorf("FinalStatus = %v", res.FinalStatus)
	}
	mustValidate(t, st)
}

func TestRun_SideChannelSnapshotPerCall(t *testing.T) {
	inv := &scriptedInvoker{turns: []Turn{stopTurn("a"), stopTurn("b")}}
	loop := NewLoop(nil, inv, testRegistry(t))
	st := conversation.New()

	st.ApplySideChannel(map[string]any{"uploaded_file_paths": []any{"one.txt"}})
	st.AppendUser("first")
	if _, err := loop.Run(context.Background(), "s1", st); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	st.ApplySideChannel(map[string]any{"uploaded_file_paths": []any{"one.txt", "two.txt"}})
	st.AppendUser("second")
	if _, err := loop.Run(context.Background(), "s1", st); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	first := inv.sides[0]["uploaded_file_paths"].([]any)
	second := inv.sides[1]["uploaded_file_paths"].([]any)
	if len(first) != 1 || len(second) != 2 {
		t.Errorf("side channels seen = %v then %v", first, second)
	}
}

func TestRun_OffersRegisteredTools(t *testing.T) {
	inv := &scriptedInvoker{}
	loop := NewLoop(nil, inv, testRegistry(t))
	if _, err := loop.Run(context.Background(), "s1", newState("x")); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(inv.defs[0]) != 1 || inv.defs[0][0].Name != "echo" {
		t.Errorf("tools offered = %+v", inv.defs[0])
	}
	if got := loop.Tools(); len(got) != 1 {
		t.Errorf("Tools() = %+v", got)
	}
}

func TestRun_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	inv := &scriptedInvoker{turns: []Turn{
		emptyTurn(),
		toolTurn(call("c1", "echo", map[string]any{"text": "x"})),
		stopTurn("done"),
	}}
	loop := NewLoop(nil, inv, testRegistry(t), WithEventBus(bus))
	if _, err := loop.Run(context.Background(), "s1", newState("x")); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	var kinds []string
	for len(ch) > 0 {
		e := <-ch
		if e.Data["session_id"] != "s1" {
			t.Errorf("%s event missing session_id", e.Kind)
		}
		kinds = append(kinds, e.Kind)
	}
	want := []string{
		events.KindRequestStart,
		events.KindLLMCall, events.KindLLMResponse, events.KindRetry,
		events.KindLLMCall, events.KindLLMResponse, events.KindToolCall, events.KindToolDone,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindRequestComplete,
	}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("event kinds =\n%v\nwant\n%v", kinds, want)
	}
}

type usageSpy struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (u *usageSpy) Record(_ context.Context, rec usage.Record) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.recs = append(u.recs, rec)
	return nil
}

func TestRun_RecordsUsagePerCall(t *testing.T) {
	spy := &usageSpy{}
	inv := &scriptedInvoker{turns: []Turn{emptyTurn(), stopTurn("ok")}}
	loop := NewLoop(nil, inv, testRegistry(t), WithUsageRecorder(spy))

	res, err := loop.Run(context.Background(), "s9", newState("x"))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(spy.recs) != 2 {
		t.Fatalf("usage records = %d, want 2", len(spy.recs))
	}
	if spy.recs[0].Status != "EMPTY" || spy.recs[1].Status != "STOP" {
		t.Errorf("statuses = %s, %s", spy.recs[0].Status, spy.recs[1].Status)
	}
	if spy.recs[0].SessionID != "s9" || spy.recs[0].RequestID != res.RequestID {
		t.Errorf("record = %+v", spy.recs[0])
	}
}

func TestRun_ToolTimeout(t *testing.T) {
	slow := &tools.Tool{
		Name: "slow",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	inv := &scriptedInvoker{turns: []Turn{toolTurn(call("c1", "slow", nil)), stopTurn("gave up")}}
	loop := NewLoop(nil, inv, testRegistry(t, slow), WithToolTimeout(10*time.Millisecond))

	res, err := loop.Run(context.Background(), "s1", newState("x"))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(res.Messages[1].Text, "deadline exceeded") {
		t.Errorf("timed-out tool result = %q", res.Messages[1].Text)
	}
}

func TestStateString(t *testing.T) {
	if StateAwaitingTools.String() != "AWAITING_TOOLS" || StateDone.String() != "DONE" {
		t.Error("unexpected state names")
	}
}
