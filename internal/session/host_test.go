package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/react-agent/internal/agent"
	"github.com/nugget/react-agent/internal/conversation"
	"github.com/nugget/react-agent/internal/events"
)

// fakeRunner answers every turn with "echo: <last user text>". When gate
// is set, each run signals entered and then waits on gate.
type fakeRunner struct {
	mu      sync.Mutex
	sides   []map[string]any
	entered chan string
	gate    chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, id string, st *conversation.State) (agent.Result, error) {
	f.mu.Lock()
	f.sides = append(f.sides, st.SideChannel())
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- id
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return agent.Result{}, ctx.Err()
		}
	}

	base := st.Len()
	last, _ := st.Last()
	reply := conversation.NewAssistantMessage("echo: "+last.Text, nil, conversation.StatusStop)
	if err := st.Commit(reply); err != nil {
		return agent.Result{}, err
	}
	return agent.Result{
		RequestID:   "r_test",
		Messages:    st.Since(base),
		Iterations:  1,
		FinalStatus: conversation.StatusStop,
	}, nil
}

func TestSubmitTurn_CreatesAndReplies(t *testing.T) {
	h := NewHost(&fakeRunner{}, nil)

	reply, err := h.SubmitTurn(context.Background(), "s1", "hello", nil)
	if err != nil {
		t.Fatalf("SubmitTurn() error: %v", err)
	}
	if len(reply.Messages) != 2 {
		t.Fatalf("Messages = %d, want user + assistant", len(reply.Messages))
	}
	if reply.Messages[0].Kind != conversation.KindUser || reply.Messages[1].Text != "echo: hello" {
		t.Errorf("Messages = %+v", reply.Messages)
	}
	if reply.FinalStatus != conversation.StatusStop || reply.SessionID != "s1" {
		t.Errorf("reply = %+v", reply)
	}

	hist, err := h.History("s1")
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(hist) != 2 {
		t.Errorf("History() = %d messages, want 2", len(hist))
	}
}

func TestSubmitTurn_Validation(t *testing.T) {
	h := NewHost(&fakeRunner{}, nil)

	if _, err := h.SubmitTurn(context.Background(), "", "hi", nil); !errors.Is(err, ErrInvalidID) {
		t.Errorf("empty id error = %v, want ErrInvalidID", err)
	}
	if _, err := h.SubmitTurn(context.Background(), "s1", "  \n", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank text error = %v, want ErrEmptyMessage", err)
	}
	if len(h.List()) != 0 {
		t.Error("rejected turns must not create sessions")
	}
}

func TestSubmitTurn_SideChannelVisibleNextTurn(t *testing.T) {
	r := &fakeRunner{}
	h := NewHost(r, nil)
	ctx := context.Background()

	if _, err := h.SubmitTurn(ctx, "s1", "one", map[string]any{"uploaded_file_paths": []any{"a.txt"}}); err != nil {
		t.Fatal(err)
	}
	if err := h.UpdateSideChannel(ctx, "s1", map[string]any{"uploaded_file_paths": []any{"a.txt", "b.txt"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.SubmitTurn(ctx, "s1", "two", nil); err != nil {
		t.Fatal(err)
	}

	if got := r.sides[0]["uploaded_file_paths"].([]any); len(got) != 1 {
		t.Errorf("first turn side channel = %v", got)
	}
	if got := r.sides[1]["uploaded_file_paths"].([]any); len(got) != 2 {
		t.Errorf("second turn side channel = %v", got)
	}

	snap, err := h.Snapshot("s1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := snap.SideChannel["uploaded_file_paths"]; !ok {
		t.Error("snapshot should include the side channel")
	}
}

func TestSubmitTurn_SameSessionSerialized(t *testing.T) {
	r := &fakeRunner{entered: make(chan string, 2), gate: make(chan struct{})}
	h := NewHost(r, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := h.SubmitTurn(context.Background(), "s1", "first", nil)
		errc <- err
	}()
	<-r.entered

	// A second turn on the busy session waits and gives up with its ctx.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := h.SubmitTurn(ctx, "s1", "second", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("concurrent turn error = %v, want deadline exceeded", err)
	}
	if s := h.List()[0]; !s.Busy {
		t.Error("session should report busy during a turn")
	}

	close(r.gate)
	if err := <-errc; err != nil {
		t.Fatalf("first turn error: %v", err)
	}
	hist, _ := h.History("s1")
	if len(hist) != 2 {
		t.Errorf("history = %d messages, want only the first turn", len(hist))
	}
}

func TestSubmitTurn_CancelledTurnRollsBack(t *testing.T) {
	r := &fakeRunner{entered: make(chan string, 1), gate: make(chan struct{})}
	h := NewHost(r, nil)
	if _, err := h.Create("s1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.SubmitTurn(ctx, "s1", "first", map[string]any{"mood": "tense"})
		errc <- err
	}()
	<-r.entered
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled turn error = %v, want context.Canceled", err)
	}

	snap, _ := h.Snapshot("s1")
	if len(snap.Messages) != 0 {
		t.Errorf("history after cancel = %+v, want empty", snap.Messages)
	}
	if _, ok := snap.SideChannel["mood"]; ok {
		t.Error("side-channel update of the cancelled turn was kept")
	}

	r.gate = nil
	if _, err := h.SubmitTurn(context.Background(), "s1", "second", nil); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	hist, _ := h.History("s1")
	if len(hist) != 2 {
		t.Fatalf("history = %+v, want [user, assistant]", hist)
	}
	if hist[0].Kind != conversation.KindUser || hist[0].Text != "second" {
		t.Errorf("hist[0] = %+v", hist[0])
	}
	if !hist[1].IsAssistant() || hist[1].Text != "echo: second" {
		t.Errorf("hist[1] = %+v", hist[1])
	}
}

func TestSubmitTurn_SideChannelIsolatedFromCaller(t *testing.T) {
	h := NewHost(&fakeRunner{}, nil)

	files := []string{"/uploads/a.csv"}
	nested := map[string]any{"tags": []any{"x"}}
	if _, err := h.SubmitTurn(context.Background(), "s1", "hi", map[string]any{
		"uploaded_file_paths": files,
		"meta":                nested,
	}); err != nil {
		t.Fatal(err)
	}
	files[0] = "MUTATED"
	nested["tags"].([]any)[0] = "MUTATED"

	snap, _ := h.Snapshot("s1")
	if got := snap.SideChannel["uploaded_file_paths"].([]string)[0]; got != "/uploads/a.csv" {
		t.Errorf("uploaded_file_paths[0] = %q after caller mutation", got)
	}
	if got := snap.SideChannel["meta"].(map[string]any)["tags"].([]any)[0]; got != "x" {
		t.Errorf("meta.tags[0] = %v after caller mutation", got)
	}

	// Mutating a snapshot does not reach the session either.
	snap.SideChannel["uploaded_file_paths"].([]string)[0] = "MUTATED"
	again, _ := h.Snapshot("s1")
	if got := again.SideChannel["uploaded_file_paths"].([]string)[0]; got != "/uploads/a.csv" {
		t.Errorf("snapshot mutation leaked into the session: %q", got)
	}
}

func TestSubmitTurn_SessionsRunInParallel(t *testing.T) {
	r := &fakeRunner{entered: make(chan string, 2), gate: make(chan struct{})}
	h := NewHost(r, nil)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.SubmitTurn(context.Background(), id, "hi", nil); err != nil {
				t.Errorf("SubmitTurn(%s): %v", id, err)
			}
		}()
	}

	// Both runs must be in flight at the same time before either finishes.
	for range 2 {
		select {
		case <-r.entered:
		case <-time.After(time.Second):
			t.Fatal("sessions did not run concurrently")
		}
	}
	close(r.gate)
	wg.Wait()
}

func TestCreateListDelete(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	h := NewHost(&fakeRunner{}, nil, WithEventBus(bus))

	id, err := h.Create("")
	if err != nil || id == "" {
		t.Fatalf("Create(\"\") = %q, %v", id, err)
	}
	if _, err := h.Create("fixed"); err != nil {
		t.Fatalf("Create(fixed): %v", err)
	}
	if _, err := h.Create("fixed"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("duplicate Create error = %v", err)
	}
	if got := len(h.List()); got != 2 {
		t.Errorf("List() = %d, want 2", got)
	}

	if err := h.Delete("fixed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := h.Delete("fixed"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Delete error = %v", err)
	}
	if _, err := h.History("fixed"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("History after delete error = %v", err)
	}
	if err := h.UpdateSideChannel(context.Background(), "nope", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("UpdateSideChannel unknown error = %v", err)
	}

	var kinds []string
	var reason any
	for len(ch) > 0 {
		e := <-ch
		kinds = append(kinds, e.Kind)
		if e.Kind == events.KindSessionDeleted {
			reason = e.Data["reason"]
		}
	}
	if reason != "deleted" {
		t.Errorf("delete reason = %v, want deleted", reason)
	}
	want := []string{events.KindSessionCreated, events.KindSessionCreated, events.KindSessionDeleted}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	h := NewHost(&fakeRunner{}, nil)
	if _, err := h.SubmitTurn(context.Background(), "s1", "hi", map[string]any{"k": "v"}); err != nil {
		t.Fatal(err)
	}

	snap, _ := h.Snapshot("s1")
	snap.Messages[0].Text = "tampered"
	snap.SideChannel["k"] = "tampered"

	again, _ := h.Snapshot("s1")
	if again.Messages[0].Text != "hi" || again.SideChannel["k"] != "v" {
		t.Error("mutating a snapshot changed the session")
	}
}

func TestPrune(t *testing.T) {
	h := NewHost(&fakeRunner{}, nil, WithIdleTTL(time.Hour))
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }

	if _, err := h.Create("old"); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(2 * time.Hour)
	if _, err := h.SubmitTurn(context.Background(), "fresh", "hi", nil); err != nil {
		t.Fatal(err)
	}

	if n := h.Prune(time.Hour); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if _, err := h.Snapshot("old"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("idle session should be gone")
	}
	if _, err := h.Snapshot("fresh"); err != nil {
		t.Errorf("active session pruned: %v", err)
	}
}

func TestJanitorWithoutTTLReturns(t *testing.T) {
	h := NewHost(&fakeRunner{}, nil)
	done := make(chan struct{})
	go func() {
		h.Janitor(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Janitor without TTL should return immediately")
	}
}
