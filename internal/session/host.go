// Package session hosts many independent conversations over one shared
// agent loop. Each session owns its conversation state and runs at most
// one turn at a time; different sessions run in parallel.
package session

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/react-agent/internal/agent"
	"github.com/nugget/react-agent/internal/conversation"
	"github.com/nugget/react-agent/internal/events"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by Create for an id already in use.
	ErrSessionExists = errors.New("session already exists")
	// ErrEmptyMessage is returned when the submitted user text is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrInvalidID is returned for an empty session id.
	ErrInvalidID = errors.New("invalid session id")
)

// Runner runs the agent loop over a conversation. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, sessionID string, st *conversation.State) (agent.Result, error)
}

// Reply is the outcome of one submitted turn.
type Reply struct {
	SessionID string `json:"session_id"`
	// Messages starts with the submitted user message, followed by every
	// message the loop committed.
	Messages     []conversation.Message        `json:"messages"`
	FinalStatus  conversation.CompletionStatus `json:"final_status"`
	RequestID    string                        `json:"request_id"`
	Iterations   int                           `json:"iterations"`
	Retries      int                           `json:"retries"`
	InputTokens  int                           `json:"input_tokens"`
	OutputTokens int                           `json:"output_tokens"`
	Elapsed      time.Duration                 `json:"elapsed"`
}

// Snapshot is a point-in-time copy of a session as of its last
// completed turn.
type Snapshot struct {
	ID          string                        `json:"id"`
	Messages    []conversation.Message        `json:"messages"`
	RetryCount  int                           `json:"retry_count"`
	LastStatus  conversation.CompletionStatus `json:"last_status,omitempty"`
	SideChannel map[string]any                `json:"side_channel"`
	CreatedAt   time.Time                     `json:"created_at"`
	UpdatedAt   time.Time                     `json:"updated_at"`
}

// Summary is the listing form of a session.
type Summary struct {
	ID         string                        `json:"id"`
	Messages   int                           `json:"messages"`
	LastStatus conversation.CompletionStatus `json:"last_status,omitempty"`
	Busy       bool                          `json:"busy"`
	CreatedAt  time.Time                     `json:"created_at"`
	UpdatedAt  time.Time                     `json:"updated_at"`
}

// entry is one session. slot is a one-element semaphore held for the
// duration of a turn; state is only touched by the slot holder. view is
// the snapshot readers see, refreshed whenever the slot is released.
type entry struct {
	id    string
	slot  chan struct{}
	state *conversation.State

	view      Snapshot // guarded by Host.mu
	createdAt time.Time
	updatedAt time.Time // guarded by Host.mu
}

// Host owns all sessions.
type Host struct {
	runner  Runner
	logger  *slog.Logger
	bus     *events.Bus
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// Option configures a Host.
type Option func(*Host)

// WithIdleTTL makes Janitor remove sessions idle for longer than d.
func WithIdleTTL(d time.Duration) Option {
	return func(h *Host) { h.idleTTL = d }
}

// WithEventBus publishes session lifecycle events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(h *Host) { h.bus = bus }
}

// NewHost creates a session host running turns through runner.
func NewHost(runner Runner, logger *slog.Logger, opts ...Option) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		runner:   runner,
		logger:   logger.With("component", "session"),
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// NewSessionID mints a fresh session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Create opens an empty session. An empty id mints a new one. The id of
// the created session is returned.
func (h *Host) Create(id string) (string, error) {
	if id == "" {
		id = NewSessionID()
	}
	h.mu.Lock()
	if _, ok := h.sessions[id]; ok {
		h.mu.Unlock()
		return "", ErrSessionExists
	}
	h.sessions[id] = h.newEntry(id)
	h.mu.Unlock()

	h.created(id)
	return id, nil
}

// SubmitTurn appends userText to session id and runs the agent loop
// until it settles. Unknown sessions are created on first use. The
// update, if non-nil, is merged into the side channel before the turn.
// If the session is busy, SubmitTurn waits for it or for ctx. When the
// loop fails or ctx is cancelled mid-turn, the session is restored to
// its state before the call.
func (h *Host) SubmitTurn(ctx context.Context, id, userText string, update map[string]any) (Reply, error) {
	if id == "" {
		return Reply{}, ErrInvalidID
	}
	if strings.TrimSpace(userText) == "" {
		return Reply{}, ErrEmptyMessage
	}

	e, isNew := h.getOrCreate(id)
	if isNew {
		h.created(id)
	}

	if err := h.acquire(ctx, e); err != nil {
		return Reply{}, err
	}
	defer h.release(e)

	if !h.registered(e) {
		return Reply{}, ErrSessionNotFound
	}

	cp := e.state.Checkpoint()
	e.state.ApplySideChannel(update)
	user := e.state.AppendUser(userText)

	h.logger.Debug("turn submitted", "session_id", id, "message_len", len(userText))
	res, err := h.runner.Run(ctx, id, e.state)
	if err != nil {
		// An unfinished turn is dropped whole, side-channel update included.
		e.state.Rewind(cp)
		h.logger.Debug("turn abandoned", "session_id", id, "error", err)
		return Reply{SessionID: id, RequestID: res.RequestID}, err
	}

	reply := Reply{
		SessionID:    id,
		Messages:     append([]conversation.Message{user}, res.Messages...),
		FinalStatus:  res.FinalStatus,
		RequestID:    res.RequestID,
		Iterations:   res.Iterations,
		Retries:      res.Retries,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Elapsed:      res.Elapsed,
	}
	return reply, nil
}

// History returns the committed messages of a session as of its last
// completed turn.
func (h *Host) History(id string) ([]conversation.Message, error) {
	snap, err := h.Snapshot(id)
	if err != nil {
		return nil, err
	}
	return snap.Messages, nil
}

// Snapshot returns a copy of a session as of its last completed turn.
func (h *Host) Snapshot(id string) (Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	snap := e.view
	snap.Messages = slices.Clone(snap.Messages)
	snap.SideChannel = conversation.CloneSideChannel(snap.SideChannel)
	return snap, nil
}

// List returns summaries of all sessions, oldest first.
func (h *Host) List() []Summary {
	h.mu.Lock()
	out := make([]Summary, 0, len(h.sessions))
	for _, e := range h.sessions {
		out = append(out, Summary{
			ID:         e.id,
			Messages:   len(e.view.Messages),
			LastStatus: e.view.LastStatus,
			Busy:       len(e.slot) > 0,
			CreatedAt:  e.createdAt,
			UpdatedAt:  e.updatedAt,
		})
	}
	h.mu.Unlock()

	slices.SortFunc(out, func(a, b Summary) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Delete removes a session. A turn already running on it finishes, but
// its result is no longer reachable through the host.
func (h *Host) Delete(id string) error {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	h.deleted(id, "deleted")
	return nil
}

// UpdateSideChannel merges update into a session's side channel between
// turns. It waits for a running turn to finish or for ctx.
func (h *Host) UpdateSideChannel(ctx context.Context, id string, update map[string]any) error {
	h.mu.Lock()
	e, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := h.acquire(ctx, e); err != nil {
		return err
	}
	defer h.release(e)

	if !h.registered(e) {
		return ErrSessionNotFound
	}
	e.state.ApplySideChannel(update)
	return nil
}

// Prune removes idle sessions whose last activity is older than maxIdle
// and returns how many were removed. Busy sessions are never pruned.
func (h *Host) Prune(maxIdle time.Duration) int {
	cutoff := h.now().Add(-maxIdle)

	var removed []string
	h.mu.Lock()
	for id, e := range h.sessions {
		if len(e.slot) == 0 && e.updatedAt.Before(cutoff) {
			delete(h.sessions, id)
			removed = append(removed, id)
		}
	}
	h.mu.Unlock()

	for _, id := range removed {
		h.deleted(id, "idle")
	}
	if len(removed) > 0 {
		h.logger.Info("pruned idle sessions", "count", len(removed), "max_idle", maxIdle)
	}
	return len(removed)
}

// Janitor prunes idle sessions every interval until ctx is done. It
// returns immediately when no idle TTL is configured.
func (h *Host) Janitor(ctx context.Context, interval time.Duration) {
	if h.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Prune(h.idleTTL)
		}
	}
}

func (h *Host) newEntry(id string) *entry {
	now := h.now()
	e := &entry{
		id:        id,
		slot:      make(chan struct{}, 1),
		state:     conversation.New(),
		createdAt: now,
		updatedAt: now,
	}
	e.view = snapshotOf(e, now)
	return e
}

func (h *Host) getOrCreate(id string) (*entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.sessions[id]; ok {
		return e, false
	}
	e := h.newEntry(id)
	h.sessions[id] = e
	return e, true
}

func (h *Host) registered(e *entry) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[e.id] == e
}

func (h *Host) acquire(ctx context.Context, e *entry) error {
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release publishes the state as the new reader view and frees the slot.
func (h *Host) release(e *entry) {
	now := h.now()
	h.mu.Lock()
	e.updatedAt = now
	e.view = snapshotOf(e, now)
	h.mu.Unlock()
	<-e.slot
}

// snapshotOf copies e.state. The caller must hold the slot or own e
// exclusively.
func snapshotOf(e *entry, now time.Time) Snapshot {
	return Snapshot{
		ID:          e.id,
		Messages:    e.state.Messages(),
		RetryCount:  e.state.RetryCount(),
		LastStatus:  e.state.LastStatus(),
		SideChannel: e.state.SideChannel(),
		CreatedAt:   e.createdAt,
		UpdatedAt:   now,
	}
}

func (h *Host) created(id string) {
	h.logger.Info("session created", "session_id", id)
	h.bus.Emit(events.SourceSession, events.KindSessionCreated, map[string]any{"session_id": id})
}

func (h *Host) deleted(id, reason string) {
	h.logger.Info("session deleted", "session_id", id, "reason", reason)
	h.bus.Emit(events.SourceSession, events.KindSessionDeleted, map[string]any{"session_id": id, "reason": reason})
}
