// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the agent loop, the session host, the
// sub-agent tool and the health monitor to subscribers such as the
// /v1/events WebSocket.
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the agent control loop.
	SourceAgent = "agent"
	// SourceSession identifies events from the session host.
	SourceSession = "session"
	// SourceSubAgent identifies events from sub-agent task execution.
	SourceSubAgent = "subagent"
	// SourceHealth identifies events from the provider health monitor.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the loop has started on a submitted turn.
	// Data: request_id, session_id, history_len.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of a model invocation.
	// Data: request_id, session_id, iter.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals the model returned a turn.
	// Data: request_id, session_id, iter, model, status, tokens_in,
	// tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindRetry signals a degenerate turn was discarded and the model
	// will be asked again.
	// Data: request_id, session_id, status, retry_count.
	KindRetry = "retry"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, session_id, tool, tool_call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, session_id, tool, tool_call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the loop reached its terminal state.
	// Data: request_id, session_id, final_status, iterations, retries,
	// total_tokens_in, total_tokens_out, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindSessionCreated signals a new session was opened.
	// Data: session_id.
	KindSessionCreated = "session_created"
	// KindSessionDeleted signals a session was removed explicitly or by
	// idle pruning. Data: session_id, reason.
	KindSessionDeleted = "session_deleted"

	// KindSpawn signals a sub-agent task was started.
	// Data: subagent_id, session_id, task_len, model.
	KindSpawn = "spawn"
	// KindComplete signals a sub-agent task finished.
	// Data: subagent_id, session_id, status, tokens_in, tokens_out,
	// duration_ms.
	KindComplete = "complete"

	// KindProviderReady signals a model provider became reachable.
	// Data: provider.
	KindProviderReady = "provider_ready"
	// KindProviderDown signals a model provider became unreachable.
	// Data: provider, error.
	KindProviderDown = "provider_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
