package conversation

import (
	"errors"
	"fmt"
	"reflect"
)

// Errors returned by Commit and Validate.
var (
	ErrNotAssistant      = errors.New("turn must start with an assistant message")
	ErrUnknownToolCall   = errors.New("tool result does not match a call in its assistant turn")
	ErrDuplicateResult   = errors.New("duplicate tool result for call")
	ErrIncompleteResults = errors.New("assistant turn has tool calls without results")
)

// State is the conversation state of one session: the message log, the
// consecutive retry counter, the status of the last model call, and the
// side channel (session context such as uploaded file references that is
// rendered into the system directive but never enters the log).
//
// State is not safe for concurrent use. The session host serializes all
// access to a given State.
type State struct {
	messages    []Message
	retryCount  int
	lastStatus  CompletionStatus
	sideChannel map[string]any
}

// New returns an empty conversation state.
func New() *State {
	return &State{sideChannel: make(map[string]any)}
}

// Messages returns a copy of the log.
func (s *State) Messages() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of messages in the log.
func (s *State) Len() int { return len(s.messages) }

// Last returns the most recent message.
func (s *State) Last() (Message, bool) {
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1].clone(), true
}

// Since returns a copy of the messages appended at or after index n.
func (s *State) Since(n int) []Message {
	if n < 0 {
		n = 0
	}
	if n >= len(s.messages) {
		return nil
	}
	out := make([]Message, 0, len(s.messages)-n)
	for _, m := range s.messages[n:] {
		out = append(out, m.clone())
	}
	return out
}

// AppendUser appends a user message and returns it.
func (s *State) AppendUser(text string) Message {
	m := NewUserMessage(text)
	s.messages = append(s.messages, m)
	return m
}

// Commit appends an accepted assistant turn together with the results of
// every tool call it issued. Results may arrive in any order but must
// cover each call exactly once; otherwise nothing is appended.
func (s *State) Commit(assistant Message, results ...Message) error {
	if !assistant.IsAssistant() {
		return ErrNotAssistant
	}

	pending := make(map[string]bool, len(assistant.ToolCalls))
	for _, c := range assistant.ToolCalls {
		pending[c.ID] = true
	}
	for _, r := range results {
		if !r.IsToolResult() {
			return fmt.Errorf("commit: %s message among tool results", r.Kind)
		}
		open, issued := pending[r.ToolCallID]
		if !issued {
			return fmt.Errorf("%w: %q", ErrUnknownToolCall, r.ToolCallID)
		}
		if !open {
			return fmt.Errorf("%w %q", ErrDuplicateResult, r.ToolCallID)
		}
		pending[r.ToolCallID] = false
	}
	for id, open := range pending {
		if open {
			return fmt.Errorf("%w: %q", ErrIncompleteResults, id)
		}
	}

	s.messages = append(s.messages, assistant.clone())
	for _, r := range results {
		s.messages = append(s.messages, r)
	}
	s.lastStatus = assistant.Status
	return nil
}

// CommitTerminal appends a degenerate assistant turn that ends the loop
// once the retry budget is spent. Any tool calls it carries are dropped:
// the loop never executes them, so keeping them would leave the log with
// unanswered calls.
func (s *State) CommitTerminal(assistant Message) error {
	if !assistant.IsAssistant() {
		return ErrNotAssistant
	}
	assistant = assistant.clone()
	assistant.ToolCalls = nil
	s.messages = append(s.messages, assistant)
	s.lastStatus = assistant.Status
	return nil
}

// RetryCount returns the number of consecutive degenerate model responses
// discarded so far.
func (s *State) RetryCount() int { return s.retryCount }

// IncrementRetry records one more discarded model response.
func (s *State) IncrementRetry() int {
	s.retryCount++
	return s.retryCount
}

// ResetRetry clears the retry counter.
func (s *State) ResetRetry() { s.retryCount = 0 }

// LastStatus returns the completion status of the most recent model call.
func (s *State) LastStatus() CompletionStatus { return s.lastStatus }

// SetLastStatus records the completion status of a model call, including
// calls whose turn was discarded.
func (s *State) SetLastStatus(status CompletionStatus) { s.lastStatus = status }

// SideChannel returns a deep copy of the side channel as it is right now.
func (s *State) SideChannel() map[string]any {
	return CloneSideChannel(s.sideChannel)
}

// ApplySideChannel merges a deep copy of update into the side channel. A
// nil value deletes its key; a nil update changes nothing.
func (s *State) ApplySideChannel(update map[string]any) {
	for k, v := range update {
		if v == nil {
			delete(s.sideChannel, k)
			continue
		}
		s.sideChannel[k] = cloneValue(v)
	}
}

// CloneSideChannel deep-copies a side channel map. Nested maps and
// slices are copied; other values are shared.
func CloneSideChannel(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return CloneSideChannel(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

// cloneReflect copies typed maps and slices such as []string or
// map[string][]string.
func cloneReflect(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value(), v.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(cloneElem(v.Index(i), v.Type().Elem()))
		}
		return out
	}
	return v
}

// cloneElem copies one element, unwrapping interface values so nested
// containers are copied too.
func cloneElem(v reflect.Value, typ reflect.Type) reflect.Value {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(typ)
		}
		return reflect.ValueOf(cloneValue(v.Interface()))
	}
	return cloneReflect(v)
}

// Checkpoint marks a point in the state that Rewind returns to.
type Checkpoint struct {
	n           int
	retryCount  int
	lastStatus  CompletionStatus
	sideChannel map[string]any
}

// Checkpoint records the current log length, counters and side channel.
func (s *State) Checkpoint() Checkpoint {
	return Checkpoint{
		n:           len(s.messages),
		retryCount:  s.retryCount,
		lastStatus:  s.lastStatus,
		sideChannel: CloneSideChannel(s.sideChannel),
	}
}

// Rewind drops every message appended after cp and restores the counters
// and side channel recorded with it. It is used to abandon a turn that
// did not finish.
func (s *State) Rewind(cp Checkpoint) {
	if cp.n < len(s.messages) {
		clear(s.messages[cp.n:])
		s.messages = s.messages[:cp.n]
	}
	s.retryCount = cp.retryCount
	s.lastStatus = cp.lastStatus
	s.sideChannel = CloneSideChannel(cp.sideChannel)
	if s.sideChannel == nil {
		s.sideChannel = make(map[string]any)
	}
}

// Validate checks causal order over the whole log: every tool result
// answers a call of the assistant turn it follows, no call is answered
// twice, and every call is answered before the next user or assistant
// message.
func (s *State) Validate() error {
	var pending map[string]bool
	check := func(at int) error {
		for id, open := range pending {
			if open {
				return fmt.Errorf("message %d: %w: %q", at, ErrIncompleteResults, id)
			}
		}
		return nil
	}

	for i, m := range s.messages {
		switch m.Kind {
		case KindUser:
			if err := check(i); err != nil {
				return err
			}
			pending = nil
		case KindAssistant:
			if err := check(i); err != nil {
				return err
			}
			pending = make(map[string]bool, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				pending[c.ID] = true
			}
		case KindTool:
			open, issued := pending[m.ToolCallID]
			if !issued {
				return fmt.Errorf("message %d: %w: %q", i, ErrUnknownToolCall, m.ToolCallID)
			}
			if !open {
				return fmt.Errorf("message %d: %w %q", i, ErrDuplicateResult, m.ToolCallID)
			}
			pending[m.ToolCallID] = false
		default:
			return fmt.Errorf("message %d: unknown kind %q", i, m.Kind)
		}
	}
	return check(len(s.messages))
}
