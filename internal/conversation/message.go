// Package conversation holds the per-session message log and the small
// amount of state the agent loop keeps next to it.
//
// The log is append-only. An assistant turn and the tool results that
// answer it are committed together, so a reader never observes a tool
// call without its results or a model turn the loop chose to retry.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the message variants.
type Kind string

// Message kinds.
const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindTool      Kind = "tool"
)

// CompletionStatus classifies why a model call ended.
type CompletionStatus int

const (
	// StatusUnset is the zero value, carried by user and tool messages.
	StatusUnset CompletionStatus = iota
	// StatusStop means the model chose to stop with a usable answer.
	StatusStop
	// StatusToolRequest means the model emitted at least one tool call.
	StatusToolRequest
	// StatusTruncated means output was cut by a length or content limit.
	StatusTruncated
	// StatusEmpty means the model returned no text and no tool calls.
	StatusEmpty
	// StatusError means the invocation itself failed.
	StatusError
)

var statusNames = map[CompletionStatus]string{
	StatusUnset:       "",
	StatusStop:        "STOP",
	StatusToolRequest: "TOOL_REQUEST",
	StatusTruncated:   "TRUNCATED",
	StatusEmpty:       "EMPTY",
	StatusError:       "ERROR",
}

func (s CompletionStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CompletionStatus(%d)", int(s))
}

// Degenerate reports whether the status calls for a retry.
func (s CompletionStatus) Degenerate() bool {
	switch s {
	case StatusTruncated, StatusEmpty, StatusError:
		return true
	}
	return false
}

// ParseStatus is the inverse of String.
func ParseStatus(name string) (CompletionStatus, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown completion status %q", name)
}

// MarshalJSON renders the status by name.
func (s CompletionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the status name.
func (s *CompletionStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one entry of the conversation log. Which fields are
// meaningful depends on Kind:
//
//   - user: Text
//   - assistant: Text (may be empty), ToolCalls, Status
//   - tool: ToolCallID, Name, Text (the tool output)
type Message struct {
	Kind       Kind             `json:"kind"`
	Text       string           `json:"text,omitempty"`
	ToolCalls  []ToolCall       `json:"tool_calls,omitempty"`
	Status     CompletionStatus `json:"status,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NewUserMessage builds a user message.
func NewUserMessage(text string) Message {
	return Message{Kind: KindUser, Text: text, CreatedAt: time.Now()}
}

// NewAssistantMessage builds an assistant turn.
func NewAssistantMessage(text string, calls []ToolCall, status CompletionStatus) Message {
	return Message{
		Kind:      KindAssistant,
		Text:      text,
		ToolCalls: calls,
		Status:    status,
		CreatedAt: time.Now(),
	}
}

// NewToolResult builds the result message for one tool call.
func NewToolResult(callID, name, content string) Message {
	return Message{
		Kind:       KindTool,
		Text:       content,
		ToolCallID: callID,
		Name:       name,
		CreatedAt:  time.Now(),
	}
}

// IsAssistant reports whether m is an assistant turn.
func (m Message) IsAssistant() bool { return m.Kind == KindAssistant }

// IsToolResult reports whether m is a tool result.
func (m Message) IsToolResult() bool { return m.Kind == KindTool }

// clone copies the message deeply enough that callers cannot reach the
// stored tool-call slice or argument maps.
func (m Message) clone() Message {
	if len(m.ToolCalls) == 0 {
		return m
	}
	calls := make([]ToolCall, len(m.ToolCalls))
	for i, c := range m.ToolCalls {
		calls[i] = c
		if c.Arguments != nil {
			args := make(map[string]any, len(c.Arguments))
			for k, v := range c.Arguments {
				args[k] = v
			}
			calls[i].Arguments = args
		}
	}
	m.ToolCalls = calls
	return m
}
