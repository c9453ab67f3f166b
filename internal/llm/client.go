package llm

import (
	"context"
	"time"
)

// Provider HTTP clients retry unreachable hosts and throttled responses.
const (
	retryCount = 2
	retryDelay = time.Second
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// Tool definitions are offered to the model; tools may be nil.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
