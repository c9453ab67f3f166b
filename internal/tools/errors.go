package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a tool failure.
type ErrorKind int

const (
	// ErrInvalidArguments means the arguments did not match the schema.
	ErrInvalidArguments ErrorKind = iota + 1
	// ErrExecutionFailure means the handler ran and failed.
	ErrExecutionFailure
	// ErrUnavailable means no tool with that name is registered.
	ErrUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidArguments:
		return "invalid_arguments"
	case ErrExecutionFailure:
		return "execution_failure"
	case ErrUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ToolError is returned by Registry.Invoke. It never ends the agent loop;
// the loop turns it into tool result content with Content.
type ToolError struct {
	Kind ErrorKind
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error { return e.Err }

// Content renders the failure as text the model can read and act on.
func (e *ToolError) Content() string {
	switch e.Kind {
	case ErrInvalidArguments:
		return fmt.Sprintf("Error: invalid arguments for tool %q: %v. Check the tool schema and try again.", e.Tool, e.Err)
	case ErrUnavailable:
		return fmt.Sprintf("Error: tool %q is not available. Use only the tools you were given.", e.Tool)
	default:
		return fmt.Sprintf("Error: tool %q failed: %v", e.Tool, e.Err)
	}
}

// ErrorContent renders any error from Invoke as tool result content.
func ErrorContent(name string, err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Content()
	}
	return fmt.Sprintf("Error: tool %q failed: %v", name, err)
}
