package prompts

import "fmt"

// IterationLimitReply is the text of the synthetic assistant turn the
// loop commits when a single user turn exhausts its model-call budget.
func IterationLimitReply(limit int) string {
	return fmt.Sprintf("I stopped after %d model calls without reaching a final answer. Please narrow the request or try again.", limit)
}

// ModelFailureText is the assistant text recorded when the model call
// itself fails.
func ModelFailureText(err error) string {
	return fmt.Sprintf("model invocation failed: %v", err)
}
