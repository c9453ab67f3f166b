package prompts

import "fmt"

// SubAgentToolDescription is the model-facing description for the
// sub_agent_executor tool.
const SubAgentToolDescription = `Hand a self-contained sub-task to a focused expert model and get its answer back. Use it for work that can be described completely in one instruction, such as summarising a document, drafting a section, or answering a narrow factual question.

Describe the task fully: the sub-agent sees none of this conversation.`

// subAgentTemplate is the single prompt sent to the sub-agent model.
// Format verb: the task description.
const subAgentTemplate = `You are an expert in the subject of the following task. Complete it thoroughly and return only the result.

Task: %s`

// SubAgentPrompt returns the prompt for a sub-agent call.
func SubAgentPrompt(task string) string {
	return fmt.Sprintf(subAgentTemplate, task)
}

// SubAgentResult wraps the sub-agent's answer as tool result content.
func SubAgentResult(task, content string) string {
	return fmt.Sprintf("Sub-task '%s' completed by sub-agent. Result: [%s]", task, content)
}
