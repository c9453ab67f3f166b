package prompts

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// UploadedFilesKey is the side-channel key whose value is rendered into
// the uploaded-files section of the system directive.
const UploadedFilesKey = "uploaded_file_paths"

// systemTemplate is the directive prepended to every model call. Format
// verbs: (1) uploaded files block, (2) session context block.
const systemTemplate = `You are a capable research assistant that solves tasks step by step.

## How to Work
- Think about what the user actually needs before acting.
- Use a tool when it gives you information you do not already have. Answer directly when you can.
- You may call several tools in one turn when the calls do not depend on each other.
- Read every tool result before deciding the next step. If a tool reports an error, correct the arguments or choose another approach.
- Delegate a self-contained sub-task with sub_agent_executor when it would distract from the main task.

## Answering
- Finish with a complete answer in plain text. Never end a turn with an empty reply.
- Cite the sources you used when the answer comes from web_search or web_fetch.
- Answer in the language the user writes in.

## Uploaded Files
The user has made these files available for this session:
%s
%s`

// RenderSystemDirective builds the system directive for one model call
// from the session's side channel. It is a pure function of its input:
// the same side channel always yields the same directive.
func RenderSystemDirective(sideChannel map[string]any) string {
	files := renderJSONBlock(sideChannel[UploadedFilesKey])

	var extra string
	rest := maps.Clone(sideChannel)
	delete(rest, UploadedFilesKey)
	if len(rest) > 0 {
		extra = "\n## Session Context\n" + renderJSONBlock(rest) + "\n"
	}

	return fmt.Sprintf(systemTemplate, files, extra)
}

// renderJSONBlock renders v as an indented JSON code fence. Map keys are
// emitted in sorted order by encoding/json.
func renderJSONBlock(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(v)))
	}
	var sb strings.Builder
	sb.WriteString("```json\n")
	sb.Write(data)
	sb.WriteString("\n```")
	return sb.String()
}
