package prompts

import (
	"errors"
	"strings"
	"testing"
)

func TestRenderSystemDirective_UploadedFiles(t *testing.T) {
	sc := map[string]any{
		UploadedFilesKey: []any{"uploads/report.pdf", "uploads/data.csv"},
	}
	got := RenderSystemDirective(sc)

	want := "```json\n[\n  \"uploads/report.pdf\",\n  \"uploads/data.csv\"\n]\n```"
	if !strings.Contains(got, want) {
		t.Errorf("directive missing indented file list:\n%s", got)
	}
	if strings.Contains(got, "## Session Context") {
		t.Error("session context section should be omitted when only files are set")
	}
}

func TestRenderSystemDirective_NoFiles(t *testing.T) {
	got := RenderSystemDirective(nil)
	if !strings.Contains(got, "```json\nnull\n```") {
		t.Errorf("empty side channel should render null files block:\n%s", got)
	}
}

func TestRenderSystemDirective_ExtraKeysSorted(t *testing.T) {
	sc := map[string]any{"zone": "UTC", "attempt": 2}
	got := RenderSystemDirective(sc)

	if !strings.Contains(got, "## Session Context") {
		t.Fatal("session context section missing")
	}
	if strings.Index(got, `"attempt"`) > strings.Index(got, `"zone"`) {
		t.Error("session context keys should be sorted")
	}
}

func TestRenderSystemDirective_Pure(t *testing.T) {
	sc := map[string]any{UploadedFilesKey: []any{"a.txt"}, "b": true, "a": 1}
	first := RenderSystemDirective(sc)
	for range 5 {
		if got := RenderSystemDirective(sc); got != first {
			t.Fatal("directive should be identical for identical input")
		}
	}
	if len(sc) != 3 {
		t.Error("rendering must not mutate the side channel")
	}
}

func TestSubAgentPrompts(t *testing.T) {
	if !strings.Contains(SubAgentPrompt("summarise X"), "Task: summarise X") {
		t.Error("sub-agent prompt should embed the task")
	}
	got := SubAgentResult("summarise X", "X is short")
	if got != "Sub-task 'summarise X' completed by sub-agent. Result: [X is short]" {
		t.Errorf("SubAgentResult() = %q", got)
	}
}

func TestAgentTexts(t *testing.T) {
	if got := ModelFailureText(errors.New("503")); got != "model invocation failed: 503" {
		t.Errorf("ModelFailureText() = %q", got)
	}
	if !strings.Contains(IterationLimitReply(25), "25 model calls") {
		t.Error("IterationLimitReply should mention the limit")
	}
}
