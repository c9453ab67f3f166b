package tools

import (
	"context"
	"testing"
)

func TestSessionIDContext(t *testing.T) {
	ctx := context.Background()
	if got := SessionIDFromContext(ctx); got != "" {
		t.Errorf("SessionIDFromContext(empty) = %q", got)
	}
	ctx = WithSessionID(ctx, "s-1")
	ctx = WithToolCallID(ctx, "call-7")
	if got := SessionIDFromContext(ctx); got != "s-1" {
		t.Errorf("SessionIDFromContext = %q, want s-1", got)
	}
	if got := ToolCallIDFromContext(ctx); got != "call-7" {
		t.Errorf("ToolCallIDFromContext = %q, want call-7", got)
	}
}
