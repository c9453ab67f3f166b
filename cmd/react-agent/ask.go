package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/react-agent/internal/conversation"
	"github.com/nugget/react-agent/internal/session"
)

// runAsk handles the "ask <question>" subcommand. It boots the agent,
// submits one turn on a fresh session and prints the final assistant
// text, or the whole reply with -o json. Logs go to stderr so stdout
// carries only the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, question string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.host.Create("")
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	reply, err := a.host.SubmitTurn(ctx, id, question, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}

	fmt.Fprintln(stdout, finalText(reply))
	if reply.FinalStatus != conversation.StatusStop {
		return fmt.Errorf("ask: agent finished with status %s", reply.FinalStatus)
	}
	return nil
}

// finalText returns the text of the last assistant message in reply.
func finalText(reply session.Reply) string {
	for i := len(reply.Messages) - 1; i >= 0; i-- {
		if m := reply.Messages[i]; m.Kind == conversation.KindAssistant {
			return strings.TrimSpace(m.Text)
		}
	}
	return ""
}
