package fetch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/react-agent/internal/tools"
)

// ToolName is the name the model uses to fetch a page.
const ToolName = "web_fetch"

// NewTool wraps f as the web_fetch tool. defaultMaxChars applies when
// the model does not set max_chars.
func NewTool(f *Fetcher, defaultMaxChars int) *tools.Tool {
	if defaultMaxChars <= 0 {
		defaultMaxChars = DefaultMaxChars
	}
	return &tools.Tool{
		Name:        ToolName,
		Description: "Fetch a web page and return its readable text as JSON with url, title and content. Use it to read a result found by web_search.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "URL to fetch. A bare host is fetched over https.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"minimum":     100,
					"description": fmt.Sprintf("Maximum characters of content to return. Default: %d.", defaultMaxChars),
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			target, _ := args["url"].(string)
			maxChars := defaultMaxChars
			if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
				maxChars = int(mc)
			}

			page, err := f.Fetch(ctx, target, maxChars)
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(page)
			if err != nil {
				return "", fmt.Errorf("encode page: %w", err)
			}
			return string(out), nil
		},
	}
}
