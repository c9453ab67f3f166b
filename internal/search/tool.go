package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/react-agent/internal/tools"
)

// ToolName is the name the model uses to call web search.
const ToolName = "web_search"

// NewTool wraps mgr as the web_search tool. defaultCount applies when
// the model does not ask for a specific number of results.
func NewTool(mgr *Manager, defaultCount int) *tools.Tool {
	return &tools.Tool{
		Name:        ToolName,
		Description: "Search the web for current information. Returns a JSON list of results with title, url and content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "The search query string.",
				},
				"count": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     10,
					"description": fmt.Sprintf("Maximum number of results to return. Default: %d.", defaultCount),
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 language code for results (e.g., 'en', 'de').",
				},
			},
			"required": []string{"query"},
		},
		Handler: handler(mgr, defaultCount),
	}
}

func handler(mgr *Manager, defaultCount int) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)

		opts := Options{Count: defaultCount}
		if count, ok := args["count"].(float64); ok && count > 0 {
			opts.Count = int(count)
		}
		if lang, ok := args["language"].(string); ok {
			opts.Language = lang
		}

		results, err := mgr.Search(ctx, query, opts)
		if err != nil {
			return "", err
		}
		if len(results) == 0 {
			return "No results found.", nil
		}

		out, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode results: %w", err)
		}
		return string(out), nil
	}
}
