package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/nugget/react-agent/internal/httpkit"
)

// hit is one raw backend result before shaping.
type hit struct {
	Title     string
	URL       string
	Snippet   string
	Score     float64
	Published string
}

// shape turns backend hits into Results: markup is stripped, whitespace
// collapsed, hits without an http(s) URL or repeating an earlier URL are
// dropped, and at most count results are kept in backend order.
func shape(source string, hits []hit, count int) []Result {
	seen := make(map[string]bool, len(hits))
	out := make([]Result, 0, min(len(hits), count))
	for _, h := range hits {
		if len(out) == count {
			break
		}
		u, err := url.Parse(strings.TrimSpace(h.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		key := u.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		title := plainText(h.Title)
		if title == "" {
			title = u.Host
		}
		out = append(out, Result{
			Title:     title,
			URL:       key,
			Snippet:   plainText(h.Snippet),
			Score:     h.Score,
			Published: strings.TrimSpace(h.Published),
			Source:    source,
		})
	}
	return out
}

// plainText drops HTML markup such as Brave's <strong> highlights,
// decodes entities and collapses whitespace.
func plainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}

// doJSON sends req and decodes a 200 JSON response into out. Errors are
// prefixed with the backend name.
func doJSON(client *http.Client, source string, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", source, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", source, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", source, err)
	}
	return nil
}

// getJSON is doJSON for a GET of rawURL.
func getJSON(ctx context.Context, client *http.Client, source, rawURL string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", source, err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	return doJSON(client, source, req, out)
}
