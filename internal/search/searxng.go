package search

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/react-agent/internal/httpkit"
)

// SearXNG queries a self-hosted SearXNG metasearch instance. The
// instance must have the json output format enabled in settings.yml.
type SearXNG struct {
	endpoint string
	client   *http.Client
}

// NewSearXNG returns a provider for the instance at baseURL.
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		endpoint: strings.TrimRight(baseURL, "/") + "/search",
		client: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(1, time.Second),
		),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

// searxngHit mirrors one entry of the results array. Engines that fill
// publishedDate report it as RFC 3339 or null.
type searxngHit struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate *string `json:"publishedDate"`
}

func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("safesearch", "1")
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}

	var body struct {
		Results []searxngHit `json:"results"`
	}
	if err := getJSON(ctx, s.client, s.Name(), s.endpoint+"?"+q.Encode(), nil, &body); err != nil {
		return nil, err
	}

	// The API has no result limit; shape trims to the requested count.
	hits := make([]hit, len(body.Results))
	for i, r := range body.Results {
		hits[i] = hit{Title: r.Title, URL: r.URL, Snippet: r.Content, Score: r.Score}
		if r.PublishedDate != nil {
			hits[i].Published = *r.PublishedDate
		}
	}
	return shape(s.Name(), hits, opts.count()), nil
}
