package search

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/react-agent/internal/httpkit"
)

const braveURL = "https://api.search.brave.com/res/v1/web/search"

// braveMaxCount is the API's ceiling for the count parameter.
const braveMaxCount = 20

// Brave queries the Brave Search web endpoint with a subscription token.
type Brave struct {
	token  string
	url    string
	client *http.Client
}

// NewBrave returns a provider authenticated with the given
// X-Subscription-Token.
func NewBrave(token string) *Brave {
	return &Brave{
		token: token,
		url:   braveURL,
		client: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(1, time.Second),
		),
	}
}

func (b *Brave) Name() string { return "brave" }

// braveHit is one web result. Descriptions carry <strong> highlights;
// page_age is an ISO timestamp and age a human form such as "2 days ago".
type braveHit struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	PageAge     string `json:"page_age"`
	Age         string `json:"age"`
}

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := min(opts.count(), braveMaxCount)
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	q.Set("text_decorations", "false")
	if opts.Language != "" {
		q.Set("search_lang", opts.Language)
	}

	var body struct {
		Web struct {
			Results []braveHit `json:"results"`
		} `json:"web"`
	}
	header := http.Header{"X-Subscription-Token": {b.token}}
	if err := getJSON(ctx, b.client, b.Name(), b.url+"?"+q.Encode(), header, &body); err != nil {
		return nil, err
	}

	hits := make([]hit, len(body.Web.Results))
	for i, r := range body.Web.Results {
		published := r.PageAge
		if published == "" {
			published = r.Age
		}
		hits[i] = hit{Title: r.Title, URL: r.URL, Snippet: r.Description, Published: published}
	}
	return shape(b.Name(), hits, count), nil
}
