// Package webintel is the client for the web-intelligence search provider.
package webintel

import (
	"context"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/providers/httpx"
	"github.com/shpitdev/prospect-enrichment/internal/prospect"
)

const (
	Name              = "web_intel"
	defaultMaxResults = 5
	maxSnippetRunes   = 600
)

type Client struct {
	http   *httpx.Client
	policy *bluemonday.Policy
	now    func() time.Time
}

type Option func(*Client)

func WithClock(fn func() time.Time) Option {
	return func(c *Client) { c.now = fn }
}

func New(cfg httpx.Config, opts ...Option) (*Client, error) {
	if cfg.Provider == "" {
		cfg.Provider = Name
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}
	hc, err := httpx.New(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{http: hc, policy: bluemonday.StrictPolicy(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type searchRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		PublishedDate string  `json:"published_date"`
		Score         float64 `json:"score"`
	} `json:"results"`
}

// SearchMentions implements enrich.MentionSearcher. Snippets arrive as HTML
// fragments and are reduced to plain text.
func (c *Client) SearchMentions(ctx context.Context, q enrich.MentionQuery) (*prospect.WebIntelData, error) {
	query := BuildQuery(q)
	max := q.MaxResults
	if max <= 0 {
		max = defaultMaxResults
	}

	var resp searchResponse
	if err := c.http.DoJSON(ctx, httpx.Request{
		Op:     "search",
		Method: http.MethodPost,
		Path:   "search",
		Body:   searchRequest{Query: query, MaxResults: max, SearchDepth: "basic"},
	}, &resp); err != nil {
		return nil, err
	}

	out := &prospect.WebIntelData{
		Query:       query,
		Mentions:    make([]prospect.WebMention, 0, len(resp.Results)),
		RetrievedAt: c.now().UTC(),
	}
	seen := make(map[string]bool, len(resp.Results))
	for _, r := range resp.Results {
		u := strings.TrimSpace(r.URL)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out.Mentions = append(out.Mentions, prospect.WebMention{
			Title:       c.plain(r.Title, 200),
			URL:         u,
			Snippet:     c.plain(r.Content, maxSnippetRunes),
			PublishedAt: strings.TrimSpace(r.PublishedDate),
			Score:       r.Score,
		})
		if len(out.Mentions) == max {
			break
		}
	}
	return out, nil
}

// BuildQuery renders the search string for a person.
func BuildQuery(q enrich.MentionQuery) string {
	parts := []string{quote(q.Name)}
	if q.Company != "" {
		parts = append(parts, quote(q.Company))
	}
	if q.Title != "" {
		parts = append(parts, q.Title)
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, `"`, ""))
	if s == "" {
		return ""
	}
	return `"` + s + `"`
}

func (c *Client) plain(s string, maxRunes int) string {
	s = html.UnescapeString(c.policy.Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxRunes {
		s = strings.TrimSpace(string(r[:maxRunes])) + "…"
	}
	return s
}
