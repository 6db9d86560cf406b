package search

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Cstannahill/ollama-desktop/internal/httpkit"
)

// SearXNG queries a self-hosted SearXNG instance. The instance must have
// the json output format enabled in its settings.
type SearXNG struct {
	baseURL    string
	httpClient *http.Client
}

// NewSearXNG creates a provider for the instance rooted at baseURL, such
// as "http://localhost:8888".
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

type sxPage struct {
	Answers   []string    `json:"answers"`
	Infoboxes []sxInfobox `json:"infoboxes"`
	Results   []sxHit     `json:"results"`
}

type sxInfobox struct {
	Infobox string `json:"infobox"`
	Content string `json:"content"`
	ID      string `json:"id"`
}

type sxHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Search maps the first answer and infobox onto the summary fields and
// keeps up to opts.Count distinct result URLs. Engines often return the
// same page more than once.
func (s *SearXNG) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	q := url.Values{"q": {query}, "format": {"json"}, "safesearch": {"1"}}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}

	var page sxPage
	if err := getJSON(ctx, s.httpClient, s.Name(), s.baseURL+"/search?"+q.Encode(), &page); err != nil {
		return nil, err
	}

	out := &Response{}
	if len(page.Answers) > 0 {
		out.Answer = page.Answers[0]
	}
	if len(page.Infoboxes) > 0 {
		ib := page.Infoboxes[0]
		out.Heading, out.Abstract, out.AbstractURL = ib.Infobox, ib.Content, ib.ID
	}

	limit := resultCount(opts)
	seen := make(map[string]bool)
	for _, h := range page.Results {
		if len(out.Results) == limit {
			break
		}
		if h.URL == "" || seen[h.URL] {
			continue
		}
		seen[h.URL] = true
		out.Results = append(out.Results, Result{Title: h.Title, URL: h.URL, Snippet: h.Content})
	}
	return out, nil
}
