package search

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/Cstannahill/ollama-desktop/internal/httpkit"
)

// DefaultDuckDuckGoURL is the instant answer API endpoint.
const DefaultDuckDuckGoURL = "https://api.duckduckgo.com/"

// DuckDuckGo implements Provider using the DuckDuckGo instant answer API.
// It needs no API key, which makes it the default backend.
type DuckDuckGo struct {
	endpoint   string
	httpClient *http.Client
}

// NewDuckDuckGo creates a DuckDuckGo provider. An empty endpoint selects
// DefaultDuckDuckGoURL.
func NewDuckDuckGo(endpoint string) *DuckDuckGo {
	if endpoint == "" {
		endpoint = DefaultDuckDuckGoURL
	}
	return &DuckDuckGo{
		endpoint: endpoint,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10 * time.Second),
		),
	}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

type ddgResponse struct {
	Heading       string     `json:"Heading"`
	Abstract      string     `json:"Abstract"`
	AbstractURL   string     `json:"AbstractURL"`
	Definition    string     `json:"Definition"`
	DefinitionURL string     `json:"DefinitionURL"`
	Answer        any        `json:"Answer"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

// ddgTopic is either a topic or a named group of topics.
type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Name     string     `json:"Name"`
	Topics   []ddgTopic `json:"Topics"`
}

func (d *DuckDuckGo) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	params := url.Values{
		"q":             {query},
		"format":        {"json"},
		"no_html":       {"1"},
		"skip_disambig": {"1"},
	}

	var dr ddgResponse
	if err := getJSON(ctx, d.httpClient, d.Name(), d.endpoint+"?"+params.Encode(), &dr); err != nil {
		return nil, err
	}

	out := &Response{
		Heading:       dr.Heading,
		Abstract:      dr.Abstract,
		AbstractURL:   dr.AbstractURL,
		Definition:    dr.Definition,
		DefinitionURL: dr.DefinitionURL,
	}
	// Answer is a string for most queries and an object for calculators
	// and similar widgets, which carry nothing useful as text.
	if s, ok := dr.Answer.(string); ok {
		out.Answer = s
	}

	count := resultCount(opts)
	for _, t := range dr.RelatedTopics {
		if len(out.Results) >= count {
			break
		}
		if t.Text == "" || t.FirstURL == "" {
			continue
		}
		out.Results = append(out.Results, Result{Title: t.Text, URL: t.FirstURL})
	}
	return out, nil
}
