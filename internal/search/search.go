// Package search provides the web search backends behind the web_search
// tool.
//
// Backends implement [Provider]. A [Manager] tries the preferred backend
// first and [Format] renders whatever came back as markdown for the model.
package search

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// MaxQueryLen is the longest query accepted by the web_search tool.
const MaxQueryLen = 200

// Result is a single related link.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Response is everything a provider found for one query. Instant-answer
// providers fill the summary fields; index providers only fill Results.
type Response struct {
	Heading       string   `json:"heading,omitempty"`
	Abstract      string   `json:"abstract,omitempty"`
	AbstractURL   string   `json:"abstract_url,omitempty"`
	Definition    string   `json:"definition,omitempty"`
	DefinitionURL string   `json:"definition_url,omitempty"`
	Answer        string   `json:"answer,omitempty"`
	Results       []Result `json:"results,omitempty"`
}

// Empty reports whether the response carries nothing worth showing.
func (r *Response) Empty() bool {
	if r == nil {
		return true
	}
	return r.Abstract == "" && r.Definition == "" && r.Answer == "" && len(r.Results) == 0
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of related results to return.
	// Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "duckduckgo", "searxng").
	Name() string

	// Search executes a query.
	Search(ctx context.Context, query string, opts Options) (*Response, error)
}

// Manager routes queries to the primary provider and falls back to the
// others, in name order, when it fails.
type Manager struct {
	providers map[string]Provider
	primary   string
}

func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds p, replacing any provider with the same name.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search returns the first successful answer. When every provider fails
// the errors are joined.
func (m *Manager) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	order := m.order()
	if len(order) == 0 {
		return nil, fmt.Errorf("search provider %q not configured", m.primary)
	}
	var errs []error
	for _, name := range order {
		resp, err := m.providers[name].Search(ctx, query, opts)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// order lists the primary first, then the rest sorted.
func (m *Manager) order() []string {
	var out []string
	if _, ok := m.providers[m.primary]; ok {
		out = append(out, m.primary)
	}
	for _, name := range m.Providers() {
		if name != m.primary {
			out = append(out, name)
		}
	}
	return out
}

// Primary returns the name of the provider tried first.
func (m *Manager) Primary() string { return m.primary }

// Providers returns the registered provider names, sorted.
func (m *Manager) Providers() []string {
	return slices.Sorted(maps.Keys(m.providers))
}
