package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Cstannahill/ollama-desktop/internal/search"
)

// Searcher is the part of search.Manager the tool needs.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) (*search.Response, error)
}

// WebSearch looks a query up with the configured search provider.
type WebSearch struct {
	searcher Searcher
}

// NewWebSearch returns the web_search tool.
func NewWebSearch(s Searcher) *WebSearch {
	return &WebSearch{searcher: s}
}

func (t *WebSearch) Name() string        { return "web_search" }
func (t *WebSearch) Description() string { return "Search the web and return brief results" }

func (t *WebSearch) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search phrase",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearch) Execute(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return "", errors.New("query is required")
	}
	if len(query) > search.MaxQueryLen {
		return "", errors.New("query too long")
	}

	resp, err := t.searcher.Search(ctx, query, search.Options{Count: 5})
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	return search.Format(query, resp), nil
}
