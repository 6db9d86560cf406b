package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Cstannahill/ollama-desktop/internal/search"
)

type fakeSearcher struct {
	resp  *search.Response
	err   error
	query string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ search.Options) (*search.Response, error) {
	f.query = query
	return f.resp, f.err
}

func TestWebSearch(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		searcher *fakeSearcher
		want     string
		wantErr  string
	}{
		{
			name:     "answer",
			query:    "  golang  ",
			searcher: &fakeSearcher{resp: &search.Response{Heading: "Go", Abstract: "A language."}},
			want:     "## Go\n\nA language.",
		},
		{
			name:     "no results",
			query:    "zzqx",
			searcher: &fakeSearcher{resp: &search.Response{}},
			want:     "I searched for 'zzqx' but didn't find specific results.",
		},
		{
			name:     "too long",
			query:    strings.Repeat("q", 201),
			searcher: &fakeSearcher{},
			wantErr:  "query too long",
		},
		{
			name:     "empty",
			query:    "   ",
			searcher: &fakeSearcher{},
			wantErr:  "query is required",
		},
		{
			name:     "provider failure",
			query:    "go",
			searcher: &fakeSearcher{err: errors.New("HTTP 503")},
			wantErr:  "web search: HTTP 503",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewWebSearch(tt.searcher).Execute(context.Background(), map[string]any{"query": tt.query})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("got %q, want containing %q", got, tt.want)
			}
		})
	}
}

func TestWebSearch_TrimsQuery(t *testing.T) {
	f := &fakeSearcher{resp: &search.Response{Answer: "4"}}
	if _, err := NewWebSearch(f).Execute(context.Background(), map[string]any{"query": " 2+2 "}); err != nil {
		t.Fatal(err)
	}
	if f.query != "2+2" {
		t.Errorf("query = %q", f.query)
	}
}
