package window

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Cstannahill/ollama-desktop/internal/llm"
)

// Summarizer condenses conversation text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Defaults for the model-assisted summarizer. A small model keeps the
// summary call from competing with the chat model for memory.
const (
	DefaultSummaryModel   = "qwen2.5:0.5b"
	DefaultSummaryTimeout = 15 * time.Second
	summaryInputChars     = 2000
	summaryPrompt         = "Summarize the following conversation in 2-3 concise sentences, focusing on key topics and decisions:\n\n"
)

// Generator is the slice of the model client the summarizer needs.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (string, error)
}

// ModelSummarizer asks a lightweight model for a summary.
type ModelSummarizer struct {
	gen     Generator
	model   string
	timeout time.Duration
}

// NewModelSummarizer returns a summarizer using model via gen. An empty
// model selects DefaultSummaryModel.
func NewModelSummarizer(gen Generator, model string) *ModelSummarizer {
	if model == "" {
		model = DefaultSummaryModel
	}
	return &ModelSummarizer{gen: gen, model: model, timeout: DefaultSummaryTimeout}
}

// Summarize sends at most the first 2000 characters of text.
func (s *ModelSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.gen.Generate(ctx, llm.GenerateRequest{
		Model:  s.model,
		Prompt: summaryPrompt + truncateChars(text, summaryInputChars),
		Options: &llm.Options{
			Temperature: 0.3,
			TopP:        0.8,
			NumCtx:      2048,
		},
	})
	if err != nil {
		return "", fmt.Errorf("model summary: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ExtractiveSummarizer picks the highest-scoring sentences of the text
// itself. It never fails.
type ExtractiveSummarizer struct {
	MaxChars int
}

func (s ExtractiveSummarizer) Summarize(_ context.Context, text string) (string, error) {
	return Extractive(text, s.MaxChars), nil
}

// FallbackSummarizer tries Primary and falls back to Fallback when
// Primary fails or returns nothing.
type FallbackSummarizer struct {
	Primary  Summarizer
	Fallback Summarizer
	Logger   *slog.Logger
}

func (s FallbackSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	if s.Primary != nil {
		out, err := s.Primary.Summarize(ctx, text)
		if err == nil && strings.TrimSpace(out) != "" {
			return out, nil
		}
		if s.Logger != nil {
			s.Logger.Debug("model summary unavailable, using extractive fallback", "error", err)
		}
	}
	return s.Fallback.Summarize(ctx, text)
}

const minSentenceChars = 20

// Extractive builds a summary of at most maxChars characters from the
// sentences of text. Sentences of 20 characters or fewer are ignored. The
// rest are scored by position (earlier is better) plus length and added
// best-first while they fit. If no sentence qualifies the raw text is
// truncated instead.
func Extractive(text string, maxChars int) string {
	if text == "" || maxChars <= 0 {
		return ""
	}

	type scored struct {
		score float64
		text  string
	}

	var sentences []string
	for _, s := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
		s = strings.TrimSpace(s)
		if utf8.RuneCountInString(s) > minSentenceChars {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return truncateChars(text, maxChars)
	}

	n := float64(len(sentences))
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		position := 1 - (float64(i)/n)*0.5
		length := min(float64(utf8.RuneCountInString(s))/100, 1)
		ranked[i] = scored{score: position + length, text: s}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var b strings.Builder
	used := 0
	for _, r := range ranked {
		n := utf8.RuneCountInString(r.text)
		if used+n+2 > maxChars {
			break
		}
		if used > 0 {
			b.WriteString(". ")
			used += 2
		}
		b.WriteString(r.text)
		used += n
	}

	if b.Len() == 0 {
		return truncateChars(text, maxChars)
	}
	return b.String()
}

// truncateChars returns at most n characters of s.
func truncateChars(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
