// Package window keeps a conversation inside the model's context window.
// It estimates token cost with a cheap character heuristic, decides
// whether the history fits, and when it does not, picks the newest
// messages that do or folds older ones into a summary.
package window

import (
	"strings"

	"github.com/Cstannahill/ollama-desktop/internal/llm"
)

const (
	// CharsPerToken is the estimation ratio: one token per four bytes.
	CharsPerToken = 4

	// MessageOverhead is the per-message formatting cost in tokens.
	MessageOverhead = 10

	SystemPromptReserve  = 500
	ResponseReserve      = 1000
	DefaultContextTokens = 4096
)

// Budget splits a model's context window between the system prompt, the
// history and the response.
type Budget struct {
	MaxContextTokens    int
	SystemPromptReserve int
	ResponseReserve     int
}

// ForModel derives a Budget from the model name.
func ForModel(model string) Budget {
	return Budget{
		MaxContextTokens:    ContextTokensForModel(model),
		SystemPromptReserve: SystemPromptReserve,
		ResponseReserve:     ResponseReserve,
	}
}

// ContextTokensForModel picks a context size from hints in the model
// name: "32k", "16k", "8k" or "large". Names without a hint get the
// conservative default.
func ContextTokensForModel(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "32k"):
		return 32768
	case strings.Contains(m, "16k"):
		return 16384
	case strings.Contains(m, "8k"), strings.Contains(m, "large"):
		return 8192
	default:
		return DefaultContextTokens
	}
}

// Estimate returns the approximate token count of text, rounding up.
func Estimate(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessage is the token cost of one message including its role and
// formatting overhead.
func EstimateMessage(m llm.Message) int {
	return Estimate(m.Content) + Estimate(m.Role) + MessageOverhead
}

// Available is the token space left for history once the system prompt
// and both reserves are taken out. It is never negative.
func (b Budget) Available(systemPrompt string) int {
	n := b.MaxContextTokens - Estimate(systemPrompt) - b.SystemPromptReserve - b.ResponseReserve
	return max(n, 0)
}

// historyTokens sums EstimateMessage over non-tool messages.
func historyTokens(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		if m.Role == llm.RoleTool {
			continue
		}
		total += EstimateMessage(m)
	}
	return total
}
