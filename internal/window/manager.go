package window

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/Cstannahill/ollama-desktop/internal/llm"
)

const (
	// When fewer than minFitting messages fit a history longer than
	// summarizeAbove, the newest keepRecent are kept verbatim and the
	// rest are summarized.
	minFitting     = 6
	summarizeAbove = 10
	keepRecent     = 4

	// minSummaryTokens is the least space worth spending on a summary.
	minSummaryTokens = 200

	// ExtractiveBudget is the character budget of the fallback summary.
	ExtractiveBudget = 200

	SummaryPrefix = "Previous conversation summary: "
)

// Manager fits conversation history into a Budget.
type Manager struct {
	budget     Budget
	summarizer Summarizer
	logger     *slog.Logger
}

// NewManager returns a Manager. A nil summarizer uses the extractive
// summarizer only.
func NewManager(budget Budget, summarizer Summarizer, logger *slog.Logger) *Manager {
	if summarizer == nil {
		summarizer = ExtractiveSummarizer{MaxChars: ExtractiveBudget}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{budget: budget, summarizer: summarizer, logger: logger}
}

// ForModel returns a copy of m using the budget for model.
func (m *Manager) ForModel(model string) *Manager {
	cp := *m
	cp.budget = ForModel(model)
	return &cp
}

// Budget returns the manager's budget.
func (m *Manager) Budget() Budget { return m.budget }

// NeedsOptimization reports whether the non-tool history exceeds the
// space left after systemPrompt.
func (m *Manager) NeedsOptimization(msgs []llm.Message, systemPrompt string) bool {
	return historyTokens(msgs) > m.budget.Available(systemPrompt)
}

// Optimize returns the part of msgs to send with systemPrompt, in
// conversation order and within the available budget. Tool messages are
// never sent as history. If the rest already fits it is returned whole;
// otherwise the newest messages that fit are kept.
func (m *Manager) Optimize(ctx context.Context, msgs []llm.Message, systemPrompt string) []llm.Message {
	available := m.budget.Available(systemPrompt)

	if !m.NeedsOptimization(msgs, systemPrompt) {
		return withoutTools(msgs)
	}

	// Newest first, keep what fits.
	var fit []llm.Message
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.Role == llm.RoleTool {
			continue
		}
		cost := EstimateMessage(msg)
		if used+cost > available {
			break
		}
		fit = append(fit, msg)
		used += cost
	}
	slices.Reverse(fit)

	if len(fit) >= minFitting || len(msgs) <= summarizeAbove {
		m.logger.Debug("history trimmed to fit", "kept", len(fit), "total", len(msgs), "tokens", used, "available", available)
		return fit
	}

	return m.summarizeOlder(ctx, msgs, available)
}

// summarizeOlder keeps the last keepRecent messages and, if room remains,
// prepends a summary of everything before them.
func (m *Manager) summarizeOlder(ctx context.Context, msgs []llm.Message, available int) []llm.Message {
	split := max(len(msgs)-keepRecent, 0)
	recent := withoutTools(msgs[split:])
	older := withoutTools(msgs[:split])

	// The recent window itself must fit; drop its oldest entries if not.
	used := historyTokens(recent)
	for len(recent) > 0 && used > available {
		used -= EstimateMessage(recent[0])
		recent = recent[1:]
	}

	space := available - used
	if len(older) == 0 || space <= minSummaryTokens {
		m.logger.Debug("history reduced to recent window", "kept", len(recent), "summary_space", space)
		return recent
	}

	summary, err := m.summarizer.Summarize(ctx, conversationText(older))
	if err != nil || strings.TrimSpace(summary) == "" {
		m.logger.Debug("summary unavailable", "error", err)
		return recent
	}

	msg := llm.Message{Role: llm.RoleSystem, Content: SummaryPrefix + summary}
	if EstimateMessage(msg) > space {
		m.logger.Debug("summary does not fit, dropped", "tokens", EstimateMessage(msg), "space", space)
		return recent
	}

	m.logger.Debug("older history summarized", "summarized", len(older), "kept", len(recent))
	return append([]llm.Message{msg}, recent...)
}

// conversationText renders messages as "role: text" lines.
func conversationText(msgs []llm.Message) string {
	lines := make([]string, len(msgs))
	for i, msg := range msgs {
		lines[i] = msg.Role + ": " + msg.Content
	}
	return strings.Join(lines, "\n")
}

func withoutTools(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role != llm.RoleTool {
			out = append(out, msg)
		}
	}
	return out
}
