// Package agent drives one user turn: it assembles the prompt, streams the
// model's answer and runs the tools the model asks for until it answers
// without one.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Cstannahill/ollama-desktop/internal/audit"
	"github.com/Cstannahill/ollama-desktop/internal/events"
	"github.com/Cstannahill/ollama-desktop/internal/llm"
	"github.com/Cstannahill/ollama-desktop/internal/metrics"
	"github.com/Cstannahill/ollama-desktop/internal/rag"
	"github.com/Cstannahill/ollama-desktop/internal/threads"
	"github.com/Cstannahill/ollama-desktop/internal/tools"
	"github.com/Cstannahill/ollama-desktop/internal/usage"
	"github.com/Cstannahill/ollama-desktop/internal/window"
)

// DefaultMaxToolRounds bounds tool calls per turn when Config leaves it unset.
const DefaultMaxToolRounds = 8

// Request is one user turn.
type Request struct {
	ThreadID     string        `json:"thread_id"`
	ProjectID    string        `json:"project_id,omitempty"`
	Model        string        `json:"model,omitempty"`
	Prompt       string        `json:"prompt"`
	RAGEnabled   bool          `json:"rag_enabled"`
	EnabledTools []string      `json:"enabled_tools,omitempty"`
	AllowedTools []string      `json:"allowed_tools,omitempty"`
	History      []llm.Message `json:"history,omitempty"`
}

// Response is the outcome of a completed turn. Messages holds what the
// turn added to the conversation: the user message, each tool call and
// its result, and the final answer.
type Response struct {
	Content  string        `json:"content"`
	Model    string        `json:"model"`
	Rounds   int           `json:"rounds"`
	Messages []llm.Message `json:"messages"`
}

// Retriever supplies the context block for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, scope rag.Scope, topK, budget int) string
}

// SettingsStore returns the retrieval settings of a thread.
type SettingsStore interface {
	Get(ctx context.Context, threadID string) (threads.Settings, error)
}

type Config struct {
	DefaultModel  string
	MaxToolRounds int
}

type Option func(*Loop)

// WithWindow fits history into the model's context window. Without it
// history is sent unchanged.
func WithWindow(m *window.Manager) Option { return func(l *Loop) { l.window = m } }

func WithRetriever(r Retriever) Option { return func(l *Loop) { l.retriever = r } }

func WithSettings(s SettingsStore) Option { return func(l *Loop) { l.settings = s } }

func WithAudit(r audit.Recorder) Option { return func(l *Loop) { l.audit = r } }

// WithUsage records the token counts of every model request.
func WithUsage(r usage.Recorder) Option { return func(l *Loop) { l.usage = r } }

func WithEvents(s events.Sink) Option { return func(l *Loop) { l.events = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Loop) { l.metrics = m } }

func WithLogger(lg *slog.Logger) Option { return func(l *Loop) { l.logger = lg } }

// Loop runs turns. It holds no per-turn state and is safe for concurrent
// use across threads.
type Loop struct {
	cfg       Config
	llm       llm.Client
	tools     *tools.Registry
	window    *window.Manager
	retriever Retriever
	settings  SettingsStore
	audit     audit.Recorder
	usage     usage.Recorder
	events    events.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewLoop creates a loop that talks to client and dispatches to registry.
func NewLoop(cfg Config, client llm.Client, registry *tools.Registry, opts ...Option) *Loop {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	l := &Loop{
		cfg:    cfg,
		llm:    client,
		tools:  registry,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run drives req to completion. Permission problems are reported before
// anything is sent to the model. Tool failures never end the turn; they
// become the tool's result text.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = "default"
	}
	model := req.Model
	if model == "" {
		model = l.cfg.DefaultModel
	}
	log := l.logger.With("thread", threadID, "model", model)

	for _, name := range req.EnabledTools {
		if !slices.Contains(req.AllowedTools, name) {
			l.metrics.TurnFinished("need_permission")
			log.Info("tool needs permission", "tool", name)
			return nil, &NeedPermissionError{Tool: name}
		}
	}

	specs := l.tools.Specs(req.EnabledTools...)
	var ragContext string
	if req.RAGEnabled && l.retriever != nil {
		st := l.threadSettings(ctx, threadID)
		ragContext = l.retriever.Retrieve(ctx, req.Prompt, rag.Scope{ThreadID: threadID, ProjectID: req.ProjectID}, st.TopK, st.CtxTokens)
	}
	system := systemPrompt(specs, ragContext)

	history := req.History
	if l.window != nil {
		history = l.window.ForModel(model).Optimize(ctx, history, system)
	}

	var messages []llm.Message
	if system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	messages = append(messages, history...)
	user := llm.Message{ID: uuid.NewString(), Role: llm.RoleUser, Content: req.Prompt}
	messages = append(messages, user)
	added := []llm.Message{user}

	var toolDefs []map[string]any
	if len(req.EnabledTools) > 0 {
		toolDefs = l.tools.List(req.EnabledTools...)
	}

	log.Info("turn started", "history", len(req.History), "sent_history", len(history), "tools", len(specs), "rag_chars", len(ragContext))

	for round := 0; ; round++ {
		content, call, err := l.stream(ctx, threadID, model, messages, toolDefs)
		if err != nil {
			return nil, l.fail(threadID, "error", err)
		}

		if call == nil {
			final := llm.Message{ID: uuid.NewString(), Role: llm.RoleAssistant, Content: content}
			added = append(added, final)
			events.Emit(l.events, threadID, events.KindEnd, map[string]any{"rounds": round})
			l.metrics.TurnFinished("ok")
			log.Info("turn completed", "rounds", round, "chars", len(content))
			return &Response{Content: content, Model: model, Rounds: round, Messages: added}, nil
		}

		if round >= l.cfg.MaxToolRounds {
			err := fmt.Errorf("%w: model requested %q after %d tool rounds", ErrToolLoopExceeded, call.Function.Name, round)
			return nil, l.fail(threadID, "loop_exceeded", err)
		}

		result := l.dispatch(ctx, threadID, req.EnabledTools, *call)
		step := []llm.Message{
			{Role: llm.RoleAssistant, Content: content, ToolCalls: []llm.ToolCall{*call}},
			{Role: llm.RoleTool, Name: call.Function.Name, Content: result},
		}
		messages = append(messages, step...)
		added = append(added, step...)
	}
}

// stream sends one chat request and forwards content fragments as they
// arrive. When the response carries several tool calls, the last one wins.
func (l *Loop) stream(ctx context.Context, threadID, model string, messages []llm.Message, toolDefs []map[string]any) (string, *llm.ToolCall, error) {
	start := time.Now()
	s, err := l.llm.ChatStream(ctx, llm.ChatRequest{Model: model, Messages: messages, Tools: toolDefs})
	if err != nil {
		l.metrics.ModelRequest(model, false, time.Since(start))
		return "", nil, err
	}
	defer s.Close()

	var (
		content strings.Builder
		call    *llm.ToolCall
		rec     = usage.Record{ThreadID: threadID, Model: model, Purpose: usage.PurposeChat}
	)
	for s.Next() {
		f := s.Frame()
		if f.Done {
			rec.PromptTokens, rec.OutputTokens = f.PromptEvalCount, f.EvalCount
		}
		if f.Message.Content != "" {
			content.WriteString(f.Message.Content)
			events.Emit(l.events, threadID, events.KindToken, map[string]any{"text": f.Message.Content})
		}
		if tc, ok := f.ToolCall(); ok {
			call = &tc
		}
		if f.Done {
			break
		}
	}
	if err := s.Err(); err != nil {
		l.metrics.ModelRequest(model, false, time.Since(start))
		return "", nil, fmt.Errorf("model stream: %w", err)
	}
	rec.Duration = time.Since(start)
	l.metrics.ModelRequest(model, true, rec.Duration)
	if l.usage != nil {
		if err := l.usage.Record(ctx, rec); err != nil {
			l.logger.Warn("usage record failed", "thread", threadID, "model", model, "error", err)
		}
	}
	return content.String(), call, nil
}

// dispatch runs one tool call and returns the text handed back to the
// model. Calls to tools outside the turn's enabled set are refused.
func (l *Loop) dispatch(ctx context.Context, threadID string, enabled []string, call llm.ToolCall) string {
	name := call.Function.Name
	args := map[string]any(call.Function.Arguments)
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	var (
		out string
		err error
	)
	if !slices.Contains(enabled, name) {
		err = &tools.ErrToolUnavailable{ToolName: name}
	} else {
		tctx := tools.WithThreadID(ctx, threadID)
		tctx = tools.WithOutputStream(tctx, func(chunk string) {
			events.Emit(l.events, threadID, events.KindToolStream, map[string]any{"tool": name, "chunk": chunk})
		})
		out, err = l.tools.Execute(tctx, name, args)
	}
	elapsed := time.Since(start)
	ok := err == nil
	if !ok {
		out = tools.Warning(err)
		l.logger.Warn("tool failed", "thread", threadID, "tool", name, "error", err)
	} else {
		l.logger.Debug("tool executed", "thread", threadID, "tool", name, "elapsed", elapsed, "bytes", len(out))
	}

	l.metrics.ToolExecuted(name, ok, elapsed)
	if l.audit != nil {
		entry := audit.LogEntry{When: start, ThreadID: threadID, Tool: name, Args: args, OK: ok}
		if aerr := l.audit.Record(ctx, entry); aerr != nil {
			l.logger.Warn("audit record failed", "thread", threadID, "tool", name, "error", aerr)
		}
	}
	events.Emit(l.events, threadID, events.KindToolMessage, map[string]any{"name": name, "content": out, "ok": ok})
	return out
}

func (l *Loop) threadSettings(ctx context.Context, threadID string) threads.Settings {
	if l.settings == nil {
		return threads.DefaultSettings()
	}
	st, err := l.settings.Get(ctx, threadID)
	if err != nil {
		l.logger.Warn("thread settings unavailable, using defaults", "thread", threadID, "error", err)
		return threads.DefaultSettings()
	}
	return st
}

func (l *Loop) fail(threadID, outcome string, err error) error {
	l.metrics.TurnFinished(outcome)
	events.Emit(l.events, threadID, events.KindError, map[string]any{"error": err.Error()})
	l.logger.Error("turn failed", "thread", threadID, "error", err)
	return err
}
