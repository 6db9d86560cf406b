// Package llm talks to the local Ollama model service: streaming chat,
// one-shot generation, and the model catalogue.
package llm

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// LevelTrace is below Debug and used for wire-level detail.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation. Within a conversation messages
// are append-only and kept in conversation order. Name is set on tool
// results and carries the tool that produced them.
type Message struct {
	ID          string     `json:"id,omitempty"`
	Role        string     `json:"role"`
	Content     string     `json:"content"`
	Name        string     `json:"name,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
}

// ToolCall is a model request to invoke a named tool.
type ToolCall struct {
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments.
type FunctionCall struct {
	Name      string    `json:"name"`
	Arguments Arguments `json:"arguments"`
}

// Arguments are the structured arguments of a tool call. Models send them
// either as a JSON object or as a string holding JSON; both decode to the
// same map. A string that is not a JSON object, or any other JSON value,
// decodes to an empty map so the tool's own validation can report the
// problem to the model.
type Arguments map[string]any

func (a *Arguments) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = Arguments{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		m := map[string]any{}
		if strings.TrimSpace(s) != "" {
			if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
				m = map[string]any{}
			}
		}
		*a = m
		return nil
	}

	if data[0] != '{' {
		*a = Arguments{}
		return nil
	}

	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*a = m
	return nil
}

// Frame is one newline-delimited JSON object of a streamed chat response.
type Frame struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   struct {
		Role      string     `json:"role"`
		Content   string     `json:"content"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	} `json:"message"`
	Done bool `json:"done"`

	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	TotalDuration   int64 `json:"total_duration,omitempty"`
}

// ToolCall returns the first tool call carried by the frame, if any.
func (f *Frame) ToolCall() (ToolCall, bool) {
	if len(f.Message.ToolCalls) == 0 {
		return ToolCall{}, false
	}
	return f.Message.ToolCalls[0], true
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *Options         `json:"options,omitempty"`
}

// Options are sampling parameters passed through to the model.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *Options `json:"options,omitempty"`
}

// ModelInfo describes one locally available model.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}
