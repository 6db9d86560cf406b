package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Cstannahill/ollama-desktop/internal/httpkit"
)

// DefaultChatTimeout bounds one streamed chat response. Large local
// models with tools attached can take minutes to finish.
const DefaultChatTimeout = 5 * time.Minute

// StatusError is returned when the model service answers with a
// non-success HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model service returned %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Config configures an OllamaClient.
type Config struct {
	BaseURL     string
	Token       string
	ChatTimeout time.Duration
	Logger      *slog.Logger
}

// OllamaClient is a client for the Ollama HTTP API.
type OllamaClient struct {
	baseURL     string
	chatTimeout time.Duration
	http        *http.Client // no overall timeout; streaming calls use ctx
	logger      *slog.Logger
}

// NewOllamaClient creates a client for the Ollama API at cfg.BaseURL.
func NewOllamaClient(cfg Config) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = DefaultChatTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		chatTimeout: cfg.ChatTimeout,
		http: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithBearerToken(cfg.Token),
			httpkit.WithLogger(cfg.Logger),
		),
		logger: cfg.Logger,
	}
}

// Stream is an in-flight streamed chat response. Callers pull frames with
// Next and must Close it when done.
type Stream struct {
	*FrameReader
	body   io.ReadCloser
	cancel context.CancelFunc
}

// Close releases the connection.
func (s *Stream) Close() error {
	defer s.cancel()
	return s.body.Close()
}

// ChatStream posts req to /api/chat with streaming enabled and returns
// the response as a pull-based frame stream. A non-200 status is
// returned as *StatusError carrying the upstream body.
func (c *OllamaClient) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.chatTimeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Log(ctx, LevelTrace, "chat request", "model", req.Model, "messages", len(req.Messages), "tools", len(req.Tools))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 2048)}
	}

	s := NewStream(resp.Body, c.logger)
	s.cancel = cancel
	return s, nil
}

// NewStream wraps an NDJSON body as a Stream.
func NewStream(body io.ReadCloser, logger *slog.Logger) *Stream {
	return &Stream{
		FrameReader: NewFrameReader(body, logger),
		body:        body,
		cancel:      func() {},
	}
}

// Generate runs a non-streaming completion against /api/generate and
// returns the response text.
func (c *OllamaClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	req.Stream = false

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 2048)}
	}
	defer resp.Body.Close()

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return out.Response, nil
}

// Ping checks that the model service is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns the models available to the local service.
func (c *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 1024)}
	}
	defer resp.Body.Close()

	var out struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return out.Models, nil
}
