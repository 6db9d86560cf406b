// Package embeddings turns text into vectors via Ollama's embedding API.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Cstannahill/ollama-desktop/internal/httpkit"
)

// DefaultModel produces 768-dimension vectors.
const DefaultModel = "nomic-embed-text"

// ErrEmptyEmbedding is returned when the service answers without a vector.
var ErrEmptyEmbedding = errors.New("embedding service returned no vector")

// Client generates embeddings using Ollama's embedding API.
type Client struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

// Config for embedding client.
type Config struct {
	BaseURL   string // Ollama base URL (e.g., "http://localhost:11434")
	Model     string // Embedding model (e.g., "nomic-embed-text")
	Token     string
	Dimension int // expected vector length; 0 skips the check
	Timeout   time.Duration
}

// New creates an embedding client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithBearerToken(cfg.Token),
		),
	}
}

// Model returns the embedding model name.
func (c *Client) Model() string { return c.model }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Generate creates an embedding for the given text.
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(er.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if c.dimension > 0 && len(er.Embedding) != c.dimension {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d (model %s)", len(er.Embedding), c.dimension, c.model)
	}

	return er.Embedding, nil
}

// GenerateBatch embeds each text in order. It stops at the first failure.
func (c *Client) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := c.Generate(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}
