package llm

import "context"

// Client is the model service surface used by the agent loop and the
// summarizer. *OllamaClient implements it.
type Client interface {
	// ChatStream starts a streamed chat completion.
	ChatStream(ctx context.Context, req ChatRequest) (*Stream, error)

	// Generate runs a single non-streamed completion.
	Generate(ctx context.Context, req GenerateRequest) (string, error)

	ListModels(ctx context.Context) ([]ModelInfo, error)

	Ping(ctx context.Context) error
}

var _ Client = (*OllamaClient)(nil)
