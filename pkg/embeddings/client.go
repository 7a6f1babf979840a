// Package embeddings provides the embedding capability used for similarity
// detection: an OpenAI client, an Ollama client, a deterministic local
// embedder and a rate-limiting wrapper.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks a failure of the embedding backend itself
// (transport errors, non-success responses, malformed payloads).
var ErrUnavailable = errors.New("embedding capability unavailable")

// EmbeddingClient defines the interface for generating text embeddings
type EmbeddingClient interface {
	// Embed generates embeddings for multiple texts
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedOne generates an embedding for a single text
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Provider names an embedding backend.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
)

// Config selects and configures an embedding backend.
type Config struct {
	Provider          Provider
	Model             string
	BaseURL           string
	APIKey            string
	Dimensions        int           // local embedder only
	Timeout           time.Duration // per request
	RequestsPerSecond float64       // <= 0 disables rate limiting
	Burst             int
}

// New builds the configured client, wrapped in a rate limiter when
// RequestsPerSecond is positive.
func New(cfg Config) (EmbeddingClient, error) {
	var client EmbeddingClient
	switch cfg.Provider {
	case "", ProviderLocal:
		client = NewLocalEmbedder(cfg.Dimensions)
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embeddings require an API key")
		}
		c := NewOpenAIClient(cfg.APIKey, cfg.BaseURL)
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		client = c
	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		model := cfg.Model
		if model == "" {
			model = defaultOllamaModel
		}
		c := NewOllamaClient(baseURL, model)
		if cfg.Timeout > 0 {
			c.client.Timeout = cfg.Timeout
		}
		client = c
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	if cfg.RequestsPerSecond > 0 {
		client = NewRateLimited(client, cfg.RequestsPerSecond, cfg.Burst)
	}
	return client, nil
}

// unavailable wraps a backend failure with ErrUnavailable unless the caller's
// context ended, in which case the context error is kept as the cause.
func unavailable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
