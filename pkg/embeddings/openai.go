package embeddings

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel = "text-embedding-3-small"
)

// OpenAIClient implements EmbeddingClient using OpenAI's embeddings API
type OpenAIClient struct {
	Model  string
	client *openai.Client
}

// NewOpenAIClient creates a new OpenAI embedding client. An empty baseURL
// uses the public API; any OpenAI-compatible endpoint can be supplied.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		Model:  defaultOpenAIModel,
		client: openai.NewClientWithConfig(cfg),
	}
}

// Embed generates embeddings for multiple texts
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.Model),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, unavailable(ctx, "openai embeddings", fmt.Errorf("API error (%d): %s", apiErr.HTTPStatusCode, apiErr.Message))
		}
		return nil, unavailable(ctx, "openai embeddings", err)
	}

	// Extract embeddings in correct order
	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, unavailable(ctx, "openai embeddings", fmt.Errorf("invalid embedding index: %d", data.Index))
		}
		embeddings[data.Index] = data.Embedding
	}
	for i, e := range embeddings {
		if e == nil {
			return nil, unavailable(ctx, "openai embeddings", fmt.Errorf("missing embedding for input %d", i))
		}
	}

	return embeddings, nil
}

// EmbedOne generates an embedding for a single text
func (c *OpenAIClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}
