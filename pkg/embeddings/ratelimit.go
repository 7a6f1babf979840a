package embeddings

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to an underlying EmbeddingClient. Each Embed
// call consumes one token regardless of batch size.
type RateLimited struct {
	inner   EmbeddingClient
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with a token bucket of rps tokens per second.
// burst < 1 is treated as 1.
func NewRateLimited(inner EmbeddingClient, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Embed waits for a token and delegates.
func (r *RateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}
	return r.inner.Embed(ctx, texts)
}

// EmbedOne waits for a token and delegates.
func (r *RateLimited) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}
	return r.inner.EmbedOne(ctx, text)
}
