package similarity

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dan-solli/ctxrelay/pkg/embeddings"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

const (
	DefaultBatchSize   = 32
	DefaultConcurrency = 4
)

// Options tunes how the Engine batches embedding requests.
type Options struct {
	BatchSize   int // texts per Embed call
	Concurrency int // concurrent Embed calls
}

// Engine fills in fragment embeddings through an embedding capability.
type Engine struct {
	client      embeddings.EmbeddingClient
	batchSize   int
	concurrency int
}

// NewEngine creates an Engine. A nil client makes every embedding request
// fail with embeddings.ErrUnavailable.
func NewEngine(client embeddings.EmbeddingClient, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Engine{client: client, batchSize: opts.BatchSize, concurrency: opts.Concurrency}
}

// Missing returns how many fragments lack an embedding.
func Missing(frags []store.Fragment) int {
	n := 0
	for i := range frags {
		if len(frags[i].Embedding) == 0 {
			n++
		}
	}
	return n
}

// EnsureEmbeddings embeds every fragment that has no embedding yet. Batches
// are issued concurrently; either every missing embedding is filled in or
// frags is left untouched and an error is returned.
func (e *Engine) EnsureEmbeddings(ctx context.Context, frags []store.Fragment) error {
	var idx []int
	for i := range frags {
		if len(frags[i].Embedding) == 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil
	}
	if e.client == nil {
		return fmt.Errorf("no embedding client configured: %w", embeddings.ErrUnavailable)
	}

	batches := (len(idx) + e.batchSize - 1) / e.batchSize
	results := make([][][]float32, batches)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for b := 0; b < batches; b++ {
		b := b
		start := b * e.batchSize
		end := min(start+e.batchSize, len(idx))
		texts := make([]string, 0, end-start)
		for _, i := range idx[start:end] {
			texts = append(texts, frags[i].Text())
		}

		g.Go(func() error {
			vecs, err := e.client.Embed(gctx, texts)
			if err != nil {
				return err
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("expected %d embeddings, got %d: %w", len(texts), len(vecs), embeddings.ErrUnavailable)
			}
			for _, v := range vecs {
				if len(v) == 0 {
					return fmt.Errorf("empty embedding returned: %w", embeddings.ErrUnavailable)
				}
			}
			results[b] = vecs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("embed fragments: %w", err)
	}

	for b, vecs := range results {
		for k, v := range vecs {
			frags[idx[b*e.batchSize+k]].Embedding = v
		}
	}
	return nil
}

// EmbedQuery embeds a free-text query.
func (e *Engine) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if e.client == nil {
		return nil, fmt.Errorf("no embedding client configured: %w", embeddings.ErrUnavailable)
	}
	v, err := e.client.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return v, nil
}
