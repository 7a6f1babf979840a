package ctxrelay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/ctxrelay/pkg/embeddings"
	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

func TestPruneRecencyKeepsNewest(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	var frags []store.Fragment
	for i := 0; i < 100; i++ {
		frags = append(frags, frag(fmt.Sprintf("f%03d", i), 0.5, time.Duration(i)*time.Minute, unit(float64(i)*0.01)))
	}
	env.seed(t, "ctx-large", frags...)

	p, err := env.engine.Prune(ctx, PruneRequest{ContextID: "ctx-large", Strategy: "recency", Budget: 50})
	require.NoError(t, err)

	assert.Equal(t, 1, p.Version)
	require.Len(t, p.Fragments, 50)
	for i, f := range p.Fragments {
		assert.Equal(t, fmt.Sprintf("f%03d", i+50), f.FragmentID)
	}

	last := p.DecisionTrace[len(p.DecisionTrace)-1]
	assert.Equal(t, OpPrune, last.Operation)
	assert.Len(t, last.AffectedFragments, 50)
	assert.Equal(t, "below recency cutoff", last.Reasons["f000"])

	pruned := env.history(events.TypeContextPruned)
	require.Len(t, pruned, 1)
	assert.Equal(t, "ctx-large", pruned[0].Payload["contextId"])
	assert.Equal(t, 50, pruned[0].Payload["fragmentCount"])
}

func TestPruneRecencyTieBreaksByID(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seed(t, "ctx-tie",
		frag("c", 0.5, 0, unit(0)),
		frag("a", 0.5, 0, unit(1)),
		frag("b", 0.5, 0, unit(2)),
	)

	p, err := env.engine.Prune(context.Background(), PruneRequest{ContextID: "ctx-tie", Strategy: "recency", Budget: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fragmentIDs(p))
}

func TestPruneBudgetNotSmallerFails(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	var frags []store.Fragment
	for i := 0; i < 5; i++ {
		frags = append(frags, frag(fmt.Sprintf("f%d", i), 0.5, time.Duration(i)*time.Minute, unit(float64(i))))
	}
	env.seed(t, "ctx-small", frags...)
	before, err := env.store.Get(ctx, "ctx-small")
	require.NoError(t, err)

	for _, budget := range []int{5, 10} {
		for _, strategy := range []string{"recency", "importance", "semantic_diversity"} {
			_, err := env.engine.Prune(ctx, PruneRequest{ContextID: "ctx-small", Strategy: strategy, Budget: budget})
			assert.ErrorIs(t, err, ErrInvalidInput, "%s/%d", strategy, budget)
		}
	}

	after, err := env.store.Get(ctx, "ctx-small")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, env.history(events.TypeContextPruned))
}

func TestPruneValidation(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seed(t, "ctx", frag("a", 0.5, 0, unit(0)), frag("b", 0.5, 0, unit(1)))

	tests := []struct {
		name string
		req  PruneRequest
		want error
	}{
		{"no context", PruneRequest{Strategy: "recency", Budget: 1}, ErrInvalidInput},
		{"unknown strategy", PruneRequest{ContextID: "ctx", Strategy: "random", Budget: 1}, ErrInvalidInput},
		{"zero budget", PruneRequest{ContextID: "ctx", Strategy: "recency", Budget: 0}, ErrInvalidInput},
		{"missing context", PruneRequest{ContextID: "nope", Strategy: "recency", Budget: 1}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Prune(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPruneImportanceFloor(t *testing.T) {
	seed := func(env *testEnv) {
		env.seed(t, "ctx-imp",
			frag("keep-1", 0.9, 0, unit(0)),
			frag("low", 0.3, time.Minute, unit(1)),
			frag("keep-2", 0.95, 2*time.Minute, unit(2)),
			frag("mid", 0.6, 3*time.Minute, unit(3)),
			frag("mid-old", 0.6, 0, unit(4)),
		)
	}

	t.Run("floor exceeds budget", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		seed(env)
		p, err := env.engine.Prune(context.Background(), PruneRequest{ContextID: "ctx-imp", Strategy: "importance", Budget: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"keep-1", "keep-2"}, fragmentIDs(p))
		assert.Equal(t, 1, p.Version)
	})

	t.Run("remaining slots by importance then recency", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		seed(env)
		p, err := env.engine.Prune(context.Background(), PruneRequest{ContextID: "ctx-imp", Strategy: "importance", Budget: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"keep-1", "keep-2", "mid"}, fragmentIDs(p))

		last := p.DecisionTrace[len(p.DecisionTrace)-1]
		assert.Equal(t, "below importance cutoff", last.Reasons["mid-old"])
		assert.Equal(t, "below importance cutoff", last.Reasons["low"])
	})

	t.Run("everything above floor", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.seed(t, "ctx-all", frag("x", 0.9, 0, unit(0)), frag("y", 0.99, 0, unit(1)))
		_, err := env.engine.Prune(context.Background(), PruneRequest{ContextID: "ctx-all", Strategy: "importance", Budget: 1})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestPruneSemanticDiversity(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seed(t, "ctx-div",
		frag("f1", 0.9, 0, unit(0)),
		frag("f2", 0.8, 0, unit(0.05)),
		frag("f3", 0.7, 0, unit(1.5)),
		frag("f4", 0.6, 0, unit(3.0)),
	)

	p, err := env.engine.Prune(context.Background(), PruneRequest{ContextID: "ctx-div", Strategy: "semantic_diversity", Budget: 3})
	require.NoError(t, err)

	assert.Equal(t, []string{"f1", "f3", "f4"}, fragmentIDs(p))
	last := p.DecisionTrace[len(p.DecisionTrace)-1]
	assert.Equal(t, "consolidated: similar to fragment f1", last.Reasons["f2"])
}

func TestPruneSemanticDiversityBackfillsToBudget(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seed(t, "ctx-same",
		frag("f1", 0.9, 0, unit(0)),
		frag("f2", 0.8, 0, unit(0.01)),
		frag("f3", 0.7, 0, unit(0.02)),
		frag("f4", 0.6, 0, unit(0.03)),
	)

	p, err := env.engine.Prune(context.Background(), PruneRequest{ContextID: "ctx-same", Strategy: "semantic_diversity", Budget: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"f1", "f2"}, fragmentIDs(p))
	last := p.DecisionTrace[len(p.DecisionTrace)-1]
	assert.Equal(t, "consolidated: similar to fragment f1", last.Reasons["f3"])
	assert.NotContains(t, last.Reasons, "f2")
}

func TestPruneSemanticDiversityEmbeddingUnavailable(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.seed(t, "ctx-noemb",
		frag("f1", 0.5, 0, nil),
		frag("f2", 0.5, 0, nil),
		frag("f3", 0.5, 0, nil),
	)
	env.emb.fail(errors.Join(embeddings.ErrUnavailable, errors.New("offline")))

	_, err := env.engine.Prune(ctx, PruneRequest{ContextID: "ctx-noemb", Strategy: "semantic_diversity", Budget: 1})
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	p, err := env.store.Get(ctx, "ctx-noemb")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Version)
	assert.Len(t, p.Fragments, 3)
	for _, f := range p.Fragments {
		assert.Empty(t, f.Embedding)
	}

	// recency needs no embeddings
	_, err = env.engine.Prune(ctx, PruneRequest{ContextID: "ctx-noemb", Strategy: "recency", Budget: 1})
	assert.NoError(t, err)
}

func TestPruneTimeout(t *testing.T) {
	env := newTestEnv(t, Config{OperationTimeout: time.Nanosecond})
	env.seed(t, "ctx-slow", frag("a", 0.5, 0, unit(0)), frag("b", 0.5, time.Minute, unit(1)))

	_, err := env.engine.Prune(context.Background(), PruneRequest{ContextID: "ctx-slow", Strategy: "recency", Budget: 1})
	assert.ErrorIs(t, err, ErrTimeout)

	p, gerr := env.store.Get(context.Background(), "ctx-slow")
	require.NoError(t, gerr)
	assert.Equal(t, 0, p.Version)
}

func TestParsePruneStrategy(t *testing.T) {
	for _, s := range []string{"recency", "importance", "semantic_diversity"} {
		got, err := ParsePruneStrategy(s)
		require.NoError(t, err)
		assert.Equal(t, PruneStrategy(s), got)
	}
	_, err := ParsePruneStrategy("")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
