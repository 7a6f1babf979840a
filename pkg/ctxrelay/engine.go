// Package ctxrelay is the context evolution engine: it owns the canonical
// context packets and evolves them through relay, merge and prune under
// per-context serialization, snapshots them into versions and broadcasts
// every outcome to event subscribers.
package ctxrelay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dan-solli/ctxrelay/pkg/chunker"
	"github.com/dan-solli/ctxrelay/pkg/embeddings"
	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/metrics"
	"github.com/dan-solli/ctxrelay/pkg/similarity"
	"github.com/dan-solli/ctxrelay/pkg/store"
	"github.com/dan-solli/ctxrelay/pkg/trace"
)

// Operation names used for metrics, traces and error events.
const (
	OpInitialize    = "initialize"
	OpRelay         = "relay"
	OpMerge         = "merge"
	OpPrune         = "prune"
	OpCreateVersion = "create_version"
	OpListVersions  = "list_versions"
	OpGetContext    = "get_context"
	OpFindSimilar   = "find_similar"
)

// timeLayout formats timestamps stored in packet metadata.
const timeLayout = time.RFC3339Nano

// Config holds engine tuning. A zero field takes the default noted on it, so
// a threshold of exactly 0 cannot be expressed; thresholds are otherwise
// limited to (0,1] and counts and durations must not be negative. New
// rejects a Config outside those ranges.
type Config struct {
	// Similarity at or above which a relayed fragment conflicts with an
	// existing one (default: 0.85)
	RelayConflictThreshold float64

	// Similarity at or above which merge strategies treat two fragments as
	// the same content (default: 0.85)
	MergeSimilarityThreshold float64

	// Similarity below which semantic_diversity pruning considers two
	// fragments distinct (default: 0.9)
	DiversityThreshold float64

	// Fragments with importance strictly above this are never pruned by the
	// importance strategy (default: 0.8)
	ImportanceFloor float64

	// Merges whose inputs exceed this many fragments fail with a timeout
	// before any work is done (default: 10000)
	MaxMergeFragments int

	// Upper bound for merge and prune (default: 30s)
	OperationTimeout time.Duration

	// Initial input longer than this many tokens is split into several
	// fragments (default: 512)
	ChunkMaxTokens int

	// Embedding batching (defaults: 32 texts, 4 concurrent calls)
	EmbedBatchSize   int
	EmbedConcurrency int

	// Agent recorded for system-initiated decisions (default: "system")
	SystemAgent string
}

func (c *Config) applyDefaults() {
	if c.RelayConflictThreshold == 0 {
		c.RelayConflictThreshold = 0.85
	}
	if c.MergeSimilarityThreshold == 0 {
		c.MergeSimilarityThreshold = 0.85
	}
	if c.DiversityThreshold == 0 {
		c.DiversityThreshold = 0.9
	}
	if c.ImportanceFloor == 0 {
		c.ImportanceFloor = 0.8
	}
	if c.MaxMergeFragments == 0 {
		c.MaxMergeFragments = 10000
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.ChunkMaxTokens == 0 {
		c.ChunkMaxTokens = chunker.DefaultMaxTokens
	}
	if c.SystemAgent == "" {
		c.SystemAgent = "system"
	}
}

func (c Config) validate() error {
	thresholds := []struct {
		name string
		v    float64
	}{
		{"RelayConflictThreshold", c.RelayConflictThreshold},
		{"MergeSimilarityThreshold", c.MergeSimilarityThreshold},
		{"DiversityThreshold", c.DiversityThreshold},
		{"ImportanceFloor", c.ImportanceFloor},
	}
	for _, th := range thresholds {
		if th.v <= 0 || th.v > 1 {
			return fmt.Errorf("%s must be within (0,1], got %v", th.name, th.v)
		}
	}
	switch {
	case c.MaxMergeFragments < 0:
		return fmt.Errorf("MaxMergeFragments must not be negative")
	case c.OperationTimeout < 0:
		return fmt.Errorf("OperationTimeout must not be negative")
	case c.ChunkMaxTokens < 0:
		return fmt.Errorf("ChunkMaxTokens must not be negative")
	case c.EmbedBatchSize < 0, c.EmbedConcurrency < 0:
		return fmt.Errorf("embedding batch size and concurrency must not be negative")
	}
	return nil
}

// Engine is the entry point for all context operations. It is safe for
// concurrent use.
type Engine struct {
	cfg      Config
	store    store.ContextStore
	sim      *similarity.Engine
	events   *events.Broadcaster
	chunker  *chunker.Chunker
	locks    *keyedMutex
	logger   *slog.Logger
	metrics  metrics.Collector
	tracer   trace.Exporter
	now      func() time.Time
	newID    func() string
}

// New creates an Engine. st and bc are required; a nil embedding client
// makes every embedding-dependent operation fail with ServiceUnavailable.
func New(st store.ContextStore, emb embeddings.EmbeddingClient, bc *events.Broadcaster, cfg Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("context store is required")
	}
	if bc == nil {
		return nil, fmt.Errorf("event broadcaster is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Engine{
		cfg:   cfg,
		store: st,
		sim: similarity.NewEngine(emb, similarity.Options{
			BatchSize:   cfg.EmbedBatchSize,
			Concurrency: cfg.EmbedConcurrency,
		}),
		events:  bc,
		chunker: &chunker.Chunker{MaxTokens: cfg.ChunkMaxTokens},
		locks:   newKeyedMutex(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: metrics.NewNoopCollector(),
		tracer:  &trace.NoopExporter{},
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}, nil
}

// WithLogger sets the logger and returns e for chaining. nil is ignored.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger == nil {
		return e
	}
	e.logger = logger.With("component", "engine")
	e.logger.Info("engine configured",
		"relay_conflict_threshold", e.cfg.RelayConflictThreshold,
		"merge_similarity_threshold", e.cfg.MergeSimilarityThreshold,
		"diversity_threshold", e.cfg.DiversityThreshold,
		"importance_floor", e.cfg.ImportanceFloor,
		"max_merge_fragments", e.cfg.MaxMergeFragments,
		"operation_timeout", e.cfg.OperationTimeout.String(),
		"chunk_max_tokens", e.cfg.ChunkMaxTokens)
	return e
}

// WithMetrics sets the metrics collector and returns e for chaining.
func (e *Engine) WithMetrics(m metrics.Collector) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithTracer sets the trace exporter and returns e for chaining.
func (e *Engine) WithTracer(t trace.Exporter) *Engine {
	if t != nil {
		e.tracer = t
	}
	return e
}

// Events returns the broadcaster the engine publishes to.
func (e *Engine) Events() *events.Broadcaster {
	return e.events
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// load fetches a packet for op, timing it as the load stage.
func (e *Engine) load(op *operation, contextID string) (*store.ContextPacket, error) {
	span := op.span(stageLoad)
	p, err := e.store.Get(op.ctx, contextID)
	span.finish(err, nil)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, newError(KindNotFound, op.name, contextID, "context %s not found", contextID)
		}
		return nil, err
	}
	return p, nil
}

// commit writes p with compare-and-swap against expected.
func (e *Engine) commit(op *operation, p *store.ContextPacket, expected int) error {
	span := op.span(stageCommit)
	err := e.store.Put(op.ctx, p, expected)
	span.finish(err, map[string]int64{"fragments": int64(len(p.Fragments))})
	if err != nil {
		return err
	}
	op.ids["version"] = p.Version
	e.metrics.SetStorageCount(op.ctx, "fragments", int64(len(p.Fragments)))
	e.metrics.SetStorageCount(op.ctx, "decisions", int64(len(p.DecisionTrace)))
	return nil
}

// embed fills missing embeddings on frags, timing it as the embed stage.
func (e *Engine) embed(op *operation, frags []store.Fragment) error {
	missing := similarity.Missing(frags)
	if missing == 0 {
		return nil
	}
	span := op.span(stageEmbed)
	err := e.sim.EnsureEmbeddings(op.ctx, frags)
	span.finish(err, map[string]int64{"embedded": int64(missing)})
	return err
}

// withTimeout bounds long-running operations by OperationTimeout.
func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.OperationTimeout)
}

// checkDeadline converts an expired context into a Timeout error.
func checkDeadline(ctx context.Context, op string, contextID string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindTimeout, Op: op, ContextID: contextID, Message: "operation exceeded its time budget", Err: err}
	}
	return nil
}

// GetContext returns the current packet.
func (e *Engine) GetContext(ctx context.Context, contextID string) (*store.ContextPacket, error) {
	op := e.begin(ctx, OpGetContext, contextID)
	if contextID == "" {
		return nil, op.fail(invalidInput(OpGetContext, "", "context_id is required"))
	}
	p, err := e.load(op, contextID)
	if err != nil {
		return nil, op.fail(err)
	}
	op.succeed()
	return p, nil
}

// Reject fails op with err as InvalidInput without running it. Front ends
// use it for requests they refuse before reaching the engine, such as a
// malformed body, so the refusal reaches error events and metrics the same
// way an engine-side validation failure does.
func (e *Engine) Reject(ctx context.Context, opName, contextID string, err error) error {
	op := e.begin(ctx, opName, contextID)
	if err == nil {
		err = fmt.Errorf("request rejected")
	}
	return op.fail(&Error{Kind: KindInvalidInput, Op: opName, ContextID: contextID, Message: err.Error(), Err: err})
}
