package ctxrelay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/ctxrelay/pkg/embeddings"
	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

// stubEmbedder returns fixed vectors for known texts and falls back to the
// local embedder for everything else.
type stubEmbedder struct {
	mu    sync.Mutex
	vecs  map[string][]float32
	err   error
	calls int
	local *embeddings.LocalEmbedder
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{vecs: map[string][]float32{}, local: embeddings.NewLocalEmbedder(64)}
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := s.vecs[t]; ok {
			out[i] = v
			continue
		}
		v, err := s.local.EmbedOne(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *stubEmbedder) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type testEnv struct {
	engine *Engine
	store  *store.MemoryStore
	bus    *events.Broadcaster
	emb    *stubEmbedder
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	st := store.NewMemoryStore(0)
	bus := events.NewBroadcaster(events.Options{HistorySize: 1000})
	emb := newStubEmbedder()

	e, err := New(st, emb, bus, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		bus.Close()
		st.Close()
	})
	return &testEnv{engine: e, store: st, bus: bus, emb: emb}
}

// unit returns a unit vector at angle theta in the x/y plane, so the cosine
// between unit(a) and unit(b) is cos(a-b).
func unit(theta float64) []float32 {
	return []float32{float32(math.Cos(theta)), float32(math.Sin(theta)), 0}
}

// angleFor returns the angle whose cosine is sim.
func angleFor(sim float64) float64 {
	return math.Acos(sim)
}

var baseTime = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func frag(id string, importance float64, age time.Duration, vec []float32) store.Fragment {
	f := store.NewTextFragment("text of "+id, "agent", importance)
	f.FragmentID = id
	f.Metadata.CreatedAt = baseTime.Add(age)
	f.Embedding = vec
	return f
}

// seed stores a packet directly so tests control every field.
func (env *testEnv) seed(t *testing.T, id string, frags ...store.Fragment) *store.ContextPacket {
	t.Helper()
	p := &store.ContextPacket{
		ContextID:     id,
		SessionID:     "s-" + id,
		Fragments:     frags,
		DecisionTrace: []store.DecisionRecord{},
		Metadata:      map[string]any{},
		CreatedAt:     baseTime,
		UpdatedAt:     baseTime,
	}
	require.NoError(t, env.store.Put(context.Background(), p, store.NewContext))
	return p
}

// bump advances a stored packet to version v.
func (env *testEnv) bump(t *testing.T, id string, v int) {
	t.Helper()
	ctx := context.Background()
	for {
		p, err := env.store.Get(ctx, id)
		require.NoError(t, err)
		if p.Version >= v {
			return
		}
		p.DecisionTrace = append(p.DecisionTrace, store.DecisionRecord{
			Agent:     "planner",
			Decision:  fmt.Sprintf("step %d", p.Version+1),
			Timestamp: baseTime,
		})
		require.NoError(t, env.store.Put(ctx, p, p.Version))
	}
}

func (env *testEnv) history(types ...events.Type) []events.Event {
	all := env.bus.History("", 0)
	if len(types) == 0 {
		return all
	}
	want := map[events.Type]bool{}
	for _, t := range types {
		want[t] = true
	}
	var out []events.Event
	for _, ev := range all {
		if want[ev.Type] {
			out = append(out, ev)
		}
	}
	return out
}

func fragmentIDs(p *store.ContextPacket) []string {
	return p.FragmentIDs()
}

func TestNewRequiresStoreAndBroadcaster(t *testing.T) {
	bus := events.NewBroadcaster(events.Options{})
	defer bus.Close()

	_, err := New(nil, nil, bus, Config{})
	assert.Error(t, err)

	_, err = New(store.NewMemoryStore(0), nil, nil, Config{})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	env := newTestEnv(t, Config{})
	cfg := env.engine.Config()

	assert.Equal(t, 0.85, cfg.RelayConflictThreshold)
	assert.Equal(t, 0.85, cfg.MergeSimilarityThreshold)
	assert.Equal(t, 0.9, cfg.DiversityThreshold)
	assert.Equal(t, 0.8, cfg.ImportanceFloor)
	assert.Equal(t, 10000, cfg.MaxMergeFragments)
	assert.Equal(t, 30*time.Second, cfg.OperationTimeout)
	assert.Equal(t, "system", cfg.SystemAgent)
	assert.Same(t, env.bus, env.engine.Events())
}

func TestNewRejectsConfigOutOfRange(t *testing.T) {
	bus := events.NewBroadcaster(events.Options{})
	defer bus.Close()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative threshold", Config{RelayConflictThreshold: -0.1}},
		{"threshold above one", Config{ImportanceFloor: 1.5}},
		{"negative merge cap", Config{MaxMergeFragments: -1}},
		{"negative timeout", Config{OperationTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(store.NewMemoryStore(0), nil, bus, tt.cfg)
			assert.Error(t, err)
		})
	}

	e, err := New(store.NewMemoryStore(0), nil, bus, Config{ImportanceFloor: 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Config().ImportanceFloor)
}

func TestClosedStoreIsServiceUnavailable(t *testing.T) {
	st, err := store.NewBadgerStore("", store.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	bus := events.NewBroadcaster(events.Options{HistorySize: 10})
	defer bus.Close()

	e, err := New(st, newStubEmbedder(), bus, Config{})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = e.GetContext(context.Background(), "ctx-x")
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestGetContext(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	seeded := env.seed(t, "ctx-get", frag("a", 0.5, 0, unit(0)))

	got, err := env.engine.GetContext(ctx, "ctx-get")
	require.NoError(t, err)
	assert.Equal(t, seeded.ContextID, got.ContextID)
	assert.Equal(t, seeded.Version, got.Version)
	assert.Equal(t, []string{"a"}, fragmentIDs(got))

	_, err = env.engine.GetContext(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.engine.GetContext(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFailuresPublishErrorEvent(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.engine.GetContext(context.Background(), "ghost")
	require.Error(t, err)

	errs := env.history(events.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "ghost", errs[0].Payload["contextId"])
	assert.Equal(t, string(KindNotFound), errs[0].Payload["code"])
	assert.NotEmpty(t, errs[0].Payload["message"])
}

func TestWithNilOptionsKeepsDefaults(t *testing.T) {
	env := newTestEnv(t, Config{})
	e := env.engine.WithLogger(nil).WithMetrics(nil).WithTracer(nil)
	assert.Same(t, env.engine, e)
	assert.NotNil(t, e.logger)
	assert.NotNil(t, e.metrics)
	assert.NotNil(t, e.tracer)
}

func TestMutationsOnDistinctContextsRunInParallel(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		env.seed(t, fmt.Sprintf("par-%d", i), frag(fmt.Sprintf("p%d", i), 0.5, 0, unit(0)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4*10)
	for i := 0; i < 4; i++ {
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(i, j int) {
				defer wg.Done()
				_, err := env.engine.Relay(ctx, RelayRequest{
					ContextID: fmt.Sprintf("par-%d", i),
					FromAgent: "a",
					ToAgent:   "b",
					Delta: Delta{Add: []store.Fragment{
						frag(fmt.Sprintf("n-%d-%d", i, j), 0.5, time.Minute, unit(float64(j+1)*0.3)),
					}},
				})
				errs <- err
			}(i, j)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		p, err := env.engine.GetContext(ctx, fmt.Sprintf("par-%d", i))
		require.NoError(t, err)
		assert.Equal(t, 10, p.Version)
		assert.Len(t, p.Fragments, 11)
	}
	assert.Equal(t, 0, env.engine.locks.size())
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed", &Error{Kind: KindConflict}, KindConflict},
		{"store not found", fmt.Errorf("get: %w", store.ErrNotFound), KindNotFound},
		{"version conflict", &store.VersionConflictError{ContextID: "c", Expected: 1, Current: 2}, KindVersionConflict},
		{"already exists", store.ErrAlreadyExists, KindConflict},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"embedding down", fmt.Errorf("x: %w", embeddings.ErrUnavailable), KindServiceUnavailable},
		{"store closed", store.ErrClosed, KindServiceUnavailable},
		{"refused", errors.New("dial tcp: connection refused"), KindServiceUnavailable},
		{"validation", errors.New("field must be positive"), KindInvalidInput},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
	assert.Equal(t, Kind(""), ClassifyError(nil))
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := newError(KindNotFound, OpRelay, "c1", "context %s not found", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Equal(t, "relay: not_found: context c1 not found", err.Error())

	wrapped := asError(OpPrune, "c2", &store.VersionConflictError{ContextID: "c2", Expected: 1, Current: 3})
	assert.ErrorIs(t, wrapped, ErrVersionConflict)
	require.NotNil(t, wrapped.CurrentVersion)
	assert.Equal(t, 3, *wrapped.CurrentVersion)

	cancelled := asError(OpMerge, "", context.Canceled)
	assert.Equal(t, KindTimeout, cancelled.Kind)
}

func TestRejectPublishesErrorEvent(t *testing.T) {
	env := newTestEnv(t, Config{})

	err := env.engine.Reject(context.Background(), OpPrune, "ctx-x", errors.New("budget must be positive"))
	require.ErrorIs(t, err, ErrInvalidInput)

	var typed *Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, OpPrune, typed.Op)
	assert.Equal(t, "budget must be positive", typed.Message)

	evs := env.history(events.TypeError)
	require.Len(t, evs, 1)
	assert.Equal(t, "ctx-x", evs[0].Payload["contextId"])
	assert.Equal(t, string(KindInvalidInput), evs[0].Payload["code"])
}
