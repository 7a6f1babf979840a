package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns one freshly opened store per implementation.
func backends(t *testing.T, maxSnapshots int) map[string]ContextStore {
	t.Helper()

	modernc, err := NewSQLiteStore(":memory:", SQLiteOptions{Driver: DriverModernc, MaxSnapshots: maxSnapshots})
	require.NoError(t, err)

	mattn, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ctx.db"), SQLiteOptions{Driver: DriverMattn, MaxSnapshots: maxSnapshots})
	require.NoError(t, err)

	badgerStore, err := NewBadgerStore("", BadgerOptions{InMemory: true, MaxSnapshots: maxSnapshots})
	require.NoError(t, err)

	stores := map[string]ContextStore{
		"memory":         NewMemoryStore(maxSnapshots),
		"sqlite-modernc": modernc,
		"sqlite-mattn":   mattn,
		"badger":         badgerStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func testPacket(id string, n int) *ContextPacket {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &ContextPacket{
		ContextID: id,
		SessionID: "s1",
		Metadata:  map[string]any{"owner": "planner", "priority": float64(2)},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i := 0; i < n; i++ {
		f := NewTextFragment(fmt.Sprintf("fragment %d", i), "planner", 0.5)
		f.FragmentID = fmt.Sprintf("%s-f%d", id, i)
		f.Embedding = []float32{float32(i), 1, 0.25}
		f.Metadata.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		p.Fragments = append(p.Fragments, f)
	}
	p.DecisionTrace = []DecisionRecord{{
		Agent:     "planner",
		Operation: "initialize",
		Decision:  "created",
		Reasoning: "seed",
		Timestamp: now,
	}}
	return p
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := testPacket("ctx-1", 3)

			require.NoError(t, s.Put(ctx, p, NewContext))
			assert.Equal(t, 0, p.Version)

			got, err := s.Get(ctx, "ctx-1")
			require.NoError(t, err)
			assert.Equal(t, p.ContextID, got.ContextID)
			assert.Equal(t, p.SessionID, got.SessionID)
			assert.Equal(t, 0, got.Version)
			assert.Equal(t, p.Metadata, got.Metadata)
			require.Len(t, got.Fragments, 3)
			for i := range p.Fragments {
				assert.Equal(t, p.Fragments[i].FragmentID, got.Fragments[i].FragmentID)
				assert.JSONEq(t, string(p.Fragments[i].Content), string(got.Fragments[i].Content))
				assert.Equal(t, p.Fragments[i].Embedding, got.Fragments[i].Embedding)
				assert.True(t, p.Fragments[i].Metadata.CreatedAt.Equal(got.Fragments[i].Metadata.CreatedAt))
			}
			require.Len(t, got.DecisionTrace, 1)
			assert.Equal(t, "initialize", got.DecisionTrace[0].Operation)
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := testPacket("ctx-cas", 1)
			require.NoError(t, s.Put(ctx, p, NewContext))

			// create twice
			err := s.Put(ctx, testPacket("ctx-cas", 1), NewContext)
			assert.ErrorIs(t, err, ErrAlreadyExists)

			next := p.Clone()
			next.Fragments = append(next.Fragments, NewTextFragment("more", "critic", 0.3))
			require.NoError(t, s.Put(ctx, next, 0))
			assert.Equal(t, 1, next.Version)

			stale := p.Clone()
			err = s.Put(ctx, stale, 0)
			var vc *VersionConflictError
			require.True(t, errors.As(err, &vc), "expected version conflict, got %v", err)
			assert.Equal(t, 1, vc.Current)
			assert.Equal(t, 0, vc.Expected)

			got, err := s.Get(ctx, "ctx-cas")
			require.NoError(t, err)
			assert.Equal(t, 1, got.Version)
			assert.Len(t, got.Fragments, 2)

			err = s.Put(ctx, testPacket("ghost", 1), 3)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := testPacket("ctx-copy", 2)
			require.NoError(t, s.Put(ctx, p, NewContext))

			p.Fragments[0].Embedding[0] = 99
			p.Metadata["owner"] = "mallory"

			got, err := s.Get(ctx, "ctx-copy")
			require.NoError(t, err)
			assert.Equal(t, float32(0), got.Fragments[0].Embedding[0])
			assert.Equal(t, "planner", got.Metadata["owner"])

			got.Fragments = nil
			again, err := s.Get(ctx, "ctx-copy")
			require.NoError(t, err)
			assert.Len(t, again.Fragments, 2)
		})
	}
}

func TestStoreList(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"a", "b", "c"} {
				p := testPacket(id, i+1)
				p.UpdatedAt = p.UpdatedAt.Add(time.Duration(i) * time.Hour)
				if id == "c" {
					p.SessionID = "s2"
				}
				require.NoError(t, s.Put(ctx, p, NewContext))
			}

			all, err := s.List(ctx, ListOptions{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "c", all[0].ContextID)
			assert.Equal(t, "a", all[2].ContextID)
			assert.Equal(t, 3, all[0].FragmentCount)

			s1, err := s.List(ctx, ListOptions{SessionID: "s1", Limit: 1})
			require.NoError(t, err)
			require.Len(t, s1, 1)
			assert.Equal(t, "b", s1[0].ContextID)
		})
	}
}

func TestStoreSnapshotsNewestFirstWithRetention(t *testing.T) {
	for name, s := range backends(t, 3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := testPacket("ctx-v", 1)
			require.NoError(t, s.Put(ctx, p, NewContext))

			for i := 0; i < 5; i++ {
				snap := &VersionSnapshot{
					VersionID:     fmt.Sprintf("v%d", i),
					ContextID:     "ctx-v",
					VersionNumber: i,
					Summary:       fmt.Sprintf("snapshot %d", i),
					Timestamp:     time.Now().UTC(),
					Packet:        p.Clone(),
				}
				require.NoError(t, s.PutSnapshot(ctx, snap))
			}

			snaps, err := s.ListSnapshots(ctx, "ctx-v")
			require.NoError(t, err)
			require.Len(t, snaps, 3)
			assert.Equal(t, "v4", snaps[0].VersionID)
			assert.Equal(t, "v3", snaps[1].VersionID)
			assert.Equal(t, "v2", snaps[2].VersionID)
			require.NotNil(t, snaps[0].Packet)
			assert.Equal(t, "ctx-v", snaps[0].Packet.ContextID)

			none, err := s.ListSnapshots(ctx, "other")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestClosedStoreReturnsErrClosed(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, testPacket("x", 1), NewContext))
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())

			_, err := s.Get(ctx, "x")
			assert.ErrorIs(t, err, ErrClosed)
			assert.ErrorIs(t, s.Put(ctx, testPacket("y", 1), NewContext), ErrClosed)
			_, err = s.List(ctx, ListOptions{})
			assert.ErrorIs(t, err, ErrClosed)
			assert.ErrorIs(t, s.PutSnapshot(ctx, &VersionSnapshot{ContextID: "x", Packet: testPacket("x", 1)}), ErrClosed)
			_, err = s.ListSnapshots(ctx, "x")
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestBadgerStoreHonorsCancelledContext(t *testing.T) {
	s, err := NewBadgerStore("", BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Put(context.Background(), testPacket("x", 1), NewContext))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Get(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.List(ctx, ListOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.ListSnapshots(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBadgerErrMapsClosedDatabase(t *testing.T) {
	assert.ErrorIs(t, badgerErr(badger.ErrDBClosed, "failed to get context"), ErrClosed)

	err := badgerErr(errors.New("disk full"), "failed to put context")
	assert.NotErrorIs(t, err, ErrClosed)
	assert.EqualError(t, err, "failed to put context: disk full")
}

func TestFragmentValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *Fragment)
		wantErr bool
	}{
		{"valid", func(f *Fragment) {}, false},
		{"nil content", func(f *Fragment) { f.Content = nil }, true},
		{"null content", func(f *Fragment) { f.Content = []byte("null") }, true},
		{"invalid json", func(f *Fragment) { f.Content = []byte("{oops") }, true},
		{"object content", func(f *Fragment) { f.Content = []byte(`{"k":1}`) }, false},
		{"importance above one", func(f *Fragment) { f.Metadata.Importance = 1.2 }, true},
		{"negative confidence", func(f *Fragment) { f.Metadata.Confidence = -0.1 }, true},
		{"unknown type", func(f *Fragment) { f.Metadata.Type = "video" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewTextFragment("hello", "a", 0.5)
			tt.mutate(&f)
			err := f.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFragmentText(t *testing.T) {
	f := NewTextFragment("Plan trip", "a", 1)
	assert.Equal(t, "Plan trip", f.Text())

	f.Content = []byte(` {"step": 1} `)
	assert.Equal(t, `{"step": 1}`, f.Text())
}

func TestFragmentNormalize(t *testing.T) {
	now := time.Now().UTC()
	f := Fragment{Content: TextContent("x")}
	f.Normalize(now)

	assert.NotEmpty(t, f.FragmentID)
	assert.Equal(t, now, f.Metadata.CreatedAt)
	assert.Equal(t, FragmentTypeText, f.Metadata.Type)
}

func TestPacketCloneIsDeep(t *testing.T) {
	p := testPacket("ctx", 2)
	p.Metadata["nested"] = map[string]any{"k": []any{"a"}}
	p.DecisionTrace[0].Reasons = map[string]string{"x": "y"}

	c := p.Clone()
	c.Fragments[0].Embedding[1] = 42
	c.Metadata["nested"].(map[string]any)["k"].([]any)[0] = "b"
	c.DecisionTrace[0].Reasons["x"] = "z"

	assert.Equal(t, float32(1), p.Fragments[0].Embedding[1])
	assert.Equal(t, "a", p.Metadata["nested"].(map[string]any)["k"].([]any)[0])
	assert.Equal(t, "y", p.DecisionTrace[0].Reasons["x"])
}
