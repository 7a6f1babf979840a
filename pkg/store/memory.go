package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of ContextStore.
// It uses maps guarded by an RWMutex and stores deep copies so callers can
// never mutate canonical state.
// Note: This implementation does not persist packets across restarts.
type MemoryStore struct {
	mu           sync.RWMutex
	packets      map[string]*ContextPacket
	snapshots    map[string][]*VersionSnapshot // oldest first
	maxSnapshots int
	closed       bool
}

// NewMemoryStore creates a new in-memory store. maxSnapshots <= 0 uses
// DefaultMaxSnapshots.
func NewMemoryStore(maxSnapshots int) *MemoryStore {
	if maxSnapshots <= 0 {
		maxSnapshots = DefaultMaxSnapshots
	}
	return &MemoryStore{
		packets:      make(map[string]*ContextPacket),
		snapshots:    make(map[string][]*VersionSnapshot),
		maxSnapshots: maxSnapshots,
	}
}

// Compile-time interface check
var _ ContextStore = (*MemoryStore)(nil)

// Get returns a copy of the stored packet.
func (m *MemoryStore) Get(ctx context.Context, contextID string) (*ContextPacket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	p, ok := m.packets[contextID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// Put creates or compare-and-swaps a packet.
func (m *MemoryStore) Put(ctx context.Context, p *ContextPacket, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	var stored *int
	if cur, ok := m.packets[p.ContextID]; ok {
		stored = &cur.Version
	}
	next, err := nextVersion(p.ContextID, stored, expectedVersion)
	if err != nil {
		return err
	}

	p.Version = next
	m.packets[p.ContextID] = p.Clone()
	return nil
}

// List returns summaries, most recently updated first.
func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]ContextSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	results := make([]ContextSummary, 0, len(m.packets))
	for _, p := range m.packets {
		if opts.SessionID != "" && p.SessionID != opts.SessionID {
			continue
		}
		results = append(results, summarize(p))
	}

	sort.Slice(results, func(i, j int) bool {
		if !results[i].UpdatedAt.Equal(results[j].UpdatedAt) {
			return results[i].UpdatedAt.After(results[j].UpdatedAt)
		}
		return results[i].ContextID < results[j].ContextID
	})

	if opts.Limit > 0 && opts.Limit < len(results) {
		results = results[:opts.Limit]
	}
	return results, nil
}

// PutSnapshot appends a snapshot and evicts the oldest beyond retention.
func (m *MemoryStore) PutSnapshot(ctx context.Context, snap *VersionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	cp := *snap
	cp.Packet = snap.Packet.Clone()

	list := append(m.snapshots[snap.ContextID], &cp)
	if len(list) > m.maxSnapshots {
		list = append([]*VersionSnapshot(nil), list[len(list)-m.maxSnapshots:]...)
	}
	m.snapshots[snap.ContextID] = list
	return nil
}

// ListSnapshots returns copies of the snapshots, newest first.
func (m *MemoryStore) ListSnapshots(ctx context.Context, contextID string) ([]*VersionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	list := m.snapshots[contextID]
	out := make([]*VersionSnapshot, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		cp := *list[i]
		cp.Packet = list[i].Packet.Clone()
		out = append(out, &cp)
	}
	return out, nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
