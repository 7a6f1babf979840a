package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	badgerContextPrefix  = "ctx/"
	badgerSnapshotPrefix = "snap/"
	badgerSnapshotSeqKey = "seq/snapshots"
	badgerMaxTxnRetries  = 3
)

// BadgerStore implements ContextStore on an embedded Badger key-value store.
// Compare-and-swap runs inside a read-write transaction; Badger's optimistic
// transaction conflicts are retried a bounded number of times.
type BadgerStore struct {
	db           *badger.DB
	seq          *badger.Sequence
	maxSnapshots int
	closed       atomic.Bool
}

// BadgerOptions configures NewBadgerStore.
type BadgerOptions struct {
	InMemory     bool
	MaxSnapshots int
}

// NewBadgerStore opens a Badger database in dir (ignored when InMemory).
func NewBadgerStore(dir string, opts BadgerOptions) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(dir).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence([]byte(badgerSnapshotSeqKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot sequence: %w", err)
	}

	maxSnapshots := opts.MaxSnapshots
	if maxSnapshots <= 0 {
		maxSnapshots = DefaultMaxSnapshots
	}

	return &BadgerStore{db: db, seq: seq, maxSnapshots: maxSnapshots}, nil
}

// Compile-time interface check
var _ ContextStore = (*BadgerStore)(nil)

func contextKey(id string) []byte {
	return []byte(badgerContextPrefix + id)
}

func snapshotPrefix(contextID string) []byte {
	return []byte(badgerSnapshotPrefix + contextID + "/")
}

// ready reports ErrClosed after Close and otherwise the context's error.
func (b *BadgerStore) ready(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// badgerErr annotates a Badger failure, surfacing a closed database as ErrClosed.
func badgerErr(err error, msg string) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Get retrieves a packet by ID.
func (b *BadgerStore) Get(ctx context.Context, contextID string) (*ContextPacket, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	var p ContextPacket
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(contextKey(contextID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, badgerErr(err, "failed to get context")
	}
	return &p, nil
}

// Put creates or compare-and-swaps a packet.
func (b *BadgerStore) Put(ctx context.Context, p *ContextPacket, expectedVersion int) error {
	var next int
	put := func(txn *badger.Txn) error {
		var stored *int
		item, err := txn.Get(contextKey(p.ContextID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var cur ContextPacket
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &cur) }); err != nil {
				return err
			}
			stored = &cur.Version
		}

		next, err = nextVersion(p.ContextID, stored, expectedVersion)
		if err != nil {
			return err
		}

		doc := p.Clone()
		doc.Version = next
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return txn.Set(contextKey(p.ContextID), data)
	}

	var err error
	for attempt := 0; attempt < badgerMaxTxnRetries; attempt++ {
		if err = b.ready(ctx); err != nil {
			return err
		}
		err = b.db.Update(put)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		var vc *VersionConflictError
		if errors.As(err, &vc) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
			return err
		}
		return badgerErr(err, "failed to put context")
	}

	p.Version = next
	return nil
}

// List returns summaries ordered by most recent update.
func (b *BadgerStore) List(ctx context.Context, opts ListOptions) ([]ContextSummary, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	var results []ContextSummary
	err := b.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = []byte(badgerContextPrefix)
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var p ContextPacket
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
				return err
			}
			if opts.SessionID != "" && p.SessionID != opts.SessionID {
				continue
			}
			results = append(results, summarize(&p))
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr(err, "failed to list contexts")
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

// PutSnapshot stores a snapshot under a monotonically increasing key and
// evicts the oldest snapshots beyond retention.
func (b *BadgerStore) PutSnapshot(ctx context.Context, snap *VersionSnapshot) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	n, err := b.seq.Next()
	if err != nil {
		return badgerErr(err, "failed to allocate snapshot sequence")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	prefix := snapshotPrefix(snap.ContextID)
	key := append(append([]byte(nil), prefix...), []byte(fmt.Sprintf("%020d", n))...)

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}

		var keys [][]byte
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		iopts.PrefetchValues = false
		it := txn.NewIterator(iopts)
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for len(keys) > b.maxSnapshots {
			if err := txn.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		return nil
	})
	if err != nil {
		return badgerErr(err, "failed to put snapshot")
	}
	return nil
}

// ListSnapshots returns the snapshots of a context, newest first.
func (b *BadgerStore) ListSnapshots(ctx context.Context, contextID string) ([]*VersionSnapshot, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	var out []*VersionSnapshot
	prefix := snapshotPrefix(contextID)
	err := b.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		iopts.Reverse = true
		it := txn.NewIterator(iopts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var snap VersionSnapshot
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &snap) }); err != nil {
				return err
			}
			out = append(out, &snap)
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr(err, "failed to list snapshots")
	}
	return out, nil
}

// Close releases the sequence and closes the database. Later calls are
// no-ops.
func (b *BadgerStore) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := b.seq.Release(); err != nil {
		b.db.Close()
		return err
	}
	return b.db.Close()
}
