// Package store provides the canonical storage contract for context packets
// and their version snapshots, with in-memory, SQLite and Badger backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NewContext is passed as the expected version to Put when creating a packet.
const NewContext = -1

// DefaultMaxSnapshots bounds how many snapshots a context retains.
const DefaultMaxSnapshots = 50

// ErrNotFound indicates that the requested context does not exist.
var ErrNotFound = errors.New("context not found")

// ErrAlreadyExists indicates a create for a context ID that is already stored.
var ErrAlreadyExists = errors.New("context already exists")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// VersionConflictError reports a failed compare-and-swap on the packet version.
type VersionConflictError struct {
	ContextID string
	Expected  int
	Current   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d", e.ContextID, e.Expected, e.Current)
}

// ContextSummary is a lightweight listing entry.
type ContextSummary struct {
	ContextID     string    `json:"context_id"`
	SessionID     string    `json:"session_id"`
	Version       int       `json:"version"`
	FragmentCount int       `json:"fragment_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ListOptions filters List results.
type ListOptions struct {
	SessionID string // empty matches all sessions
	Limit     int    // <= 0 means no limit
}

// ContextStore is the narrow contract the engine needs from persistence.
// Implementations must be safe for concurrent use.
type ContextStore interface {
	// Get returns a deep copy of the stored packet, or ErrNotFound.
	Get(ctx context.Context, contextID string) (*ContextPacket, error)

	// Put commits p. With expectedVersion == NewContext the packet is created at
	// version 0 (ErrAlreadyExists if present). Otherwise the stored version must
	// equal expectedVersion (else *VersionConflictError, or ErrNotFound) and the
	// packet is committed at expectedVersion+1. On success p.Version is updated.
	Put(ctx context.Context, p *ContextPacket, expectedVersion int) error

	// List returns summaries ordered by most recent update first.
	List(ctx context.Context, opts ListOptions) ([]ContextSummary, error)

	// PutSnapshot stores an immutable snapshot, evicting the oldest snapshots
	// of the same context beyond the retention limit.
	PutSnapshot(ctx context.Context, snap *VersionSnapshot) error

	// ListSnapshots returns the snapshots of a context, newest first.
	ListSnapshots(ctx context.Context, contextID string) ([]*VersionSnapshot, error)

	// Close releases any resources held by the store.
	Close() error
}

// nextVersion validates the CAS preconditions shared by every backend.
// stored is nil when the context does not exist.
func nextVersion(contextID string, stored *int, expected int) (int, error) {
	if expected == NewContext {
		if stored != nil {
			return 0, fmt.Errorf("%w: %s", ErrAlreadyExists, contextID)
		}
		return 0, nil
	}
	if stored == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, contextID)
	}
	if *stored != expected {
		return 0, &VersionConflictError{ContextID: contextID, Expected: expected, Current: *stored}
	}
	return expected + 1, nil
}

func summarize(p *ContextPacket) ContextSummary {
	return ContextSummary{
		ContextID:     p.ContextID,
		SessionID:     p.SessionID,
		Version:       p.Version,
		FragmentCount: len(p.Fragments),
		UpdatedAt:     p.UpdatedAt,
	}
}
