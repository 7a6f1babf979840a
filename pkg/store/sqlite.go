package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver "sqlite3" (cgo)
	_ "modernc.org/sqlite"          // SQLite driver "sqlite" (pure Go)
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"
	DriverMattn   = "sqlite3"
)

// SQLiteStore implements ContextStore using SQLite as the backend.
// Packets are stored as JSON documents; embeddings live in a side table as
// little-endian float32 blobs so the document stays small.
type SQLiteStore struct {
	db           *sql.DB
	maxSnapshots int
	closed       atomic.Bool
}

// SQLiteOptions configures NewSQLiteStore.
type SQLiteOptions struct {
	Driver       string // DriverModernc (default) or DriverMattn
	MaxSnapshots int    // <= 0 uses DefaultMaxSnapshots
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
// Creates tables and indexes if they don't exist.
func NewSQLiteStore(dbPath string, opts SQLiteOptions) (*SQLiteStore, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, and each ":memory:"
	// connection is a separate database, so pin a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	maxSnapshots := opts.MaxSnapshots
	if maxSnapshots <= 0 {
		maxSnapshots = DefaultMaxSnapshots
	}

	s := &SQLiteStore{db: db, maxSnapshots: maxSnapshots}
	if err := s.applyPragmas(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Compile-time interface check
var _ ContextStore = (*SQLiteStore)(nil)

func (s *SQLiteStore) applyPragmas(dbPath string) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contexts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		fragment_count INTEGER NOT NULL DEFAULT 0,
		data BLOB NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contexts_session ON contexts(session_id);

	CREATE TABLE IF NOT EXISTS fragment_embeddings (
		context_id TEXT NOT NULL,
		fragment_id TEXT NOT NULL,
		embedding BLOB NOT NULL,
		PRIMARY KEY (context_id, fragment_id),
		FOREIGN KEY (context_id) REFERENCES contexts(id)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		version_id TEXT NOT NULL UNIQUE,
		context_id TEXT NOT NULL,
		version_number INTEGER NOT NULL,
		label TEXT,
		summary TEXT,
		created_at TEXT NOT NULL,
		data BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_context ON snapshots(context_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Get retrieves a packet and re-attaches its embeddings.
func (s *SQLiteStore) Get(ctx context.Context, contextID string) (*ContextPacket, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM contexts WHERE id = ?`, contextID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context: %w", err)
	}

	var p ContextPacket
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}

	embeddings, err := s.loadEmbeddings(ctx, contextID)
	if err != nil {
		return nil, err
	}
	for i := range p.Fragments {
		if emb, ok := embeddings[p.Fragments[i].FragmentID]; ok {
			p.Fragments[i].Embedding = emb
		}
	}

	return &p, nil
}

func (s *SQLiteStore) loadEmbeddings(ctx context.Context, contextID string) (map[string][]float32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fragment_id, embedding FROM fragment_embeddings WHERE context_id = ?`, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		out[id] = decodeEmbedding(blob)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embeddings: %w", err)
	}
	return out, nil
}

// Put creates or compare-and-swaps a packet inside one transaction.
func (s *SQLiteStore) Put(ctx context.Context, p *ContextPacket, expectedVersion int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored *int
	var current int
	err = tx.QueryRowContext(ctx, `SELECT version FROM contexts WHERE id = ?`, p.ContextID).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to read context version: %w", err)
	default:
		stored = &current
	}

	next, err := nextVersion(p.ContextID, stored, expectedVersion)
	if err != nil {
		return err
	}

	doc := p.Clone()
	doc.Version = next
	for i := range doc.Fragments {
		doc.Fragments[i].Embedding = nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	if stored == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO contexts (id, session_id, version, fragment_count, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ContextID, p.SessionID, next, len(p.Fragments), data,
			formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			UPDATE contexts SET session_id = ?, version = ?, fragment_count = ?, data = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			p.SessionID, next, len(p.Fragments), data, formatTime(p.UpdatedAt),
			p.ContextID, expectedVersion)
		if err == nil {
			if n, _ := res.RowsAffected(); n != 1 {
				return &VersionConflictError{ContextID: p.ContextID, Expected: expectedVersion, Current: current}
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write context: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM fragment_embeddings WHERE context_id = ?`, p.ContextID); err != nil {
		return fmt.Errorf("failed to clear embeddings: %w", err)
	}
	for _, f := range p.Fragments {
		if len(f.Embedding) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fragment_embeddings (context_id, fragment_id, embedding) VALUES (?, ?, ?)`,
			p.ContextID, f.FragmentID, encodeEmbedding(f.Embedding)); err != nil {
			return fmt.Errorf("failed to write embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit context: %w", err)
	}
	p.Version = next
	return nil
}

// List returns summaries ordered by most recent update.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]ContextSummary, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	query := `SELECT id, session_id, version, fragment_count, updated_at FROM contexts`
	var args []any
	if opts.SessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, opts.SessionID)
	}
	query += ` ORDER BY updated_at DESC, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer rows.Close()

	var results []ContextSummary
	for rows.Next() {
		var sum ContextSummary
		var updated string
		if err := rows.Scan(&sum.ContextID, &sum.SessionID, &sum.Version, &sum.FragmentCount, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan context: %w", err)
		}
		sum.UpdatedAt = parseTime(updated)
		results = append(results, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contexts: %w", err)
	}
	return results, nil
}

// PutSnapshot inserts a snapshot and trims the context's history to the
// retention limit.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap *VersionSnapshot) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(snap.Packet)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (version_id, context_id, version_number, label, summary, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.VersionID, snap.ContextID, snap.VersionNumber, snap.Label, snap.Summary,
		formatTime(snap.Timestamp), data)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM snapshots WHERE context_id = ? AND seq NOT IN (
			SELECT seq FROM snapshots WHERE context_id = ? ORDER BY seq DESC LIMIT ?
		)`, snap.ContextID, snap.ContextID, s.maxSnapshots)
	if err != nil {
		return fmt.Errorf("failed to evict snapshots: %w", err)
	}

	return tx.Commit()
}

// ListSnapshots returns the snapshots of a context, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, contextID string) ([]*VersionSnapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_id, context_id, version_number, label, summary, created_at, data
		FROM snapshots WHERE context_id = ? ORDER BY seq DESC`, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*VersionSnapshot
	for rows.Next() {
		var snap VersionSnapshot
		var label, summary sql.NullString
		var created string
		var data []byte
		if err := rows.Scan(&snap.VersionID, &snap.ContextID, &snap.VersionNumber,
			&label, &summary, &created, &data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Label = label.String
		snap.Summary = summary.String
		snap.Timestamp = parseTime(created)
		if err := json.Unmarshal(data, &snap.Packet); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		out = append(out, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

// encodeEmbedding serializes a vector as little-endian float32 bytes.
func encodeEmbedding(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeEmbedding(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// sortableTime keeps a fixed width so stored timestamps order lexically.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
