package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rcliao/tiermem/internal/model"
)

// SQLiteStore implements Store using SQLite. Mutations are serialized by a
// write lock and applied in a single transaction together with their
// entity_index rows; reads share a read lock.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *zap.Logger

	mu    sync.RWMutex
	count atomic.Int64
	dirty atomic.Bool
}

const recordColumns = `id, content, ts, memory_type, emotional_valence, entities, connections, source, confidence, merged_from`

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)&_pragma=synchronous(full)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: dbPath, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("count records: %w", err)
	}
	s.count.Store(n)
	// Consolidation state is not persisted; assume work is pending.
	s.dirty.Store(n > 1)

	ctx := context.Background()
	if _, err := s.VerifyIndex(ctx); errors.Is(err, model.ErrIndexInconsistency) {
		s.log.Warn("entity index inconsistent at open, rebuilding", zap.Error(err))
		if err := s.RebuildIndex(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("rebuild index: %w", err)
		}
	} else if err != nil {
		db.Close()
		return nil, fmt.Errorf("verify index: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id                TEXT PRIMARY KEY,
		content           TEXT NOT NULL,
		ts                INTEGER NOT NULL,
		memory_type       TEXT NOT NULL DEFAULT 'Interaction',
		emotional_valence REAL NOT NULL DEFAULT 0,
		entities          TEXT NOT NULL DEFAULT '[]',
		connections       TEXT NOT NULL DEFAULT '[]',
		source            TEXT NOT NULL DEFAULT '{"kind":"DirectExperience"}',
		confidence        REAL NOT NULL DEFAULT 1,
		merged_from       TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts, id);

	CREATE TABLE IF NOT EXISTS entity_index (
		entity    TEXT NOT NULL,
		record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
		PRIMARY KEY (entity, record_id)
	);
	CREATE INDEX IF NOT EXISTS idx_entity_index_record ON entity_index(record_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Count returns the number of committed active records.
func (s *SQLiteStore) Count() int {
	return int(s.count.Load())
}

// Dirty reports whether records were inserted since the last completed
// consolidation pass.
func (s *SQLiteStore) Dirty() bool {
	return s.dirty.Load()
}

// ClearDirty is called by the consolidator after a completed pass.
func (s *SQLiteStore) ClearDirty() {
	s.dirty.Store(false)
}

// MarkDirty requests another consolidation pass.
func (s *SQLiteStore) MarkDirty() {
	s.dirty.Store(true)
}

func (s *SQLiteStore) Insert(ctx context.Context, r model.Record) (string, error) {
	r.Normalize()
	if r.ID == "" {
		return "", fmt.Errorf("%w: empty id", model.ErrInvalidRecord)
	}
	if err := r.Validate(); err != nil {
		return "", err
	}

	err := s.Exclusive(ctx, func(tx *Tx) error {
		return tx.insert(ctx, r)
	})
	if err != nil {
		return "", err
	}
	s.dirty.Store(true)
	return r.ID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRecord(ctx, s.db, id)
}

func (s *SQLiteStore) GetOldest(ctx context.Context, n int) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRecords(ctx, s.db, `ORDER BY ts ASC, id ASC LIMIT ?`, n)
}

// Recent returns up to n records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]model.Record, error) {
	if n <= 0 {
		n = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRecords(ctx, s.db, `ORDER BY ts DESC, id DESC LIMIT ?`, n)
}

// All returns every active record by ascending timestamp.
func (s *SQLiteStore) All(ctx context.Context) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRecords(ctx, s.db, `ORDER BY ts ASC, id ASC`)
}

func (s *SQLiteStore) Update(ctx context.Context, r model.Record) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	return s.Exclusive(ctx, func(tx *Tx) error {
		return tx.Update(ctx, r)
	})
}

func (s *SQLiteStore) DeleteByIDs(ctx context.Context, ids []string) error {
	return s.Exclusive(ctx, func(tx *Tx) error {
		return tx.DeleteByIDs(ctx, ids)
	})
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q querier, id string) (model.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return r, err
}

func listRecords(ctx context.Context, q querier, tail string, args ...any) ([]model.Record, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+recordColumns+` FROM records `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, extra ...any) (model.Record, error) {
	var r model.Record
	var ts int64
	var memoryType, entities, connections, source, mergedFrom string

	dest := []any{
		&r.ID, &r.Content, &ts, &memoryType, &r.EmotionalValence,
		&entities, &connections, &source, &r.Confidence, &mergedFrom,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return r, err
	}

	r.Timestamp = time.Unix(0, ts).UTC()
	r.MemoryType = model.MemoryType(memoryType)
	if err := json.Unmarshal([]byte(entities), &r.Entities); err != nil {
		return r, fmt.Errorf("decode entities of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(connections), &r.Connections); err != nil {
		return r, fmt.Errorf("decode connections of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(source), &r.Source); err != nil {
		return r, fmt.Errorf("decode source of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(mergedFrom), &r.MergedFrom); err != nil {
		return r, fmt.Errorf("decode merged_from of %s: %w", r.ID, err)
	}
	return r, nil
}

// encoded holds the JSON columns of a record.
type encoded struct {
	entities, connections, source, mergedFrom string
}

func encodeRecord(r model.Record) (encoded, error) {
	var e encoded
	fields := []struct {
		dst *string
		v   any
	}{
		{&e.entities, nonNil(r.Entities)},
		{&e.connections, nonNil(r.Connections)},
		{&e.source, r.Source},
		{&e.mergedFrom, nonNil(r.MergedFrom)},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return e, fmt.Errorf("encode record %s: %w", r.ID, err)
		}
		*f.dst = string(b)
	}
	return e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(s []string) []any {
	args := make([]any, len(s))
	for i, v := range s {
		args[i] = v
	}
	return args
}
