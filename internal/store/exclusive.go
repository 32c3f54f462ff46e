package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rcliao/tiermem/internal/model"
)

// Tx is a write transaction obtained through Exclusive. It must not be
// used after the callback returns.
type Tx struct {
	tx    *sql.Tx
	delta int64
}

// Exclusive runs fn while holding the store's write lock, inside a single
// SQL transaction. The transaction commits only if fn returns nil; readers
// observe either none or all of its mutations.
func (s *SQLiteStore) Exclusive(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.count.Add(tx.delta)
	return nil
}

// Get reads a record inside the transaction.
func (t *Tx) Get(ctx context.Context, id string) (model.Record, error) {
	return getRecord(ctx, t.tx, id)
}

// All returns every record by ascending timestamp.
func (t *Tx) All(ctx context.Context) ([]model.Record, error) {
	return listRecords(ctx, t.tx, `ORDER BY ts ASC, id ASC`)
}

// GetOldest returns up to n records by ascending timestamp.
func (t *Tx) GetOldest(ctx context.Context, n int) ([]model.Record, error) {
	return listRecords(ctx, t.tx, `ORDER BY ts ASC, id ASC LIMIT ?`, n)
}

// Exists reports which of ids are present.
func (t *Tx) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id FROM records WHERE id IN (`+placeholders(len(ids))+`)`, toArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	return found, rows.Err()
}

func (t *Tx) insert(ctx context.Context, r model.Record) error {
	var exists int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE id = ?`, r.ID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", model.ErrDuplicateID, r.ID)
	}

	enc, err := encodeRecord(r)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Content, r.Timestamp.UnixNano(), string(r.MemoryType), r.EmotionalValence,
		enc.entities, enc.connections, enc.source, r.Confidence, enc.mergedFrom)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if err := t.indexEntities(ctx, r); err != nil {
		return err
	}
	t.delta++
	return nil
}

// Update replaces a record and its index rows.
func (t *Tx) Update(ctx context.Context, r model.Record) error {
	r.Normalize()
	enc, err := encodeRecord(r)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE records SET content = ?, ts = ?, memory_type = ?, emotional_valence = ?,
		        entities = ?, connections = ?, source = ?, confidence = ?, merged_from = ?
		 WHERE id = ?`,
		r.Content, r.Timestamp.UnixNano(), string(r.MemoryType), r.EmotionalValence,
		enc.entities, enc.connections, enc.source, r.Confidence, enc.mergedFrom, r.ID)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, r.ID)
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM entity_index WHERE record_id = ?`, r.ID); err != nil {
		return fmt.Errorf("clear index rows: %w", err)
	}
	return t.indexEntities(ctx, r)
}

// DeleteByIDs removes records and their index rows. If any id is missing
// nothing is deleted.
func (t *Tx) DeleteByIDs(ctx context.Context, ids []string) error {
	ids = model.SortedSet(ids)
	if len(ids) == 0 {
		return nil
	}
	found, err := t.Exists(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !found[id] {
			return fmt.Errorf("%w: %s", model.ErrNotFound, id)
		}
	}

	in := `(` + placeholders(len(ids)) + `)`
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM entity_index WHERE record_id IN `+in, toArgs(ids)...); err != nil {
		return fmt.Errorf("delete index rows: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM records WHERE id IN `+in, toArgs(ids)...); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	t.delta -= int64(len(ids))
	return nil
}

func (t *Tx) indexEntities(ctx context.Context, r model.Record) error {
	for _, e := range r.Entities {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entity_index (entity, record_id) VALUES (?, ?)`, e, r.ID); err != nil {
			return fmt.Errorf("index entity %q: %w", e, err)
		}
	}
	return nil
}
