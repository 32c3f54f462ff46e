package store

import (
	"context"
	"fmt"

	"github.com/rcliao/tiermem/internal/model"
)

// IndexReport counts disagreements between records and entity_index.
type IndexReport struct {
	Dangling int `json:"dangling"` // index rows whose record is gone
	Missing  int `json:"missing"`  // record entities without an index row
	Stale    int `json:"stale"`    // index rows for entities the record no longer has
}

// Consistent reports whether the index matches the records exactly.
func (r IndexReport) Consistent() bool {
	return r.Dangling == 0 && r.Missing == 0 && r.Stale == 0
}

// VerifyIndex compares entity_index against the entities stored on each
// record. Any disagreement is returned as model.ErrIndexInconsistency.
func (s *SQLiteStore) VerifyIndex(ctx context.Context) (IndexReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rep IndexReport
	checks := []struct {
		dst   *int
		query string
	}{
		{&rep.Dangling, `
			SELECT COUNT(*) FROM entity_index ei
			LEFT JOIN records r ON r.id = ei.record_id
			WHERE r.id IS NULL`},
		{&rep.Missing, `
			SELECT COUNT(*) FROM records r, json_each(r.entities) je
			LEFT JOIN entity_index ei ON ei.entity = je.value AND ei.record_id = r.id
			WHERE ei.record_id IS NULL`},
		{&rep.Stale, `
			SELECT COUNT(*) FROM entity_index ei
			JOIN records r ON r.id = ei.record_id
			WHERE NOT EXISTS (SELECT 1 FROM json_each(r.entities) je WHERE je.value = ei.entity)`},
	}
	for _, c := range checks {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return rep, fmt.Errorf("verify index: %w", err)
		}
	}

	if !rep.Consistent() {
		return rep, fmt.Errorf("%w: %d dangling, %d missing, %d stale",
			model.ErrIndexInconsistency, rep.Dangling, rep.Missing, rep.Stale)
	}
	return rep, nil
}

// RebuildIndex regenerates entity_index from the records relation.
func (s *SQLiteStore) RebuildIndex(ctx context.Context) error {
	return s.Exclusive(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM entity_index`); err != nil {
			return fmt.Errorf("clear entity index: %w", err)
		}
		_, err := tx.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO entity_index (entity, record_id)
			SELECT je.value, r.id FROM records r, json_each(r.entities) je`)
		if err != nil {
			return fmt.Errorf("fill entity index: %w", err)
		}
		return nil
	})
}
