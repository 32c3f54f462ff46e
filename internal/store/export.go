package store

import (
	"context"

	"github.com/rcliao/tiermem/internal/model"
)

// ExportAll returns every active record by ascending timestamp.
func (s *SQLiteStore) ExportAll(ctx context.Context) ([]model.Record, error) {
	return s.All(ctx)
}

// InsertMany stores records in one transaction. Records whose id is
// already present are skipped, so an interrupted import can be re-run.
// Returns the number inserted.
func (s *SQLiteStore) InsertMany(ctx context.Context, records []model.Record) (int, error) {
	prepared := make([]model.Record, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		r.Normalize()
		if err := r.Validate(); err != nil {
			return 0, err
		}
		prepared = append(prepared, r)
		ids = append(ids, r.ID)
	}

	inserted := 0
	err := s.Exclusive(ctx, func(tx *Tx) error {
		existing, err := tx.Exists(ctx, ids)
		if err != nil {
			return err
		}
		for _, r := range prepared {
			if existing[r.ID] {
				continue
			}
			if err := tx.insert(ctx, r); err != nil {
				return err
			}
			existing[r.ID] = true
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if inserted > 0 {
		s.dirty.Store(true)
	}
	return inserted, nil
}
