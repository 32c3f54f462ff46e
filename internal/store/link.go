package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/rcliao/tiermem/internal/model"
)

// Link adds a narrative connection from an active record to another record
// id. Connections are additive; linking twice is a no-op. The target may
// already be archived.
func (s *SQLiteStore) Link(ctx context.Context, fromID, toID string) (model.Record, error) {
	if fromID == "" || toID == "" || fromID == toID {
		return model.Record{}, fmt.Errorf("%w: cannot link %q to %q", model.ErrInvalidRecord, fromID, toID)
	}

	var out model.Record
	err := s.Exclusive(ctx, func(tx *Tx) error {
		r, err := tx.Get(ctx, fromID)
		if err != nil {
			return err
		}
		if slices.Contains(r.Connections, toID) {
			out = r
			return nil
		}
		r.Connections = model.Union(r.Connections, []string{toID})
		if err := tx.Update(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// Connected returns the ids of records linking to id, newest first.
func (s *SQLiteStore) Connected(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id FROM records r, json_each(r.connections) je
		WHERE je.value = ?
		ORDER BY r.ts DESC, r.id DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var from string
		if err := rows.Scan(&from); err != nil {
			return nil, err
		}
		ids = append(ids, from)
	}
	return ids, rows.Err()
}
