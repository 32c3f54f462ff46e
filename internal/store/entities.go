package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/model"
)

// QueryByEntities finds records sharing at least one entity with the query.
// Results are ordered newest first, then by match count.
func (s *SQLiteStore) QueryByEntities(ctx context.Context, entities []string, limit int) ([]model.Record, error) {
	entities = model.NormalizeEntities(entities)
	if len(entities) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	records, err := s.queryByEntities(ctx, entities, limit)
	if errors.Is(err, model.ErrIndexInconsistency) {
		s.log.Error("entity index references missing records, rebuilding", zap.Strings("entities", entities))
		if err := s.RebuildIndex(ctx); err != nil {
			return nil, fmt.Errorf("rebuild index: %w", err)
		}
		return s.queryByEntities(ctx, entities, limit)
	}
	return records, err
}

func (s *SQLiteStore) queryByEntities(ctx context.Context, entities []string, limit int) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in := `(` + placeholders(len(entities)) + `)`
	args := toArgs(entities)

	var dangling int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entity_index ei
		LEFT JOIN records r ON r.id = ei.record_id
		WHERE ei.entity IN `+in+` AND r.id IS NULL`, args...).Scan(&dangling)
	if err != nil {
		return nil, err
	}
	if dangling > 0 {
		return nil, fmt.Errorf("%w: %d dangling index rows", model.ErrIndexInconsistency, dangling)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.content, r.ts, r.memory_type, r.emotional_valence, r.entities,
		       r.connections, r.source, r.confidence, r.merged_from, COUNT(*) AS matches
		FROM entity_index ei
		JOIN records r ON r.id = ei.record_id
		WHERE ei.entity IN `+in+`
		GROUP BY r.id
		ORDER BY r.ts DESC, matches DESC, r.id DESC
		LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		var matches int
		r, err := scanRecord(rows, &matches)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
