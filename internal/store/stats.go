package store

import (
	"context"
	"os"
	"time"
)

// Stats holds active-tier statistics.
type Stats struct {
	DBPath      string         `json:"db_path"`
	DBSizeBytes int64          `json:"db_size_bytes"`
	Records     int            `json:"records"`
	Entities    int            `json:"entities"`
	Dirty       bool           `json:"dirty"`
	Oldest      *time.Time     `json:"oldest,omitempty"`
	Newest      *time.Time     `json:"newest,omitempty"`
	ByType      map[string]int `json:"by_type"`
}

// Stats returns active-tier statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path, Dirty: s.Dirty(), ByType: map[string]int{}}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest, newest *int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(ts), MAX(ts) FROM records`).Scan(&st.Records, &oldest, &newest); err != nil {
		return st, err
	}
	if oldest != nil {
		t := time.Unix(0, *oldest).UTC()
		st.Oldest = &t
	}
	if newest != nil {
		t := time.Unix(0, *newest).UTC()
		st.Newest = &t
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT entity) FROM entity_index`).Scan(&st.Entities); err != nil {
		return st, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT memory_type, COUNT(*) FROM records GROUP BY memory_type`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return st, err
		}
		st.ByType[kind] = n
	}

	return st, rows.Err()
}
