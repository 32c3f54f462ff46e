package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rcliao/tiermem/internal/model"
)

// DefaultPreviewLen bounds the content preview kept in the catalog, in runes.
const DefaultPreviewLen = 200

// Entry is the catalog row for one archived record. It never carries the
// full content.
type Entry struct {
	ID               string           `json:"id"`
	Partition        string           `json:"partition"`
	Timestamp        time.Time        `json:"timestamp"`
	Entities         []string         `json:"entities"`
	EmotionalValence float64          `json:"emotional_valence"`
	MemoryType       model.MemoryType `json:"memory_type"`
	ContentPreview   string           `json:"content_preview"`
	Connections      []string         `json:"connections,omitempty"`
	Confidence       float64          `json:"confidence"`
	Digest           string           `json:"digest"`
}

// EntryFor builds the catalog entry of an archived record.
func EntryFor(r model.Record, previewLen int) Entry {
	if previewLen <= 0 {
		previewLen = DefaultPreviewLen
	}
	r = r.Clone()
	r.Normalize()
	return Entry{
		ID:               r.ID,
		Partition:        model.PartitionKey(r.Timestamp),
		Timestamp:        r.Timestamp,
		Entities:         r.Entities,
		EmotionalValence: r.EmotionalValence,
		MemoryType:       r.MemoryType,
		ContentPreview:   preview(r.Content, previewLen),
		Connections:      r.Connections,
		Confidence:       r.Confidence,
		Digest:           Digest(r),
	}
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Index is the archive catalog: per-record metadata plus an entity
// inverted index, in its own SQLite database.
type Index struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// OpenIndex opens or creates the catalog at path.
func OpenIndex(path string, log *zap.Logger) (*Index, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(full)")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	idx := &Index{db: db, path: path, log: log}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return idx, nil
}

func (x *Index) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archive_metadata (
		id                TEXT PRIMARY KEY,
		part_key          TEXT NOT NULL,
		ts                INTEGER NOT NULL,
		entities          TEXT NOT NULL DEFAULT '[]',
		emotional_valence REAL NOT NULL DEFAULT 0,
		memory_type       TEXT NOT NULL,
		content_preview   TEXT NOT NULL DEFAULT '',
		connections       TEXT NOT NULL DEFAULT '[]',
		confidence        REAL NOT NULL DEFAULT 1,
		digest            TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archive_partition ON archive_metadata(part_key);

	CREATE TABLE IF NOT EXISTS archive_entities (
		entity    TEXT NOT NULL,
		record_id TEXT NOT NULL,
		PRIMARY KEY (entity, record_id)
	);
	CREATE INDEX IF NOT EXISTS idx_archive_entities_record ON archive_entities(record_id);
	`
	_, err := x.db.Exec(schema)
	return err
}

// Path returns the catalog database path.
func (x *Index) Path() string {
	return x.path
}

// Close closes the catalog database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Register adds entries in one transaction. Ids already catalogued are left
// as they are. Returns the number of new rows.
func (x *Index) Register(ctx context.Context, entries []Entry) (int, error) {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin register: %w", err)
	}
	defer tx.Rollback()

	added, err := register(ctx, tx, entries)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit register: %w", err)
	}
	return added, nil
}

func register(ctx context.Context, tx *sql.Tx, entries []Entry) (int, error) {
	added := 0
	for _, e := range entries {
		entities, _ := json.Marshal(nonNil(e.Entities))
		connections, _ := json.Marshal(nonNil(e.Connections))
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO archive_metadata
			 (id, part_key, ts, entities, emotional_valence, memory_type, content_preview, connections, confidence, digest)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Partition, e.Timestamp.UnixNano(), string(entities), e.EmotionalValence,
			string(e.MemoryType), e.ContentPreview, string(connections), e.Confidence, e.Digest)
		if err != nil {
			return 0, fmt.Errorf("register %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		for _, ent := range e.Entities {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO archive_entities (entity, record_id) VALUES (?, ?)`, ent, e.ID); err != nil {
				return 0, fmt.Errorf("register entity %q of %s: %w", ent, e.ID, err)
			}
		}
		added++
	}
	return added, nil
}

// Upsert catalogues entries in one transaction, replacing the rows of ids
// that are already present. Returns the number of entries written.
func (x *Index) Upsert(ctx context.Context, entries []Entry) (int, error) {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		for _, table := range []string{"archive_entities WHERE record_id = ?", "archive_metadata WHERE id = ?"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table, e.ID); err != nil {
				return 0, fmt.Errorf("replace %s: %w", e.ID, err)
			}
		}
	}
	n, err := register(ctx, tx, entries)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return n, nil
}

// Lookup returns the catalog entry of an archived id.
func (x *Index) Lookup(ctx context.Context, id string) (Entry, error) {
	row := x.db.QueryRowContext(ctx,
		`SELECT id, part_key, ts, entities, emotional_valence, memory_type, content_preview, connections, confidence, digest
		 FROM archive_metadata WHERE id = ?`, id)

	var e Entry
	var ts int64
	var memoryType, entities, connections string
	err := row.Scan(&e.ID, &e.Partition, &ts, &entities, &e.EmotionalValence, &memoryType,
		&e.ContentPreview, &connections, &e.Confidence, &e.Digest)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.MemoryType = model.MemoryType(memoryType)
	if err := json.Unmarshal([]byte(entities), &e.Entities); err != nil {
		return Entry{}, fmt.Errorf("decode entities of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(connections), &e.Connections); err != nil {
		return Entry{}, fmt.Errorf("decode connections of %s: %w", id, err)
	}
	return e, nil
}

// Digests returns the catalogued digest of each id that is archived.
func (x *Index) Digests(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := x.db.QueryContext(ctx,
		`SELECT id, digest FROM archive_metadata WHERE id IN (`+placeholders(len(ids))+`)`, toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query digests: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, digest string
		if err := rows.Scan(&id, &digest); err != nil {
			return nil, err
		}
		out[id] = digest
	}
	return out, rows.Err()
}

// Count returns the number of archived records.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive_metadata`).Scan(&n)
	return n, err
}

// IDs returns every catalogued id in ascending order.
func (x *Index) IDs(ctx context.Context) ([]string, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT id FROM archive_metadata ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PartitionCount is the number of records catalogued under a partition.
type PartitionCount struct {
	Partition string `json:"partition"`
	Records   int    `json:"records"`
}

// Partitions returns per-partition record counts in ascending key order.
func (x *Index) Partitions(ctx context.Context) ([]PartitionCount, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT part_key, COUNT(*) FROM archive_metadata GROUP BY part_key ORDER BY part_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	var out []PartitionCount
	for rows.Next() {
		var pc PartitionCount
		if err := rows.Scan(&pc.Partition, &pc.Records); err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// FindByEntities returns up to maxPartitions partition keys holding records
// that share an entity with the query. Partitions matching more distinct
// entities come first, then those with the most recent matching record.
func (x *Index) FindByEntities(ctx context.Context, entities []string, maxPartitions int) ([]string, error) {
	entities = model.NormalizeEntities(entities)
	if len(entities) == 0 || maxPartitions <= 0 {
		return nil, nil
	}

	query := `SELECT m.part_key, COUNT(DISTINCT e.entity) AS matches, MAX(m.ts) AS latest
		FROM archive_entities e
		JOIN archive_metadata m ON m.id = e.record_id
		WHERE e.entity IN (` + placeholders(len(entities)) + `)
		GROUP BY m.part_key
		ORDER BY matches DESC, latest DESC, m.part_key DESC
		LIMIT ?`
	args := append(toArgs(entities), maxPartitions)

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find partitions: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		var matches int
		var latest int64
		if err := rows.Scan(&key, &matches, &latest); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Rebuild replaces the catalog with entries derived from every partition in
// content. Returns the number of records catalogued.
func (x *Index) Rebuild(ctx context.Context, content ContentStore, previewLen int) (int, error) {
	parts, err := content.Partitions(ctx)
	if err != nil {
		return 0, err
	}

	var entries []Entry
	for _, p := range parts {
		recs, err := content.Load(ctx, p)
		if err != nil {
			return 0, err
		}
		for _, r := range recs {
			entries = append(entries, EntryFor(r, previewLen))
		}
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"archive_entities", "archive_metadata"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return 0, fmt.Errorf("clear %s: %w", table, err)
		}
	}
	n, err := register(ctx, tx, entries)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rebuild: %w", err)
	}
	x.log.Info("archive index rebuilt", zap.Int("records", n), zap.Int("partitions", len(parts)))
	return n, nil
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
