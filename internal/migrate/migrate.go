// Package migrate imports a legacy single-file memory collection into the
// two-tier layout.
package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"crypto/sha256"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/archive"
	"github.com/rcliao/tiermem/internal/model"
)

// DefaultActiveLimit is how many of the newest records stay active.
const DefaultActiveLimit = 200

// ErrBackup is returned when the input could not be copied safely; nothing
// has been written to either tier.
var ErrBackup = errors.New("migration backup failed")

// Active is the active-tier surface migration writes to.
type Active interface {
	All(ctx context.Context) ([]model.Record, error)
	InsertMany(ctx context.Context, records []model.Record) (int, error)
	RebuildIndex(ctx context.Context) error
}

// Catalog is the archive catalog surface migration writes to.
type Catalog interface {
	Register(ctx context.Context, entries []archive.Entry) (int, error)
	Rebuild(ctx context.Context, content archive.ContentStore, previewLen int) (int, error)
}

// Targets are the stores a migration fills.
type Targets struct {
	Active  Active
	Content archive.ContentStore
	Catalog Catalog
}

// Options configure a migration run.
type Options struct {
	Input       string
	BackupDir   string
	ActiveLimit int
	PreviewLen  int
}

// Report describes a completed migration.
type Report struct {
	Input      string   `json:"input"`
	Backup     string   `json:"backup"`
	Total      int      `json:"total"`
	Duplicates int      `json:"duplicates"`
	Skipped    int      `json:"skipped"`
	Active     int      `json:"active"`
	Archived   int      `json:"archived"`
	Partitions []string `json:"partitions"`
}

// legacyRecord accepts the old record shape; source, confidence and
// merged_from are absent in older files.
type legacyRecord struct {
	ID               string        `json:"id"`
	Content          string        `json:"content"`
	Timestamp        time.Time     `json:"timestamp"`
	Entities         []string      `json:"entities"`
	Connections      []string      `json:"connections"`
	MemoryType       string        `json:"memory_type"`
	EmotionalValence float64       `json:"emotional_valence"`
	Source           *model.Source `json:"source"`
	Confidence       *float64      `json:"confidence"`
	MergedFrom       []string      `json:"merged_from"`
}

type legacyStream struct {
	Memories []legacyRecord `json:"memories"`
}

// Run backs up the input, then moves the newest records into the active
// tier and the rest into monthly archive partitions, and finally rebuilds
// both indexes. Records already present in either tier, or merged into a
// record that is, are skipped, so a run can be repeated.
func Run(ctx context.Context, opts Options, t Targets, log *zap.Logger) (*Report, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ActiveLimit <= 0 {
		opts.ActiveLimit = DefaultActiveLimit
	}

	data, err := os.ReadFile(opts.Input)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	backup, err := writeBackup(opts.Input, opts.BackupDir, data)
	if err != nil {
		return nil, err
	}
	log.Info("input backed up", zap.String("backup", backup))

	records, dups, err := decode(data, log)
	if err != nil {
		return nil, err
	}
	rep := &Report{Input: opts.Input, Backup: backup, Total: len(records), Duplicates: dups}

	sort.SliceStable(records, func(i, j int) bool {
		return model.Newer(records[i], records[j])
	})
	split := min(opts.ActiveLimit, len(records))

	known, err := knownIDs(ctx, t)
	if err != nil {
		return nil, err
	}
	var active, older []model.Record
	for i, r := range records {
		switch {
		case known[r.ID]:
			rep.Skipped++
		case i < split:
			active = append(active, r)
		default:
			older = append(older, r)
		}
	}
	if rep.Skipped > 0 {
		log.Info("skipping records already migrated", zap.Int("skipped", rep.Skipped))
	}

	n, err := t.Active.InsertMany(ctx, active)
	if err != nil {
		return nil, fmt.Errorf("insert active records: %w", err)
	}
	rep.Active = n

	groups := make(map[string][]model.Record)
	for _, r := range older {
		key := model.PartitionKey(r.Timestamp)
		groups[key] = append(groups[key], r)
	}
	rep.Partitions = slices.Sorted(maps.Keys(groups))
	for _, key := range rep.Partitions {
		added, err := t.Content.Append(ctx, key, groups[key])
		if err != nil {
			return nil, fmt.Errorf("archive partition %s: %w", key, err)
		}
		entries := make([]archive.Entry, len(groups[key]))
		for i, r := range groups[key] {
			entries[i] = archive.EntryFor(r, opts.PreviewLen)
		}
		if _, err := t.Catalog.Register(ctx, entries); err != nil {
			return nil, fmt.Errorf("register partition %s: %w", key, err)
		}
		rep.Archived += added
		log.Debug("partition migrated", zap.String("partition", key), zap.Int("added", added))
	}

	if err := t.Active.RebuildIndex(ctx); err != nil {
		return nil, fmt.Errorf("rebuild active index: %w", err)
	}
	if _, err := t.Catalog.Rebuild(ctx, t.Content, opts.PreviewLen); err != nil {
		return nil, fmt.Errorf("rebuild archive index: %w", err)
	}

	log.Info("migration complete",
		zap.Int("total", rep.Total),
		zap.Int("active", rep.Active),
		zap.Int("archived", rep.Archived),
		zap.Int("partitions", len(rep.Partitions)))
	return rep, nil
}

// knownIDs collects every id held by either tier, including the ids folded
// into merged records.
func knownIDs(ctx context.Context, t Targets) (map[string]bool, error) {
	known := make(map[string]bool)
	add := func(recs []model.Record) {
		for _, r := range recs {
			known[r.ID] = true
			for _, id := range r.MergedFrom {
				known[id] = true
			}
		}
	}

	active, err := t.Active.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active records: %w", err)
	}
	add(active)

	parts, err := t.Content.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	for _, p := range parts {
		recs, err := t.Content.Load(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("load partition %s: %w", p, err)
		}
		add(recs)
	}
	return known, nil
}

// decode accepts {"memories": [...]} or a bare array. Later duplicates of an
// id are dropped.
func decode(data []byte, log *zap.Logger) ([]model.Record, int, error) {
	var legacy []legacyRecord
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, 0, fmt.Errorf("decode input: %w", err)
		}
	} else {
		var stream legacyStream
		if err := json.Unmarshal(trimmed, &stream); err != nil {
			return nil, 0, fmt.Errorf("decode input: %w", err)
		}
		legacy = stream.Memories
	}

	seen := make(map[string]bool, len(legacy))
	out := make([]model.Record, 0, len(legacy))
	dups := 0
	for i, l := range legacy {
		r := convert(l, log)
		if r.ID == "" {
			id, err := legacyID(r)
			if err != nil {
				return nil, 0, fmt.Errorf("record %d: %w", i, err)
			}
			r.ID = id
		}
		if seen[r.ID] {
			dups++
			log.Warn("duplicate id in input, keeping first", zap.String("id", r.ID))
			continue
		}
		seen[r.ID] = true
		if err := r.Validate(); err != nil {
			return nil, 0, fmt.Errorf("record %d (%s): %w", i, r.ID, err)
		}
		out = append(out, r)
	}
	return out, dups, nil
}

// legacyID derives a stable ULID for a record that has none, so repeated
// runs over the same input assign the same id.
func legacyID(r model.Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00", r.Timestamp.UnixNano(), r.Content)
	for _, e := range r.Entities {
		fmt.Fprintf(h, "%s\x00", e)
	}
	id, err := ulid.New(ulid.Timestamp(r.Timestamp), bytes.NewReader(h.Sum(nil)))
	if err != nil {
		return "", fmt.Errorf("derive id: %w", err)
	}
	return id.String(), nil
}

func convert(l legacyRecord, log *zap.Logger) model.Record {
	r := model.Record{
		ID:               l.ID,
		Content:          l.Content,
		Timestamp:        l.Timestamp,
		EmotionalValence: l.EmotionalValence,
		Entities:         l.Entities,
		Connections:      l.Connections,
		MemoryType:       model.MemoryType(l.MemoryType),
		Confidence:       1,
		MergedFrom:       l.MergedFrom,
	}
	if l.Source != nil {
		r.Source = *l.Source
	}
	if l.Confidence != nil {
		r.Confidence = *l.Confidence
	}
	if r.MemoryType != "" && !model.ValidMemoryTypes[r.MemoryType] {
		log.Warn("unknown memory type, using default",
			zap.String("id", l.ID), zap.String("memory_type", l.MemoryType))
		r.MemoryType = model.DefaultMemoryType
	}
	r.Normalize()
	return r
}

// writeBackup copies data next to the other backups and checks that the
// copy on disk is byte-identical.
func writeBackup(input, dir string, data []byte) (string, error) {
	if dir == "" {
		dir = filepath.Dir(input)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create dir: %w", ErrBackup, err)
	}
	name := fmt.Sprintf("%s.%s.%s.bak",
		filepath.Base(input), time.Now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBackup, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: write: %w", ErrBackup, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: sync: %w", ErrBackup, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: close: %w", ErrBackup, err)
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}

	check, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: reread: %w", ErrBackup, err)
	}
	if !bytes.Equal(check, data) {
		return "", fmt.Errorf("%w: backup differs from input", ErrBackup)
	}
	return path, nil
}
