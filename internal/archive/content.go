// Package archive holds the cold tier: month partitions of full records, a
// metadata catalog over them, and the Archiver that moves records there.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rcliao/tiermem/internal/model"
)

var (
	// ErrIO is wrapped by every archive failure that leaves the active
	// tier untouched.
	ErrIO = errors.New("archive io failure")
	// ErrConflict is returned when an id is already archived with
	// different contents.
	ErrConflict = errors.New("archive conflict")
	// ErrBadPartition is returned for keys that are not YYYY-MM.
	ErrBadPartition = errors.New("invalid partition key")
)

// ContentStore is the cold-tier blob port: partition key to records.
type ContentStore interface {
	Append(ctx context.Context, partition string, records []model.Record) (int, error)
	Put(ctx context.Context, partition string, records []model.Record) (int, error)
	Remove(ctx context.Context, partition string, ids []string) (int, error)
	Load(ctx context.Context, partition string) ([]model.Record, error)
	Partitions(ctx context.Context) ([]string, error)
}

type partitionFile struct {
	Partition string         `json:"partition"`
	Records   []model.Record `json:"records"`
}

// FileContentStore keeps one indented JSON file per month under root.
type FileContentStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	loads singleflight.Group
}

// NewFileContentStore creates root if needed.
func NewFileContentStore(root string) (*FileContentStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create archive dir: %w", ErrIO, err)
	}
	return &FileContentStore{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the archive directory.
func (f *FileContentStore) Root() string {
	return f.root
}

func (f *FileContentStore) path(partition string) string {
	return filepath.Join(f.root, partition+".json")
}

func (f *FileContentStore) lock(partition string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[partition]
	if !ok {
		l = &sync.Mutex{}
		f.locks[partition] = l
	}
	return l
}

// Append unions records into a partition. Records already present with the
// same digest are skipped; an id present with a different digest fails with
// ErrConflict and nothing is written. Returns the number of records added.
// When nothing is added the file is not rewritten.
func (f *FileContentStore) Append(ctx context.Context, partition string, records []model.Record) (int, error) {
	return f.write(ctx, partition, records, false)
}

// Put is Append that replaces an id stored with a different digest instead
// of failing. Returns the number of records added or replaced.
func (f *FileContentStore) Put(ctx context.Context, partition string, records []model.Record) (int, error) {
	return f.write(ctx, partition, records, true)
}

func (f *FileContentStore) write(ctx context.Context, partition string, records []model.Record, replace bool) (int, error) {
	if err := checkPartition(partition); err != nil {
		return 0, err
	}
	l := f.lock(partition)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	existing, err := f.read(partition)
	if err != nil {
		return 0, err
	}
	pos := make(map[string]int, len(existing))
	digests := make(map[string]string, len(existing))
	for i, r := range existing {
		pos[r.ID] = i
		digests[r.ID] = Digest(r)
	}

	merged := existing
	written := 0
	for _, r := range records {
		r = r.Clone()
		r.Normalize()
		if got := model.PartitionKey(r.Timestamp); got != partition {
			return 0, fmt.Errorf("%w: record %s belongs to %s, not %s", ErrBadPartition, r.ID, got, partition)
		}
		d := Digest(r)
		if prev, ok := digests[r.ID]; ok {
			if prev == d {
				continue
			}
			if !replace {
				return 0, fmt.Errorf("%w: %s in %s", ErrConflict, r.ID, partition)
			}
			merged[pos[r.ID]] = r
		} else {
			pos[r.ID] = len(merged)
			merged = append(merged, r)
		}
		digests[r.ID] = d
		written++
	}
	if written == 0 {
		return 0, nil
	}

	if err := f.store(partition, merged); err != nil {
		return 0, err
	}
	return written, nil
}

// Remove deletes ids from a partition. Unknown ids are ignored. A partition
// left empty is removed. Returns the number of records deleted.
func (f *FileContentStore) Remove(ctx context.Context, partition string, ids []string) (int, error) {
	if err := checkPartition(partition); err != nil {
		return 0, err
	}
	l := f.lock(partition)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	existing, err := f.read(partition)
	if err != nil {
		return 0, err
	}
	kept := slices.DeleteFunc(slices.Clone(existing), func(r model.Record) bool {
		return slices.Contains(ids, r.ID)
	})
	removed := len(existing) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if len(kept) == 0 {
		if err := os.Remove(f.path(partition)); err != nil {
			return 0, fmt.Errorf("%w: remove partition %s: %w", ErrIO, partition, err)
		}
		if err := syncDir(f.root); err != nil {
			return 0, err
		}
		f.loads.Forget(partition)
		return removed, nil
	}
	if err := f.store(partition, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// store writes a whole partition atomically. Callers hold the partition lock.
func (f *FileContentStore) store(partition string, records []model.Record) error {
	sortRecords(records)
	data, err := json.MarshalIndent(partitionFile{Partition: partition, Records: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode partition %s: %w", partition, err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(f.path(partition), data); err != nil {
		return err
	}
	// Later loads must see the new file rather than a flight in progress.
	f.loads.Forget(partition)
	return nil
}

// Load returns every record of a partition ordered by (timestamp, id).
// A partition that does not exist is empty. Concurrent loads of one
// partition share a single read; each caller gets its own copies.
func (f *FileContentStore) Load(ctx context.Context, partition string) ([]model.Record, error) {
	if err := checkPartition(partition); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err, _ := f.loads.Do(partition, func() (any, error) {
		return f.read(partition)
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]model.Record)
	out := make([]model.Record, len(shared))
	for i, r := range shared {
		out[i] = r.Clone()
	}
	return out, nil
}

// Partitions lists partition keys in ascending order.
func (f *FileContentStore) Partitions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("%w: list partitions: %w", ErrIO, err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		if checkPartition(key) == nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileContentStore) read(partition string) ([]model.Record, error) {
	data, err := os.ReadFile(f.path(partition))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read partition %s: %w", ErrIO, partition, err)
	}
	var pf partitionFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: decode partition %s: %w", ErrIO, partition, err)
	}
	return pf.Records, nil
}

// Digest is the hex SHA-256 of a record's canonical JSON encoding.
func Digest(r model.Record) string {
	c := r.Clone()
	c.Normalize()
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func checkPartition(p string) error {
	if _, err := time.Parse("2006-01", p); err != nil {
		return fmt.Errorf("%w: %q", ErrBadPartition, p)
	}
	return nil
}

func sortRecords(recs []model.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.Before(recs[j].Timestamp)
		}
		return recs[i].ID < recs[j].ID
	})
}

// writeFileAtomic writes to a temp file in the same directory, syncs it,
// renames it over path and syncs the directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %w", ErrIO, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write temp: %w", ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync temp: %w", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close temp: %w", ErrIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename: %w", ErrIO, err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: open dir: %w", ErrIO, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: sync dir: %w", ErrIO, err)
	}
	return nil
}
