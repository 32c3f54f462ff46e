package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiermem/internal/consolidate"
	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/store"
)

type fixture struct {
	store    *store.SQLiteStore
	content  *FileContentStore
	index    *Index
	archiver *Archiver
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "active.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c, err := NewFileContentStore(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	x, err := OpenIndex(filepath.Join(dir, "archive_index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })

	return &fixture{store: s, content: c, index: x, archiver: NewArchiver(s, c, x, cfg, nil)}
}

func (f *fixture) insert(t *testing.T, r model.Record) {
	t.Helper()
	_, err := f.store.Insert(context.Background(), r)
	require.NoError(t, err)
}

func TestRunNoopUnderCap(t *testing.T) {
	f := newFixture(t, Config{Cap: 5, Batch: 2})
	for i := 1; i <= 5; i++ {
		f.insert(t, rec(i, fmt.Sprintf("e%d", i)))
	}
	res, err := f.archiver.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Archived)
	assert.Equal(t, 5, f.store.Count())
}

func TestRunArchivesOldestInBatches(t *testing.T) {
	f := newFixture(t, Config{Cap: 5, Batch: 2})
	ctx := context.Background()
	for i := 1; i <= 8; i++ {
		f.insert(t, rec(i, fmt.Sprintf("e%d", i)))
	}

	res, err := f.archiver.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 4, res.Archived)
	assert.Equal(t, []string{"2026-03"}, res.Partitions)
	assert.NotEmpty(t, res.Cycle)
	assert.Equal(t, 4, f.store.Count())

	for i := 1; i <= 4; i++ {
		_, err := f.store.Get(ctx, fmt.Sprintf("r%03d", i))
		assert.ErrorIs(t, err, model.ErrNotFound)
	}
	got, err := f.content.Load(ctx, "2026-03")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "r001", got[0].ID)

	n, err := f.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRunGroupsByMonth(t *testing.T) {
	f := newFixture(t, Config{Cap: 1, Batch: 10})
	ctx := context.Background()

	jan := rec(1, "a")
	jan.Timestamp = time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC)
	feb := rec(2, "b")
	feb.Timestamp = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	f.insert(t, jan)
	f.insert(t, feb)
	f.insert(t, rec(3, "c"))

	res, err := f.archiver.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01", "2026-02", "2026-03"}, res.Partitions)
	assert.Zero(t, f.store.Count())

	parts, err := f.content.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01", "2026-02", "2026-03"}, parts)
}

func TestArchivalConservesRecords(t *testing.T) {
	f := newFixture(t, Config{Cap: 3, Batch: 2})
	ctx := context.Background()

	var want []model.Record
	for i := 1; i <= 7; i++ {
		r := rec(i, fmt.Sprintf("e%d", i))
		want = append(want, r)
		f.insert(t, r)
	}
	_, err := f.archiver.Run(ctx)
	require.NoError(t, err)

	for _, r := range want {
		if got, err := f.store.Get(ctx, r.ID); err == nil {
			assert.Equal(t, Digest(r), Digest(got))
			continue
		}
		e, err := f.index.Lookup(ctx, r.ID)
		require.NoError(t, err, r.ID)
		assert.Equal(t, Digest(r), e.Digest)

		recs, err := f.content.Load(ctx, e.Partition)
		require.NoError(t, err)
		found := false
		for _, a := range recs {
			if a.ID == r.ID {
				found = true
				assert.Equal(t, r.Content, a.Content)
			}
		}
		assert.True(t, found, r.ID)
	}
}

func TestArchivalIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{Cap: 2, Batch: 2})
	ctx := context.Background()

	recs := []model.Record{rec(1, "a"), rec(2, "b"), rec(3, "c"), rec(4, "d")}
	for _, r := range recs {
		f.insert(t, r)
	}
	_, err := f.archiver.Run(ctx)
	require.NoError(t, err)
	path := filepath.Join(f.content.Root(), "2026-03.json")
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	// Replaying the same oldest records writes nothing new.
	f.insert(t, recs[0])
	f.insert(t, recs[1])
	_, err = f.archiver.Run(ctx)
	require.NoError(t, err)
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	n, err := f.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// flakyContent fails Put for a partition a set number of times, and can
// fail every Remove.
type flakyContent struct {
	*FileContentStore
	mu         sync.Mutex
	failPuts   map[string]int
	failRemove bool
}

func (c *flakyContent) Put(ctx context.Context, partition string, records []model.Record) (int, error) {
	c.mu.Lock()
	fail := c.failPuts[partition] > 0
	if fail {
		c.failPuts[partition]--
	}
	c.mu.Unlock()
	if fail {
		return 0, errors.New("disk full")
	}
	return c.FileContentStore.Put(ctx, partition, records)
}

func (c *flakyContent) Remove(ctx context.Context, partition string, ids []string) (int, error) {
	if c.failRemove {
		return 0, errors.New("disk full")
	}
	return c.FileContentStore.Remove(ctx, partition, ids)
}

func (f *fixture) useFlaky(cfg Config, failPuts map[string]int) *flakyContent {
	c := &flakyContent{FileContentStore: f.content, failPuts: failPuts}
	f.archiver = NewArchiver(f.store, c, f.index, cfg, nil)
	return c
}

func recAt(id string, ts time.Time, entities ...string) model.Record {
	r := rec(1, entities...)
	r.ID = id
	r.Content = "memory " + id
	r.Timestamp = ts
	return r
}

func TestFailedBatchLeavesActiveTierUntouched(t *testing.T) {
	cfg := Config{Cap: 1, Batch: 5}
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.insert(t, rec(1, "a"))
	f.insert(t, rec(2, "b"))
	f.useFlaky(cfg, map[string]int{"2026-03": 1})

	_, err := f.archiver.Run(ctx)
	require.ErrorIs(t, err, ErrIO)
	assert.Equal(t, 2, f.store.Count())
	n, err := f.index.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := f.archiver.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Archived)
	assert.Zero(t, f.store.Count())
}

func TestFailedBatchRollsBackWrittenPartitions(t *testing.T) {
	cfg := Config{Cap: 1, Batch: 5}
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.insert(t, recAt("x1", time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC), "a"))
	f.insert(t, recAt("x2", time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC), "b"))
	f.insert(t, recAt("x3", time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), "c"))
	f.useFlaky(cfg, map[string]int{"2026-02": 1})

	_, err := f.archiver.Run(ctx)
	require.ErrorIs(t, err, ErrIO)
	assert.Equal(t, 3, f.store.Count())

	for _, p := range []string{"2026-01", "2026-02", "2026-03"} {
		got, err := f.content.Load(ctx, p)
		require.NoError(t, err)
		assert.Empty(t, got, "partition %s keeps records of the aborted batch", p)
	}
}

func TestRunReplacesUncataloguedContent(t *testing.T) {
	f := newFixture(t, Config{Cap: 1, Batch: 5})
	ctx := context.Background()
	f.insert(t, rec(1, "a"))
	f.insert(t, rec(2, "b"))

	// Left behind by an aborted batch whose rollback failed; the active
	// record changed afterwards.
	stale := rec(1, "a")
	stale.Content = "before merge"
	_, err := f.content.Append(ctx, "2026-03", []model.Record{stale})
	require.NoError(t, err)

	res, err := f.archiver.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Archived)

	got, err := f.content.Load(ctx, "2026-03")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "memory 1", got[0].Content)

	digests, err := f.index.Digests(ctx, []string{"r001"})
	require.NoError(t, err)
	assert.Equal(t, Digest(got[0]), digests["r001"])
}

func TestRetryAfterTransientFailureAndMerge(t *testing.T) {
	cfg := Config{Cap: 2, Batch: 3}
	f := newFixture(t, cfg)
	ctx := context.Background()
	jan := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	f.insert(t, recAt("x1", jan, "a", "b"))
	f.insert(t, recAt("x2", jan.Add(time.Hour), "a", "b"))
	f.insert(t, recAt("x3", time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC), "c"))
	f.insert(t, recAt("x4", time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), "d"))
	flaky := f.useFlaky(cfg, map[string]int{"2026-02": 1})
	flaky.failRemove = true

	// Whatever the aborted batch wrote to 2026-01 stays there.
	_, err := f.content.Append(ctx, "2026-01", []model.Record{recAt("x1", jan, "a", "b"), recAt("x2", jan.Add(time.Hour), "a", "b")})
	require.NoError(t, err)

	_, err = f.archiver.Run(ctx)
	require.ErrorIs(t, err, ErrIO)
	assert.Equal(t, 4, f.store.Count())
	flaky.failRemove = false

	res, err := consolidate.New(f.store, consolidate.DefaultThreshold, nil).Run(ctx)
	require.NoError(t, err)
	require.Len(t, res.Merges, 1)
	assert.Equal(t, "x2", res.Merges[0].Survivor)
	assert.Equal(t, 3, f.store.Count())

	_, err = f.archiver.Run(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, f.store.Count(), cfg.Cap)

	// The merged survivor replaced its stale copy and the absorbed copy is gone.
	got, err := f.content.Load(ctx, "2026-01")
	require.NoError(t, err)
	require.Len(t, got, 1)
	x2 := got[0]
	assert.Equal(t, "x2", x2.ID)
	assert.Equal(t, []string{"x1"}, x2.MergedFrom)
	digests, err := f.index.Digests(ctx, []string{"x2"})
	require.NoError(t, err)
	assert.Equal(t, Digest(x2), digests["x2"])
}

func TestRecoverCompletesInterruptedCycle(t *testing.T) {
	f := newFixture(t, Config{Cap: 10, Batch: 5})
	ctx := context.Background()
	f.insert(t, rec(1, "a"))
	f.insert(t, rec(2, "b"))

	// Content and index written, active delete never happened.
	_, err := f.content.Append(ctx, "2026-03", []model.Record{rec(1, "a")})
	require.NoError(t, err)
	_, err = f.index.Register(ctx, []Entry{EntryFor(rec(1, "a"), 0)})
	require.NoError(t, err)

	removed, err := f.archiver.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, f.store.Count())

	_, err = f.store.Get(ctx, "r001")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCapScenario(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for i := 1; i <= 250; i++ {
		f.insert(t, rec(i, fmt.Sprintf("entity-%d", i)))
		if f.store.Count() > DefaultCap {
			res, err := f.archiver.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, 201, i)
			assert.Equal(t, DefaultBatch, res.Archived)
			assert.Equal(t, 151, f.store.Count())
		}
		assert.LessOrEqual(t, f.store.Count(), DefaultCap)
	}

	assert.Equal(t, 200, f.store.Count())
	n, err := f.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	for i := 1; i <= 50; i++ {
		_, err := f.store.Get(ctx, fmt.Sprintf("r%03d", i))
		assert.ErrorIs(t, err, model.ErrNotFound)
	}
}
