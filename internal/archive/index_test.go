package archive

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiermem/internal/model"
)

func newIndex(t *testing.T) *Index {
	t.Helper()
	x, err := OpenIndex(filepath.Join(t.TempDir(), "archive_index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	return x
}

func at(r model.Record, ts time.Time) model.Record {
	r.Timestamp = ts
	return r
}

func TestRegisterAndLookup(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	r := rec(1, "consciousness", "VI")
	r.Content = strings.Repeat("é", 300)
	n, err := x.Register(ctx, []Entry{EntryFor(r, 0)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := x.Lookup(ctx, "r001")
	require.NoError(t, err)
	assert.Equal(t, "2026-03", e.Partition)
	assert.Equal(t, []string{"VI", "consciousness"}, e.Entities)
	assert.Equal(t, 200, len([]rune(e.ContentPreview)))
	assert.Equal(t, Digest(r), e.Digest)
	assert.True(t, e.Timestamp.Equal(r.Timestamp))

	_, err = x.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpsertReplacesEntry(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	_, err := x.Register(ctx, []Entry{EntryFor(rec(1, "a"), 0)})
	require.NoError(t, err)

	changed := rec(1, "b")
	changed.Content = "merged"
	n, err := x.Upsert(ctx, []Entry{EntryFor(changed, 0), EntryFor(rec(2, "c"), 0)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, err := x.Lookup(ctx, "r001")
	require.NoError(t, err)
	assert.Equal(t, Digest(changed), e.Digest)

	parts, err := x.FindByEntities(ctx, []string{"a"}, 3)
	require.NoError(t, err)
	assert.Empty(t, parts)
	parts, err = x.FindByEntities(ctx, []string{"b"}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-03"}, parts)

	count, err := x.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRegisterIgnoresKnownIDs(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	entries := []Entry{EntryFor(rec(1, "a"), 0), EntryFor(rec(2, "b"), 0)}
	_, err := x.Register(ctx, entries)
	require.NoError(t, err)
	n, err := x.Register(ctx, entries)
	require.NoError(t, err)
	assert.Zero(t, n)

	count, err := x.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFindByEntitiesRanking(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	jan := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	_, err := x.Register(ctx, []Entry{
		EntryFor(at(rec(1, "a", "b"), jan), 0),
		EntryFor(at(rec(2, "a"), feb), 0),
		EntryFor(at(rec(3, "a"), mar), 0),
		EntryFor(at(rec(4, "z"), mar), 0),
	})
	require.NoError(t, err)

	got, err := x.FindByEntities(ctx, []string{"a", "b"}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01", "2026-03", "2026-02"}, got)

	got, err = x.FindByEntities(ctx, []string{"a", "b"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01"}, got)

	got, err = x.FindByEntities(ctx, []string{"nothing"}, 3)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = x.FindByEntities(ctx, nil, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDigestsAndPartitions(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()
	feb := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	_, err := x.Register(ctx, []Entry{
		EntryFor(rec(1, "a"), 0),
		EntryFor(rec(2, "a"), 0),
		EntryFor(at(rec(3, "a"), feb), 0),
	})
	require.NoError(t, err)

	d, err := x.Digests(ctx, []string{"r001", "r009"})
	require.NoError(t, err)
	assert.Len(t, d, 1)
	assert.Equal(t, Digest(rec(1, "a")), d["r001"])

	parts, err := x.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []PartitionCount{{"2026-02", 1}, {"2026-03", 2}}, parts)
}

func TestRebuildFromContent(t *testing.T) {
	x := newIndex(t)
	c := newContent(t)
	ctx := context.Background()

	_, err := x.Register(ctx, []Entry{EntryFor(rec(9, "stale"), 0)})
	require.NoError(t, err)
	_, err = c.Append(ctx, "2026-03", []model.Record{rec(1, "a"), rec(2, "b")})
	require.NoError(t, err)

	n, err := x.Rebuild(ctx, c, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = x.Lookup(ctx, "r009")
	assert.ErrorIs(t, err, model.ErrNotFound)
	got, err := x.FindByEntities(ctx, []string{"b"}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-03"}, got)
}
