package archive

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/provenance"
	"github.com/rcliao/tiermem/internal/store"
)

const (
	DefaultCap   = 200
	DefaultBatch = 50
)

// ActiveStore is the part of the active tier the archiver needs.
type ActiveStore interface {
	Count() int
	Exclusive(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Config bounds the active tier.
type Config struct {
	Cap        int
	Batch      int
	PreviewLen int
}

func (c Config) withDefaults() Config {
	if c.Cap <= 0 {
		c.Cap = DefaultCap
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	if c.PreviewLen <= 0 {
		c.PreviewLen = DefaultPreviewLen
	}
	return c
}

// Archiver moves the oldest active records into month partitions whenever
// the active tier grows past its cap.
type Archiver struct {
	store   ActiveStore
	content ContentStore
	index   *Index
	cfg     Config
	log     *zap.Logger
}

// NewArchiver wires an archiver. Zero config fields take the defaults.
func NewArchiver(s ActiveStore, content ContentStore, index *Index, cfg Config, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{store: s, content: content, index: index, cfg: cfg.withDefaults(), log: log}
}

// Result summarizes an archival run.
type Result struct {
	Cycle      string   `json:"cycle,omitempty"`
	Batches    int      `json:"batches"`
	Archived   int      `json:"archived"`
	Partitions []string `json:"partitions,omitempty"`
}

// Run archives batches of the oldest records while the active count is
// above the cap. Each batch is durable in the content store and registered
// in the index before it is removed from the active tier. A failed batch
// leaves the active tier untouched and takes back what it wrote; the next
// run overwrites anything the rollback missed.
func (a *Archiver) Run(ctx context.Context) (Result, error) {
	if a.store.Count() <= a.cfg.Cap {
		return Result{}, nil
	}

	res := Result{Cycle: uuid.NewString()}
	log := a.log.With(zap.String("cycle", res.Cycle))
	touched := make(map[string]bool)

	for a.store.Count() > a.cfg.Cap {
		n, parts, err := a.archiveBatch(ctx, log)
		if err != nil {
			log.Warn("archive batch aborted", zap.Int("archived", res.Archived), zap.Error(err))
			res.Partitions = slices.Sorted(maps.Keys(touched))
			return res, err
		}
		if n == 0 {
			break
		}
		res.Batches++
		res.Archived += n
		for _, p := range parts {
			touched[p] = true
		}
	}
	res.Partitions = slices.Sorted(maps.Keys(touched))

	log.Info("archive cycle complete",
		zap.Int("archived", res.Archived),
		zap.Int("batches", res.Batches),
		zap.Strings("partitions", res.Partitions))
	return res, nil
}

func (a *Archiver) archiveBatch(ctx context.Context, log *zap.Logger) (int, []string, error) {
	var archived int
	var parts []string

	err := a.store.Exclusive(ctx, func(tx *store.Tx) error {
		if a.store.Count() <= a.cfg.Cap {
			return nil
		}
		recs, err := tx.GetOldest(ctx, a.cfg.Batch)
		if err != nil {
			return fmt.Errorf("%w: select oldest: %w", ErrIO, err)
		}
		if len(recs) == 0 {
			return nil
		}

		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		catalogued, err := a.index.Digests(ctx, ids)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}

		// While a record is active it is the live copy; anything already in
		// the content store under its id is overwritten.
		groups := make(map[string][]model.Record)
		for _, r := range recs {
			if d, ok := catalogued[r.ID]; ok && d != Digest(r) {
				log.Warn("replacing stale archived copy", zap.String("id", r.ID))
			}
			key := model.PartitionKey(r.Timestamp)
			groups[key] = append(groups[key], r)
		}
		parts = slices.Sorted(maps.Keys(groups))

		var mu sync.Mutex
		var written []string
		g, gctx := errgroup.WithContext(ctx)
		for key, group := range groups {
			g.Go(func() error {
				n, err := a.content.Put(gctx, key, group)
				if err != nil {
					return fmt.Errorf("append %s: %w", key, err)
				}
				mu.Lock()
				written = append(written, key)
				mu.Unlock()
				log.Debug("partition appended", zap.String("partition", key), zap.Int("written", n))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			a.rollback(ctx, groups, written, catalogued, log)
			return fmt.Errorf("%w: %w", ErrIO, err)
		}

		a.purgeAbsorbed(ctx, recs, log)

		entries := make([]Entry, len(recs))
		for i, r := range recs {
			entries[i] = EntryFor(r, a.cfg.PreviewLen)
		}
		if _, err := a.index.Upsert(ctx, entries); err != nil {
			a.rollback(ctx, groups, parts, catalogued, log)
			return fmt.Errorf("%w: %w", ErrIO, err)
		}

		if err := tx.DeleteByIDs(ctx, ids); err != nil {
			return fmt.Errorf("delete archived: %w", err)
		}
		archived = len(recs)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return archived, parts, nil
}

// rollback removes the uncatalogued records of an aborted batch from the
// partitions it already wrote. Whatever it cannot remove is overwritten by
// the next attempt.
func (a *Archiver) rollback(ctx context.Context, groups map[string][]model.Record, written []string, catalogued map[string]string, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range written {
		var ids []string
		for _, r := range groups[key] {
			if _, ok := catalogued[r.ID]; !ok {
				ids = append(ids, r.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		if _, err := a.content.Remove(ctx, key, ids); err != nil {
			log.Warn("rollback of aborted batch incomplete", zap.String("partition", key), zap.Error(err))
		}
	}
}

// purgeAbsorbed removes uncatalogued copies of records that were merged
// into one of recs after an aborted batch had written them. Failures only
// leave a stray copy behind, so they are logged.
func (a *Archiver) purgeAbsorbed(ctx context.Context, recs []model.Record, log *zap.Logger) {
	byPart := make(map[string][]string)
	var ids []string
	for _, r := range recs {
		if len(r.MergedFrom) == 0 {
			continue
		}
		for _, seg := range provenance.Of(r) {
			if seg.ID == r.ID {
				continue
			}
			key := model.PartitionKey(seg.Timestamp)
			byPart[key] = append(byPart[key], seg.ID)
			ids = append(ids, seg.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	catalogued, err := a.index.Digests(ctx, ids)
	if err != nil {
		log.Warn("skip purge of absorbed records", zap.Error(err))
		return
	}
	for key, list := range byPart {
		list = slices.DeleteFunc(list, func(id string) bool {
			_, ok := catalogued[id]
			return ok
		})
		if len(list) == 0 {
			continue
		}
		n, err := a.content.Remove(ctx, key, list)
		if err != nil {
			log.Warn("purge of absorbed records failed", zap.String("partition", key), zap.Error(err))
			continue
		}
		if n > 0 {
			log.Info("purged absorbed records", zap.String("partition", key), zap.Int("removed", n))
		}
	}
}

// Recover finishes a cycle that stopped after its records were registered
// but before they left the active tier: active records catalogued with the
// same digest are deleted. Returns the number removed.
func (a *Archiver) Recover(ctx context.Context) (int, error) {
	removed := 0
	err := a.store.Exclusive(ctx, func(tx *store.Tx) error {
		recs, err := tx.All(ctx)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		digests, err := a.index.Digests(ctx, ids)
		if err != nil {
			return err
		}

		var done []string
		for _, r := range recs {
			d, ok := digests[r.ID]
			if !ok {
				continue
			}
			if d != Digest(r) {
				a.log.Warn("active record differs from archived copy, left for the next archive run", zap.String("id", r.ID))
				continue
			}
			done = append(done, r.ID)
		}
		if len(done) == 0 {
			return nil
		}
		if err := tx.DeleteByIDs(ctx, done); err != nil {
			return err
		}
		removed = len(done)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover archive cycle: %w", err)
	}
	if removed > 0 {
		a.log.Info("completed interrupted archive cycle", zap.Int("removed", removed))
	}
	return removed, nil
}
