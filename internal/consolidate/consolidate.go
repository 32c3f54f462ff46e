// Package consolidate merges near-duplicate active records by entity overlap.
package consolidate

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/store"
)

// DefaultThreshold is the overlap a pair must exceed to be merged.
const DefaultThreshold = 0.7

// ActiveStore is the part of the active tier the consolidator needs.
type ActiveStore interface {
	Dirty() bool
	ClearDirty()
	MarkDirty()
	Exclusive(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Consolidator merges active records whose entity sets overlap.
type Consolidator struct {
	store     ActiveStore
	threshold float64
	log       *zap.Logger
}

// New creates a consolidator. A threshold <= 0 uses DefaultThreshold.
func New(s ActiveStore, threshold float64, log *zap.Logger) *Consolidator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consolidator{store: s, threshold: threshold, log: log}
}

// MergedPair records one merge performed in a pass.
type MergedPair struct {
	Survivor string  `json:"survivor"`
	Absorbed string  `json:"absorbed"`
	Overlap  float64 `json:"overlap"`
}

// Result summarizes a consolidation pass. Remaining counts the pairs that
// still qualify after the pass; they are merged by the following passes.
type Result struct {
	Skipped   bool         `json:"skipped"`
	Scanned   int          `json:"scanned"`
	Merges    []MergedPair `json:"merges"`
	Remaining int          `json:"remaining"`
}

// Run performs one consolidation pass if the store is dirty. A record takes
// part in at most one merge per pass. The pass runs inside the store's
// exclusive section and either applies every merge or none. The store stays
// dirty while qualifying pairs remain, so repeated passes converge without
// new inserts.
func (c *Consolidator) Run(ctx context.Context) (Result, error) {
	if !c.store.Dirty() {
		return Result{Skipped: true}, nil
	}

	var res Result
	err := c.store.Exclusive(ctx, func(tx *store.Tx) error {
		records, err := tx.All(ctx)
		if err != nil {
			return fmt.Errorf("load records: %w", err)
		}
		res.Scanned = len(records)

		used := make(map[int]bool)
		redirect := make(map[string]string)
		products := make(map[int]model.Record)
		for _, cand := range Candidates(records, c.threshold) {
			if used[cand.I] || used[cand.J] {
				continue
			}
			used[cand.I], used[cand.J] = true, true

			product := Merge(records[cand.I], records[cand.J])
			keep, drop := cand.I, cand.J
			if records[cand.J].ID == product.ID {
				keep, drop = cand.J, cand.I
			}
			products[keep] = product
			absorbed := records[drop].ID
			redirect[absorbed] = product.ID

			res.Merges = append(res.Merges, MergedPair{Survivor: product.ID, Absorbed: absorbed, Overlap: cand.Overlap})
			c.log.Debug("merged records",
				zap.String("survivor", product.ID),
				zap.String("absorbed", absorbed),
				zap.Float64("overlap", cand.Overlap))
		}

		var after []model.Record
		for i, r := range records {
			if _, gone := redirect[r.ID]; gone {
				continue
			}
			p, merged := products[i]
			if merged {
				r = p
			}
			relinked, changed := relink(r, redirect)
			if merged || changed {
				if err := tx.Update(ctx, relinked); err != nil {
					return fmt.Errorf("update %s: %w", relinked.ID, err)
				}
			}
			after = append(after, relinked)
		}
		if len(redirect) > 0 {
			absorbed := slices.Sorted(maps.Keys(redirect))
			if err := tx.DeleteByIDs(ctx, absorbed); err != nil {
				return fmt.Errorf("delete absorbed: %w", err)
			}
		}

		// Flag changes stay under the write lock so an insert cannot slip
		// between the pass and the reset.
		res.Remaining = len(Candidates(after, c.threshold))
		if res.Remaining == 0 {
			c.store.ClearDirty()
		}
		return nil
	})
	if err != nil {
		c.store.MarkDirty()
		c.log.Warn("consolidation pass skipped", zap.Error(err))
		return Result{}, err
	}

	if len(res.Merges) > 0 {
		c.log.Info("consolidation complete",
			zap.Int("scanned", res.Scanned),
			zap.Int("merged", len(res.Merges)),
			zap.Int("remaining", res.Remaining))
	}
	return res, nil
}

// relink points connections at absorbed records to their survivors.
func relink(r model.Record, redirect map[string]string) (model.Record, bool) {
	changed := false
	conns := make([]string, 0, len(r.Connections))
	for _, id := range r.Connections {
		if to, ok := redirect[id]; ok {
			id = to
			changed = true
		}
		if id == r.ID {
			changed = true
			continue
		}
		conns = append(conns, id)
	}
	if !changed {
		return r, false
	}
	r.Connections = model.SortedSet(conns)
	return r, true
}
