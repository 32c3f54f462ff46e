// Package recall answers entity queries across the active and archive tiers.
package recall

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/archive"
	"github.com/rcliao/tiermem/internal/model"
)

const (
	DefaultMaxPartitions = 3
	DefaultDecayDays     = 30
)

// Tier names where a hit was found.
type Tier string

const (
	TierActive  Tier = "active"
	TierArchive Tier = "archive"
)

// ActiveStore is the active-tier query surface.
type ActiveStore interface {
	QueryByEntities(ctx context.Context, entities []string, limit int) ([]model.Record, error)
}

// Catalog locates archive partitions by entity.
type Catalog interface {
	FindByEntities(ctx context.Context, entities []string, maxPartitions int) ([]string, error)
}

// Hit is a ranked recall result.
type Hit struct {
	Record  model.Record `json:"record"`
	Score   float64      `json:"score"`
	Tier    Tier         `json:"tier"`
	Matches int          `json:"matches"`
}

// Options tune recall.
type Options struct {
	MaxPartitions int
	DecayDays     float64
}

// Engine queries the active tier first and falls back to the archive when
// it cannot fill the request.
type Engine struct {
	active  ActiveStore
	catalog Catalog
	content archive.ContentStore
	opts    Options
	log     *zap.Logger
}

// New creates an engine. catalog and content may be nil for active-only
// recall.
func New(active ActiveStore, catalog Catalog, content archive.ContentStore, opts Options, log *zap.Logger) *Engine {
	if opts.MaxPartitions <= 0 {
		opts.MaxPartitions = DefaultMaxPartitions
	}
	if opts.DecayDays <= 0 {
		opts.DecayDays = DefaultDecayDays
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{active: active, catalog: catalog, content: content, opts: opts, log: log}
}

// Query returns up to n records sharing at least one entity with the query,
// best first.
func (e *Engine) Query(ctx context.Context, entities []string, n int) ([]model.Record, error) {
	hits, err := e.QueryScored(ctx, entities, n)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, len(hits))
	for i, h := range hits {
		out[i] = h.Record
	}
	return out, nil
}

// QueryScored is Query with scores and the tier each record came from.
// Archive failures are logged and the active-tier results returned.
func (e *Engine) QueryScored(ctx context.Context, entities []string, n int) ([]Hit, error) {
	query := model.NormalizeEntities(entities)
	if len(query) == 0 || n <= 0 {
		return nil, nil
	}

	active, err := e.active.QueryByEntities(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("query active tier: %w", err)
	}

	seen := make(map[string]bool, n)
	hits := make([]Hit, 0, n)
	for _, r := range active {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		hits = append(hits, Hit{Record: r.Clone(), Tier: TierActive, Matches: model.SharedCount(r.Entities, query)})
	}

	if len(hits) < n && e.catalog != nil && e.content != nil {
		hits = e.fromArchive(ctx, query, n, hits, seen)
	}

	rank(hits, len(query), e.opts.DecayDays)
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits, nil
}

func (e *Engine) fromArchive(ctx context.Context, query []string, n int, hits []Hit, seen map[string]bool) []Hit {
	parts, err := e.catalog.FindByEntities(ctx, query, e.opts.MaxPartitions)
	if err != nil {
		e.log.Warn("archive catalog unavailable, returning active results", zap.Error(err))
		return hits
	}

	for _, p := range parts {
		recs, err := e.content.Load(ctx, p)
		if err != nil {
			e.log.Warn("archive partition unavailable", zap.String("partition", p), zap.Error(err))
			continue
		}
		// Newest first within a partition.
		for i := len(recs) - 1; i >= 0; i-- {
			r := recs[i]
			if seen[r.ID] {
				continue
			}
			matches := model.SharedCount(r.Entities, query)
			if matches == 0 {
				continue
			}
			seen[r.ID] = true
			hits = append(hits, Hit{Record: r.Clone(), Tier: TierArchive, Matches: matches})
			if len(hits) >= n {
				return hits
			}
		}
	}
	return hits
}
