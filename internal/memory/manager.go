// Package memory wires the active tier, consolidation, archival and recall
// into one manager.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/archive"
	"github.com/rcliao/tiermem/internal/config"
	"github.com/rcliao/tiermem/internal/consolidate"
	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/recall"
	"github.com/rcliao/tiermem/internal/store"
)

const (
	// connectOverlap links a new record to any record holding more than
	// this share of its entities.
	connectOverlap = 0.7
	// connectNear links at a lower share when the valences are close.
	connectNear    = 0.3
	connectValence = 0.3
)

// Manager owns both tiers and the components operating on them.
type Manager struct {
	cfg *config.Config
	log *zap.Logger

	store        *store.SQLiteStore
	content      *archive.FileContentStore
	index        *archive.Index
	archiver     *archive.Archiver
	consolidator *consolidate.Consolidator
	recall       *recall.Engine

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// Open opens every tier under cfg.DataDir and finishes any interrupted
// archive cycle.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}

	s, err := store.NewSQLiteStore(cfg.ActivePath(), store.WithLogger(log.Named("active")))
	if err != nil {
		return nil, fmt.Errorf("open active tier: %w", err)
	}
	content, err := archive.NewFileContentStore(cfg.ArchiveDir())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}
	index, err := archive.OpenIndex(cfg.IndexPath(), log.Named("catalog"))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open archive index: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		log:     log,
		store:   s,
		content: content,
		index:   index,
		archiver: archive.NewArchiver(s, content, index, archive.Config{
			Cap:        cfg.Active.Cap,
			Batch:      cfg.Active.ArchiveBatch,
			PreviewLen: cfg.Archive.PreviewLen,
		}, log.Named("archiver")),
		consolidator: consolidate.New(s, cfg.Consolidate.Threshold, log.Named("consolidator")),
		recall: recall.New(s, index, content, recall.Options{
			MaxPartitions: cfg.Recall.MaxPartitions,
			DecayDays:     cfg.Recall.HalfLifeDays,
		}, log.Named("recall")),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:     time.Now,
	}

	if _, err := m.archiver.Recover(ctx); err != nil {
		log.Warn("archive recovery at open failed", zap.Error(err))
	}
	return m, nil
}

// Close releases both databases.
func (m *Manager) Close() error {
	return errors.Join(m.store.Close(), m.index.Close())
}

func (m *Manager) Store() *store.SQLiteStore          { return m.store }
func (m *Manager) Index() *archive.Index              { return m.index }
func (m *Manager) Content() *archive.FileContentStore { return m.content }
func (m *Manager) Config() *config.Config             { return m.cfg }

func (m *Manager) newID(ts time.Time) string {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), m.entropy).String()
}

// CreateRequest is the inbound shape of a new record. A nil Confidence
// means full confidence.
type CreateRequest struct {
	Content          string
	Entities         []string
	EmotionalValence float64
	MemoryType       model.MemoryType
	Source           model.Source
	Confidence       *float64
	Connections      []string
}

// Create stores a new record, links it to related active records and
// archives the oldest records if the active tier is over its cap.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	if req.Content == "" {
		return "", fmt.Errorf("%w: empty content", model.ErrInvalidRecord)
	}
	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	ts := m.now().UTC()
	r := model.Record{
		ID:               m.newID(ts),
		Content:          req.Content,
		Timestamp:        ts,
		EmotionalValence: req.EmotionalValence,
		Entities:         req.Entities,
		Connections:      req.Connections,
		MemoryType:       req.MemoryType,
		Source:           req.Source,
		Confidence:       confidence,
	}
	r.Normalize()
	if err := r.Validate(); err != nil {
		return "", err
	}

	related, err := m.store.QueryByEntities(ctx, r.Entities, m.cfg.Active.Cap)
	if err != nil {
		return "", fmt.Errorf("find related records: %w", err)
	}
	r.Connections = model.Union(r.Connections, connections(r, related))

	id, err := m.store.Insert(ctx, r)
	if err != nil {
		return "", err
	}
	m.log.Debug("record created", zap.String("id", id), zap.Int("connections", len(r.Connections)))

	if m.store.Count() > m.cfg.Active.Cap {
		if _, err := m.archiver.Run(ctx); err != nil {
			m.log.Warn("archival after insert failed; retrying next cycle", zap.String("id", id), zap.Error(err))
		}
	}
	return id, nil
}

// connections returns the ids in candidates that r should link to.
func connections(r model.Record, candidates []model.Record) []string {
	var out []string
	denom := float64(max(len(r.Entities), 1))
	for _, c := range candidates {
		if c.ID == r.ID {
			continue
		}
		ratio := float64(model.SharedCount(r.Entities, c.Entities)) / denom
		near := math.Abs(r.EmotionalValence-c.EmotionalValence) < connectValence
		if ratio > connectOverlap || (ratio > connectNear && near) {
			out = append(out, c.ID)
		}
	}
	return out
}

// Link adds a connection from one record to another.
func (m *Manager) Link(ctx context.Context, from, to string) (model.Record, error) {
	return m.store.Link(ctx, from, to)
}

// Recall returns up to n ranked hits across both tiers.
func (m *Manager) Recall(ctx context.Context, entities []string, n int) ([]recall.Hit, error) {
	return m.recall.QueryScored(ctx, entities, n)
}

// Get returns a record from the active tier, or from the archive when it
// has been archived.
func (m *Manager) Get(ctx context.Context, id string) (model.Record, recall.Tier, error) {
	r, err := m.store.Get(ctx, id)
	if err == nil {
		return r, recall.TierActive, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Record{}, "", err
	}

	e, err := m.index.Lookup(ctx, id)
	if err != nil {
		return model.Record{}, "", err
	}
	recs, err := m.content.Load(ctx, e.Partition)
	if err != nil {
		return model.Record{}, "", err
	}
	for _, r := range recs {
		if r.ID == id {
			return r, recall.TierArchive, nil
		}
	}
	return model.Record{}, "", fmt.Errorf("%w: %s catalogued in %s but missing from partition", archive.ErrIO, id, e.Partition)
}

// Consolidate runs one consolidation pass.
func (m *Manager) Consolidate(ctx context.Context) (consolidate.Result, error) {
	return m.consolidator.Run(ctx)
}

// Archive runs the archiver.
func (m *Manager) Archive(ctx context.Context) (archive.Result, error) {
	return m.archiver.Run(ctx)
}

// MaintenanceReport summarizes one maintenance cycle.
type MaintenanceReport struct {
	Recovered     int                `json:"recovered"`
	Consolidation consolidate.Result `json:"consolidation"`
	Archive       archive.Result     `json:"archive"`
}

// Maintain finishes interrupted archival, consolidates and archives. Each
// step runs even if an earlier one failed; failures are joined.
func (m *Manager) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var rep MaintenanceReport
	var errs []error

	n, err := m.archiver.Recover(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	rep.Recovered = n

	res, err := m.consolidator.Run(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("consolidate: %w", err))
	}
	rep.Consolidation = res

	ares, err := m.archiver.Run(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	rep.Archive = ares

	if err := errors.Join(errs...); err != nil {
		m.log.Warn("maintenance cycle incomplete", zap.Error(err))
		return rep, err
	}
	return rep, nil
}
