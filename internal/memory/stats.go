package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcliao/tiermem/internal/archive"
	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/store"
)

// Stats describes both tiers.
type Stats struct {
	Active     *store.Stats             `json:"active"`
	Cap        int                      `json:"cap"`
	Archived   int                      `json:"archived"`
	Partitions []archive.PartitionCount `json:"partitions"`
	ArchiveDir string                   `json:"archive_dir"`
	IndexPath  string                   `json:"index_path"`
}

// Stats gathers counts for both tiers.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	active, err := m.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("active stats: %w", err)
	}
	archived, err := m.index.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive count: %w", err)
	}
	parts, err := m.index.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive partitions: %w", err)
	}
	return &Stats{
		Active:     active,
		Cap:        m.cfg.Active.Cap,
		Archived:   archived,
		Partitions: parts,
		ArchiveDir: m.content.Root(),
		IndexPath:  m.index.Path(),
	}, nil
}

// Export is every record of both tiers.
type Export struct {
	Active   []model.Record `json:"active"`
	Archived []model.Record `json:"archived"`
}

// Export reads every record from both tiers, oldest first within each.
func (m *Manager) Export(ctx context.Context) (*Export, error) {
	active, err := m.store.ExportAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("export active: %w", err)
	}
	parts, err := m.content.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	out := &Export{Active: active}
	for _, p := range parts {
		recs, err := m.content.Load(ctx, p)
		if err != nil {
			return nil, err
		}
		out.Archived = append(out.Archived, recs...)
	}
	return out, nil
}

// VerifyReport lists consistency problems across both tiers.
type VerifyReport struct {
	ActiveIndex  store.IndexReport `json:"active_index"`
	Uncatalogued []string          `json:"uncatalogued,omitempty"`
	Missing      []string          `json:"missing,omitempty"`
	Mismatched   []string          `json:"mismatched,omitempty"`
	InBothTiers  []string          `json:"in_both_tiers,omitempty"`
}

// OK reports whether no problem was found.
func (r VerifyReport) OK() bool {
	return r.ActiveIndex.Consistent() && len(r.Uncatalogued) == 0 && len(r.Missing) == 0 &&
		len(r.Mismatched) == 0 && len(r.InBothTiers) == 0
}

// Verify checks the active entity index, that every archived record is
// catalogued with a matching digest, that every catalogued id exists in its
// partition, and that no id lives in both tiers.
func (m *Manager) Verify(ctx context.Context) (*VerifyReport, error) {
	rep := &VerifyReport{}

	ir, err := m.store.VerifyIndex(ctx)
	if err != nil && !errors.Is(err, model.ErrIndexInconsistency) {
		return nil, err
	}
	rep.ActiveIndex = ir

	parts, err := m.content.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, p := range parts {
		recs, err := m.content.Load(ctx, p)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		digests, err := m.index.Digests(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			seen[r.ID] = true
			d, ok := digests[r.ID]
			switch {
			case !ok:
				rep.Uncatalogued = append(rep.Uncatalogued, r.ID)
			case d != archive.Digest(r):
				rep.Mismatched = append(rep.Mismatched, r.ID)
			}
			if _, err := m.store.Get(ctx, r.ID); err == nil {
				rep.InBothTiers = append(rep.InBothTiers, r.ID)
			}
		}
	}

	catalogued, err := m.index.IDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range catalogued {
		if !seen[id] {
			rep.Missing = append(rep.Missing, id)
		}
	}
	return rep, nil
}
