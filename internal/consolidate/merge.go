package consolidate

import (
	"math"
	"slices"
	"sort"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/provenance"
)

// typeRank orders memory types by specificity. Interaction is the default
// and ranks lowest.
var typeRank = map[model.MemoryType]int{
	model.Interaction:           0,
	model.EmotionalState:        1,
	model.Curiosity:             2,
	model.Reflection:            3,
	model.ExistentialReflection: 4,
	model.WisdomTransformation:  5,
}

// sourceRank orders provenance variants by richness.
var sourceRank = map[model.SourceKind]int{
	model.DirectExperience:    0,
	model.InternalSynthesis:   1,
	model.ConstitutionalEvent: 2,
	model.CuriosityLookup:     3,
}

// Candidate is a pair of records whose entity overlap exceeds the threshold.
// I and J index the slice passed to Candidates.
type Candidate struct {
	I, J    int
	Overlap float64
}

// Candidates returns every pair with overlap > threshold, highest first.
// Ties keep pair order over the input slice so a pass is deterministic.
func Candidates(records []model.Record, threshold float64) []Candidate {
	var out []Candidate
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			ratio := model.Overlap(records[i].Entities, records[j].Entities)
			if ratio > threshold {
				out = append(out, Candidate{I: i, J: j, Overlap: ratio})
			}
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Overlap > out[b].Overlap
	})
	return out
}

// Merge folds two records into one. The product keeps the id and timestamp
// of the more recently created record; the other record's content, entities,
// connections and provenance are carried inside the product.
func Merge(a, b model.Record) model.Record {
	older, newer := a, b
	if model.Newer(a, b) {
		older, newer = b, a
	}

	segs := append(provenance.Of(older), provenance.Of(newer)...)

	return model.Record{
		ID:               newer.ID,
		Content:          provenance.Join(segs),
		Timestamp:        newer.Timestamp,
		EmotionalValence: (older.EmotionalValence + newer.EmotionalValence) / 2,
		Entities:         model.Union(older.Entities, newer.Entities),
		Connections:      withoutIDs(model.Union(older.Connections, newer.Connections), older.ID, newer.ID),
		MemoryType:       mergeType(older.MemoryType, newer.MemoryType),
		Source:           mergeSource(older.Source, newer.Source),
		Confidence:       math.Max(older.Confidence, newer.Confidence),
		MergedFrom:       model.Union(model.Union(older.MergedFrom, newer.MergedFrom), []string{older.ID}),
	}
}

// withoutIDs drops the merged records' own ids so the product never links
// to itself or to the record it absorbed.
func withoutIDs(conns []string, ids ...string) []string {
	return slices.DeleteFunc(conns, func(c string) bool {
		return slices.Contains(ids, c)
	})
}

// mergeType picks the more specific type; equal rank keeps the older type.
func mergeType(older, newer model.MemoryType) model.MemoryType {
	if typeRank[newer] > typeRank[older] {
		return newer
	}
	return older
}

// mergeSource picks the richer provenance; equal rank keeps the older source.
func mergeSource(older, newer model.Source) model.Source {
	if sourceRank[newer.Kind] > sourceRank[older.Kind] {
		return newer
	}
	return older
}
