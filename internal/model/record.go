// Package model defines the core record data types.
package model

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// MemoryType classifies what kind of experience a record captures.
type MemoryType string

const (
	Interaction           MemoryType = "Interaction"
	Reflection            MemoryType = "Reflection"
	Curiosity             MemoryType = "Curiosity"
	EmotionalState        MemoryType = "EmotionalState"
	WisdomTransformation  MemoryType = "WisdomTransformation"
	ExistentialReflection MemoryType = "ExistentialReflection"
)

// DefaultMemoryType is assigned when a record arrives without a type.
const DefaultMemoryType = Interaction

// ValidMemoryTypes are the allowed memory types.
var ValidMemoryTypes = map[MemoryType]bool{
	Interaction:           true,
	Reflection:            true,
	Curiosity:             true,
	EmotionalState:        true,
	WisdomTransformation:  true,
	ExistentialReflection: true,
}

// SourceKind names how a record originated.
type SourceKind string

const (
	DirectExperience    SourceKind = "DirectExperience"
	CuriosityLookup     SourceKind = "CuriosityLookup"
	ConstitutionalEvent SourceKind = "ConstitutionalEvent"
	InternalSynthesis   SourceKind = "InternalSynthesis"
)

// ValidSourceKinds are the allowed source kinds.
var ValidSourceKinds = map[SourceKind]bool{
	DirectExperience:    true,
	CuriosityLookup:     true,
	ConstitutionalEvent: true,
	InternalSynthesis:   true,
}

// Source carries the provenance of a record. Query, Origin and At are only
// meaningful for CuriosityLookup.
type Source struct {
	Kind   SourceKind `json:"kind"`
	Query  string     `json:"query,omitempty"`
	Origin string     `json:"origin,omitempty"`
	At     *time.Time `json:"timestamp,omitempty"`
}

// Timestamps are stored as unix nanoseconds, which bounds them to roughly
// the years 1678 through 2262.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// Record is a single stored memory.
type Record struct {
	ID               string     `json:"id"`
	Content          string     `json:"content"`
	Timestamp        time.Time  `json:"timestamp"`
	EmotionalValence float64    `json:"emotional_valence"`
	Entities         []string   `json:"entities"`
	Connections      []string   `json:"connections,omitempty"`
	MemoryType       MemoryType `json:"memory_type"`
	Source           Source     `json:"source"`
	Confidence       float64    `json:"confidence"`
	MergedFrom       []string   `json:"merged_from,omitempty"`
}

// Clone returns a deep copy so callers cannot reach store-owned slices.
func (r Record) Clone() Record {
	c := r
	c.Entities = slices.Clone(r.Entities)
	c.Connections = slices.Clone(r.Connections)
	c.MergedFrom = slices.Clone(r.MergedFrom)
	if r.Source.At != nil {
		at := *r.Source.At
		c.Source.At = &at
	}
	return c
}

// Validate checks the timestamp range, the numeric ranges and the
// enumerations of a record.
func (r Record) Validate() error {
	if r.Timestamp.Before(MinTimestamp) || r.Timestamp.After(MaxTimestamp) {
		return fmt.Errorf("%w: timestamp %s outside %s..%s", ErrInvalidRecord,
			r.Timestamp.Format(time.RFC3339), MinTimestamp.Format(time.RFC3339), MaxTimestamp.Format(time.RFC3339))
	}
	if r.EmotionalValence < -1 || r.EmotionalValence > 1 {
		return fmt.Errorf("%w: emotional_valence %v outside [-1, 1]", ErrInvalidRecord, r.EmotionalValence)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidRecord, r.Confidence)
	}
	if !ValidMemoryTypes[r.MemoryType] {
		return fmt.Errorf("%w: unknown memory_type %q", ErrInvalidRecord, r.MemoryType)
	}
	if !ValidSourceKinds[r.Source.Kind] {
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidRecord, r.Source.Kind)
	}
	return nil
}

// Normalize puts the set-valued fields into canonical form and fills defaults.
func (r *Record) Normalize() {
	r.Entities = NormalizeEntities(r.Entities)
	r.Connections = SortedSet(r.Connections)
	r.MergedFrom = SortedSet(r.MergedFrom)
	if r.MemoryType == "" {
		r.MemoryType = DefaultMemoryType
	}
	if r.Source.Kind == "" {
		r.Source.Kind = DirectExperience
	}
	r.Timestamp = r.Timestamp.UTC()
}

// NormalizeEntity trims an entity and collapses internal whitespace.
// Case is preserved.
func NormalizeEntity(e string) string {
	return strings.Join(strings.Fields(e), " ")
}

// NormalizeEntities normalizes, de-duplicates and sorts an entity set.
func NormalizeEntities(entities []string) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		if n := NormalizeEntity(e); n != "" {
			out = append(out, n)
		}
	}
	return SortedSet(out)
}

// SortedSet returns the sorted, de-duplicated, non-empty members of s.
func SortedSet(s []string) []string {
	out := make([]string, 0, len(s))
	for _, v := range s {
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Union returns the sorted union of two sets.
func Union(a, b []string) []string {
	return SortedSet(append(slices.Clone(a), b...))
}

// Overlap is the Jaccard ratio |a ∩ b| / |a ∪ b| of two normalized sets.
// Two empty sets have overlap 0.
func Overlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	shared := SharedCount(a, b)
	return float64(shared) / float64(len(a)+len(b)-shared)
}

// SharedCount counts the members present in both sets.
func SharedCount(a, b []string) int {
	in := make(map[string]struct{}, len(b))
	for _, v := range b {
		in[v] = struct{}{}
	}
	n := 0
	for _, v := range SortedSet(a) {
		if _, ok := in[v]; ok {
			n++
		}
	}
	return n
}

// Newer reports whether a was created after b. Equal timestamps fall back
// to id order, which is time-ordered for ULIDs.
func Newer(a, b Record) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

// PartitionKey is the calendar month (UTC) a record is archived under.
func PartitionKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
