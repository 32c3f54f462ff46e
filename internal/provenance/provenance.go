// Package provenance encodes merged record content so every original
// segment can be recovered with its timestamp and origin.
package provenance

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rcliao/tiermem/internal/model"
)

const (
	markerOpen  = "⟦segment "
	markerClose = "⟧"
	escape      = `\`
)

// Segment is one original record folded into a merged record.
type Segment struct {
	ID               string           `json:"id"`
	Timestamp        time.Time        `json:"at"`
	MemoryType       model.MemoryType `json:"type"`
	Source           model.Source     `json:"source"`
	EmotionalValence float64          `json:"valence"`
	Confidence       float64          `json:"confidence"`
	Text             string           `json:"-"`
}

// Of returns the segments a record is made of. A record that never took
// part in a merge is a single segment describing itself.
func Of(r model.Record) []Segment {
	if len(r.MergedFrom) > 0 {
		if segs, err := Split(r.Content); err == nil && len(segs) > 0 {
			return segs
		}
	}
	return []Segment{{
		ID:               r.ID,
		Timestamp:        r.Timestamp.UTC(),
		MemoryType:       r.MemoryType,
		Source:           r.Source,
		EmotionalValence: r.EmotionalValence,
		Confidence:       r.Confidence,
		Text:             r.Content,
	}}
}

// Join writes segments in (timestamp, id) order. Each segment starts with a
// marker line holding its metadata as JSON.
func Join(segs []Segment) string {
	sorted := make([]Segment, len(segs))
	copy(sorted, segs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var b strings.Builder
	for i, s := range sorted {
		if i > 0 {
			b.WriteByte('\n')
		}
		meta, _ := json.Marshal(s)
		b.WriteString(markerOpen)
		b.Write(meta)
		b.WriteString(markerClose)
		b.WriteByte('\n')
		b.WriteString(escapeText(s.Text))
	}
	return b.String()
}

// Split is the inverse of Join.
func Split(content string) ([]Segment, error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || !isMarker(lines[0]) {
		return nil, fmt.Errorf("content does not start with a segment marker")
	}

	var segs []Segment
	var body []string
	flush := func() {
		if len(segs) == 0 {
			return
		}
		segs[len(segs)-1].Text = strings.Join(body, "\n")
		body = nil
	}

	for i, line := range lines {
		if isMarker(line) {
			flush()
			raw := strings.TrimSuffix(strings.TrimPrefix(line, markerOpen), markerClose)
			var s Segment
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				return nil, fmt.Errorf("parse segment marker on line %d: %w", i+1, err)
			}
			segs = append(segs, s)
			continue
		}
		body = append(body, unescapeLine(line))
	}
	flush()

	return segs, nil
}

func isMarker(line string) bool {
	return strings.HasPrefix(line, markerOpen) && strings.HasSuffix(line, markerClose)
}

// escapeText guards lines that could be mistaken for markers.
func escapeText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "⟦") || strings.HasPrefix(line, escape) {
			lines[i] = escape + line
		}
	}
	return strings.Join(lines, "\n")
}

func unescapeLine(line string) string {
	return strings.TrimPrefix(line, escape)
}
