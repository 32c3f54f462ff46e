package recall

import (
	"math"
	"sort"
	"time"
)

const (
	weightMatch      = 0.5
	weightRecency    = 0.3
	weightConfidence = 0.2
)

// score combines entity coverage, recency and confidence. Age is measured
// against ref, the newest candidate, so a fixed candidate set always ranks
// the same way.
func score(matches, queryLen int, ts, ref time.Time, confidence, decayDays float64) float64 {
	coverage := 0.0
	if queryLen > 0 {
		coverage = float64(matches) / float64(queryLen)
	}
	ageDays := ref.Sub(ts).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-ageDays / decayDays)
	return weightMatch*coverage + weightRecency*recency + weightConfidence*confidence
}

// rank scores hits in place and orders them by score, then timestamp, then
// id, all descending.
func rank(hits []Hit, queryLen int, decayDays float64) {
	if len(hits) == 0 {
		return
	}
	ref := hits[0].Record.Timestamp
	for _, h := range hits[1:] {
		if h.Record.Timestamp.After(ref) {
			ref = h.Record.Timestamp
		}
	}
	for i := range hits {
		r := hits[i].Record
		hits[i].Score = score(hits[i].Matches, queryLen, r.Timestamp, ref, r.Confidence, decayDays)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Record.Timestamp.Equal(b.Record.Timestamp) {
			return a.Record.Timestamp.After(b.Record.Timestamp)
		}
		return a.Record.ID > b.Record.ID
	})
}
