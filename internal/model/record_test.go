package model

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeEntities(t *testing.T) {
	got := NormalizeEntities([]string{"  VI ", "consciousness", "VI", "", "deep   memory"})
	want := []string{"VI", "consciousness", "deep memory"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entity %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestOverlap(t *testing.T) {
	cases := []struct {
		a, b []string
		want float64
	}{
		{[]string{"VI", "consciousness"}, []string{"consciousness", "memory"}, 1.0 / 3},
		{[]string{"VI", "consciousness"}, []string{"VI", "consciousness", "memory"}, 2.0 / 3},
		{[]string{"VI", "consciousness"}, []string{"VI", "consciousness"}, 1},
		{nil, nil, 0},
		{[]string{"identity"}, nil, 0},
	}
	for _, c := range cases {
		if got := Overlap(c.a, c.b); got != c.want {
			t.Errorf("Overlap(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	r := Record{Timestamp: time.Now(), MemoryType: Reflection, Source: Source{Kind: DirectExperience}, Confidence: 1}
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}

	r.EmotionalValence = 1.5
	if err := r.Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for valence, got %v", err)
	}

	r.EmotionalValence = 0
	r.MemoryType = "Dream"
	if err := r.Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for type, got %v", err)
	}
}

func TestValidateTimestampRange(t *testing.T) {
	r := Record{MemoryType: Reflection, Source: Source{Kind: DirectExperience}, Confidence: 1}
	for _, ts := range []time.Time{{}, time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)} {
		r.Timestamp = ts
		if err := r.Validate(); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord for %s, got %v", ts, err)
		}
	}

	r.Timestamp = MaxTimestamp
	if err := r.Validate(); err != nil {
		t.Errorf("expected upper bound to be valid, got %v", err)
	}
	if got := time.Unix(0, r.Timestamp.UnixNano()).UTC(); !got.Equal(r.Timestamp) {
		t.Errorf("upper bound does not survive unix nanos: %s", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r := Record{Entities: []string{"a"}, Source: Source{Kind: CuriosityLookup, At: &at}}
	c := r.Clone()
	c.Entities[0] = "b"
	*c.Source.At = at.Add(time.Hour)

	if r.Entities[0] != "a" {
		t.Error("clone shares entity slice")
	}
	if !r.Source.At.Equal(at) {
		t.Error("clone shares source timestamp")
	}
}

func TestPartitionKey(t *testing.T) {
	ts := time.Date(2026, 1, 31, 23, 30, 0, 0, time.FixedZone("x", -2*3600))
	if got := PartitionKey(ts); got != "2026-02" {
		t.Errorf("expected UTC month 2026-02, got %s", got)
	}
}
