package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// UnmarshalJSON accepts the native object form {"kind": ...} and the two
// older encodings: a bare kind string ("DirectExperience") and a
// single-key object keyed by kind ({"CuriosityLookup": {"query": ...,
// "source": ..., "timestamp": ...}}).
func (s *Source) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var kind string
		if err := json.Unmarshal(data, &kind); err != nil {
			return err
		}
		*s = Source{Kind: SourceKind(kind)}
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode source: %w", err)
	}
	if _, ok := fields["kind"]; ok {
		type plain Source
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode source: %w", err)
		}
		*s = Source(p)
		return nil
	}
	if len(fields) == 0 {
		*s = Source{}
		return nil
	}
	if len(fields) != 1 {
		return fmt.Errorf("decode source: expected one variant key, got %d", len(fields))
	}

	for kind, body := range fields {
		var v struct {
			Query     string     `json:"query"`
			Source    string     `json:"source"`
			Timestamp *time.Time `json:"timestamp"`
		}
		if !bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
			if err := json.Unmarshal(body, &v); err != nil {
				return fmt.Errorf("decode source %s: %w", kind, err)
			}
		}
		*s = Source{Kind: SourceKind(kind), Query: v.Query, Origin: v.Source, At: v.Timestamp}
	}
	return nil
}
