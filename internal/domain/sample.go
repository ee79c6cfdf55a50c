package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the on-disk timestamp format: RFC 3339 with exactly
// microsecond precision, matching what the agents supply.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Reserved record keys. Observation names must never collide with these.
const (
	KeySequence  = "sequence"
	KeyTimestamp = "timestamp"
	KeySourceID  = "source_id"
)

// Sample is one observation snapshot from a machine endpoint. It is
// immutable once constructed; Fields carries every observation name the
// source is configured to report, with the unavailable sentinel standing in
// for anything the endpoint did not return.
type Sample struct {
	SourceID  string
	Timestamp time.Time
	Seq       uint64
	Fields    map[string]Value
}

// MarshalJSON renders the flattened record layout: sequence, timestamp and
// source_id at the top level alongside one key per observed field.
func (s *Sample) MarshalJSON() ([]byte, error) {
	rec := make(map[string]any, len(s.Fields)+3)
	rec[KeySequence] = s.Seq
	rec[KeyTimestamp] = s.Timestamp.Format(TimestampLayout)
	rec[KeySourceID] = s.SourceID
	for name, v := range s.Fields {
		rec[name] = v
	}
	return json.Marshal(rec)
}

func (s *Sample) UnmarshalJSON(data []byte) error {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}

	raw, ok := rec[KeySequence]
	if !ok {
		return fmt.Errorf("record missing %q", KeySequence)
	}
	if err := json.Unmarshal(raw, &s.Seq); err != nil {
		return fmt.Errorf("record sequence: %w", err)
	}

	raw, ok = rec[KeyTimestamp]
	if !ok {
		return fmt.Errorf("record missing %q", KeyTimestamp)
	}
	var ts string
	if err := json.Unmarshal(raw, &ts); err != nil {
		return fmt.Errorf("record timestamp: %w", err)
	}
	parsed, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		// tolerate records written with variable sub-second precision
		parsed, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("record timestamp: %w", err)
		}
	}
	s.Timestamp = parsed

	if raw, ok = rec[KeySourceID]; ok {
		if err := json.Unmarshal(raw, &s.SourceID); err != nil {
			return fmt.Errorf("record source_id: %w", err)
		}
	}

	s.Fields = make(map[string]Value, len(rec))
	for name, raw := range rec {
		if name == KeySequence || name == KeyTimestamp || name == KeySourceID {
			continue
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("record field %q: %w", name, err)
		}
		s.Fields[name] = v
	}
	return nil
}

// Equal reports field-for-field equality, including sentinel fields.
func (s *Sample) Equal(o *Sample) bool {
	if s.SourceID != o.SourceID || s.Seq != o.Seq || !s.Timestamp.Equal(o.Timestamp) {
		return false
	}
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for name, v := range s.Fields {
		ov, ok := o.Fields[name]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
