// Package record provides the day record model, metadata handling, and the
// conflict resolver shared by every write path of the sync engine.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Metadata field names carried inside the stored payload object.
const (
	FieldUpdatedAt = "updatedAt"
	FieldSourceID  = "_sourceId"
)

// Record is a single keyed document with last-writer metadata.
//
// The payload is opaque to the engine except for the meaningfulness
// predicate. UpdatedAt is milliseconds since the Unix epoch on the writer's
// clock; SourceID identifies the writing engine instance.
type Record struct {
	Key       string         `json:"-"`
	Payload   map[string]any `json:"-"`
	UpdatedAt int64          `json:"-"`
	SourceID  string         `json:"-"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Key:       r.Key,
		Payload:   clonePayload(r.Payload),
		UpdatedAt: r.UpdatedAt,
		SourceID:  r.SourceID,
	}
}

// MarshalJSON encodes the record as its payload object with the metadata
// fields set alongside the payload fields.
func (r Record) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		if k == FieldUpdatedAt || k == FieldSourceID {
			continue
		}
		obj[k] = v
	}
	if r.UpdatedAt != 0 {
		obj[FieldUpdatedAt] = r.UpdatedAt
	}
	if r.SourceID != "" {
		obj[FieldSourceID] = r.SourceID
	}
	return json.Marshal(obj)
}

// UnmarshalJSON decodes a payload object, lifting the metadata fields out of
// the payload. The key is not part of the encoding.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	if obj == nil {
		return fmt.Errorf("record payload must be a JSON object")
	}

	r.UpdatedAt = 0
	r.SourceID = ""
	if v, ok := obj[FieldUpdatedAt]; ok {
		ts, err := toMillis(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", FieldUpdatedAt, err)
		}
		r.UpdatedAt = ts
	}
	if v, ok := obj[FieldSourceID].(string); ok {
		r.SourceID = v
	}

	r.Payload = StripMeta(obj)
	return nil
}

// Decode parses a stored value into a record with the given key.
func Decode(key string, data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	rec.Key = key
	return &rec, nil
}

// StripMeta returns a copy of payload without the metadata fields.
func StripMeta(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == FieldUpdatedAt || k == FieldSourceID {
			continue
		}
		out[k] = v
	}
	return out
}

// Snapshot returns a canonical string of the payload without metadata.
// Two payloads that differ only in updatedAt or _sourceId have equal
// snapshots. encoding/json sorts map keys, so the result is stable.
func Snapshot(payload map[string]any) string {
	data, err := json.Marshal(StripMeta(payload))
	if err != nil {
		return ""
	}
	return string(data)
}

// HasClass reports whether the key contains the given class marker,
// e.g. "dayv2_" for day records.
func HasClass(key, class string) bool {
	return class != "" && strings.Contains(key, class)
}

func toMillis(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
