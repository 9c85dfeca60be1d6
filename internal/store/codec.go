package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/daysync/daysync/internal/record"
)

// CompressionMarker prefixes compressed values.
const CompressionMarker = "¤Z¤"

// Codec turns records into stored bytes and back.
type Codec struct {
	// Compress enables snappy compression for values at least MinSize long.
	Compress bool
	MinSize  int
}

// DefaultCodec stores plain JSON.
func DefaultCodec() Codec {
	return Codec{MinSize: 512}
}

// Encode returns the stored form of rec.
func (c Codec) Encode(rec *record.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s: %w", rec.Key, err)
	}
	return c.Wrap(data), nil
}

// Wrap compresses raw bytes when the codec is configured to.
func (c Codec) Wrap(data []byte) []byte {
	if !c.Compress || len(data) < c.MinSize {
		return data
	}
	compressed := snappy.Encode(nil, data)
	out := make([]byte, 0, len(CompressionMarker)+len(compressed))
	out = append(out, CompressionMarker...)
	return append(out, compressed...)
}

// Unwrap returns the plain bytes of a stored value, decompressing when the
// marker is present.
func Unwrap(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, []byte(CompressionMarker)) {
		return stored, nil
	}
	data, err := snappy.Decode(nil, stored[len(CompressionMarker):])
	if err != nil {
		return nil, fmt.Errorf("failed to decompress value: %w", err)
	}
	return data, nil
}

// Decode parses a stored value into a record.
func Decode(key string, stored []byte) (*record.Record, error) {
	data, err := Unwrap(stored)
	if err != nil {
		return nil, err
	}
	rec, err := record.Decode(key, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return rec, nil
}
