// Package store provides the local record store of the sync engine.
//
// Records are kept as key/value pairs. Keys are namespaced as
// "<prefix>_<logicalKey>"; values are the record's JSON encoding, optionally
// snappy-compressed behind a marker prefix. Both encodings can be read at
// any time, so compression can be switched on without a migration.
//
// All engine writes go through Apply, which reads the current value, asks the
// conflict resolver, and writes only on acceptance, atomically with respect
// to other writers of the same store.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/daysync/daysync/internal/record"
)

// DefaultPrefix namespaces day record keys.
const DefaultPrefix = "daysync"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store is the local persistence for records and engine metadata.
type Store interface {
	// Get returns the record stored under key, or nil when absent.
	Get(ctx context.Context, key string) (*record.Record, error)

	// Set writes rec unconditionally. Engine code uses Apply instead; Set
	// exists for seeding and repair tools.
	Set(ctx context.Context, rec *record.Record) error

	// Apply writes rec only when resolver accepts it over the current
	// value. It reports whether the write happened.
	Apply(ctx context.Context, rec *record.Record, resolver *record.Resolver) (bool, error)

	// Invalidate drops any cached copy of key so the next Get reads the
	// durable value.
	Invalidate(ctx context.Context, key string) error

	// Keys lists record keys, optionally filtered by a substring.
	Keys(ctx context.Context, contains string) ([]string, error)

	// LoadRaw and SaveRaw hold engine metadata such as the pending queues.
	// LoadRaw returns nil, nil when the key is absent.
	LoadRaw(ctx context.Context, key string) ([]byte, error)
	SaveRaw(ctx context.Context, key string, value []byte) error

	Close() error
}

// Key joins a prefix and a logical key. An empty prefix leaves the key as is.
func Key(prefix, logical string) string {
	if prefix == "" {
		return logical
	}
	if strings.HasPrefix(logical, prefix+"_") {
		return logical
	}
	return prefix + "_" + logical
}

// Logical strips prefix from a namespaced key.
func Logical(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"_")
}
