// Package identity generates the per-process source identity stamped on
// every locally written record.
package identity

import "github.com/google/uuid"

// New returns a fresh random source identity (UUID v4). Call it once per
// engine; the value lives for the lifetime of the process.
func New() string {
	return uuid.NewString()
}

// Valid reports whether id looks like an identity produced by New.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
