// Package guard implements the block window that protects fresh local edits
// from being overwritten by remote mirroring.
//
// Every local mutation arms the window. While it is active, the remote
// mirror skips records of the guarded key class; they are retried on the
// next pull, by which time the local edit has been uploaded or has a newer
// timestamp than anything the remote side holds.
package guard

import (
	"sync"
	"time"

	"github.com/daysync/daysync/internal/clock"
	"github.com/daysync/daysync/internal/record"
)

// DefaultDuration is how long a single local mutation holds the window open.
const DefaultDuration = 3000 * time.Millisecond

// DefaultKeyClass is the key marker of records the window protects.
const DefaultKeyClass = "dayv2_"

// Guard is a monotonic deadline. It is safe for concurrent use.
type Guard struct {
	clock    clock.Clock
	duration time.Duration
	keyClass string

	mu          sync.Mutex
	activeUntil time.Time
}

// New creates a guard with the default duration and key class.
func New(c clock.Clock) *Guard {
	return NewWithOptions(c, DefaultDuration, DefaultKeyClass)
}

// NewWithOptions creates a guard with a custom duration and key class.
// An empty key class makes the guard cover every key.
func NewWithOptions(c clock.Clock, d time.Duration, keyClass string) *Guard {
	if c == nil {
		c = clock.Real()
	}
	if d <= 0 {
		d = DefaultDuration
	}
	return &Guard{clock: c, duration: d, keyClass: keyClass}
}

// Arm extends the window to at least now+d. It never moves the deadline
// backwards.
func (g *Guard) Arm(d time.Duration) {
	until := g.clock.Now().Add(d)

	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.activeUntil) {
		g.activeUntil = until
	}
}

// ArmDefault arms the window for the configured duration.
func (g *Guard) ArmDefault() {
	g.Arm(g.duration)
}

// IsActive reports whether now is before the deadline.
func (g *Guard) IsActive() bool {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Before(g.activeUntil)
}

// ActiveUntil returns the current deadline. The zero time means never armed.
func (g *Guard) ActiveUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeUntil
}

// Covers reports whether key belongs to the guarded key class.
func (g *Guard) Covers(key string) bool {
	if g.keyClass == "" {
		return true
	}
	return record.HasClass(key, g.keyClass)
}

// Blocks reports whether a remote write to key must be skipped right now.
func (g *Guard) Blocks(key string) bool {
	return g.Covers(key) && g.IsActive()
}
