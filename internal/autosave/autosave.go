// Package autosave coalesces rapid in-memory changes of records into
// debounced durable writes.
//
// Each record key moves through a small state machine:
//
//	uninitialized -> first Observe takes a baseline snapshot, no write
//	idle          -> Observe with a changed snapshot publishes data-saved
//	                 and arms the debounce timer
//	pending       -> further changes re-arm the timer; when it fires the
//	                 key is flushed
//	flushing      -> strip metadata, skip if unchanged, apply attachment
//	                 policy, stamp, write through the resolver
//
// A forced flush skips the unchanged check but still goes through the
// resolver, so a force can never clobber newer or more meaningful data.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/daysync/daysync/internal/clock"
	"github.com/daysync/daysync/internal/events"
	"github.com/daysync/daysync/internal/metrics"
	"github.com/daysync/daysync/internal/record"
	"github.com/daysync/daysync/internal/store"
)

// Config holds autosave settings.
type Config struct {
	// Debounce is the quiet period before a change is written
	Debounce time.Duration

	// Attachments is applied to every payload before it is written
	Attachments record.AttachmentPolicy

	// Logger for write failures and rejections
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce:    500 * time.Millisecond,
		Attachments: record.DefaultAttachmentPolicy(),
		Logger:      log.New(os.Stderr, "[autosave] ", log.LstdFlags),
	}
}

// FlushOptions controls a flush.
type FlushOptions struct {
	// Force writes even when the snapshot did not change
	Force bool
}

// CommitFunc is called after a write was accepted by the resolver.
type CommitFunc func(ctx context.Context, rec *record.Record)

// Options are the collaborators of an Autosaver.
type Options struct {
	Store    store.Store
	Resolver *record.Resolver
	Clock    clock.Clock
	Events   *events.Bus
	SourceID string

	// OnCommit runs after every accepted write, in write order.
	OnCommit CommitFunc
}

// ErrClosed is returned by flushes after Close.
var ErrClosed = errors.New("autosave closed")

type entry struct {
	initialized bool
	committed   string
	latest      *record.Record
	timer       clock.Timer
}

// Autosaver debounces writes for every observed key.
type Autosaver struct {
	store    store.Store
	resolver *record.Resolver
	clock    clock.Clock
	events   *events.Bus
	source   string
	onCommit CommitFunc
	config   *Config

	// flushMu serializes flushes so two flushes of the same change write
	// once.
	flushMu sync.Mutex

	mu      sync.Mutex
	entries map[string]*entry
	enabled bool
	closed  bool
}

// New creates an autosaver. It starts disabled; call Enable once the
// in-memory state has been hydrated from the store.
func New(opts Options, config *Config) (*Autosaver, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if opts.SourceID == "" {
		return nil, fmt.Errorf("source id cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[autosave] ", log.LstdFlags)
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	if opts.Resolver == nil {
		opts.Resolver = record.NewResolver(nil)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Events == nil {
		opts.Events = events.New(nil)
	}
	return &Autosaver{
		store:    opts.Store,
		resolver: opts.Resolver,
		clock:    opts.Clock,
		events:   opts.Events,
		source:   opts.SourceID,
		onCommit: opts.OnCommit,
		config:   config,
		entries:  make(map[string]*entry),
	}, nil
}

// Enable starts reacting to Observe calls.
func (a *Autosaver) Enable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
}

// Enabled reports whether the autosaver reacts to changes.
func (a *Autosaver) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled && !a.closed
}

// Track sets the baseline of key to rec without writing. A nil rec makes any
// content count as a change.
func (a *Autosaver) Track(key string, rec *record.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	e := a.entryLocked(key)
	e.initialized = true
	e.committed = ""
	if rec != nil {
		e.committed = record.Snapshot(rec.Payload)
		if e.latest == nil {
			e.latest = rec.Clone()
		}
	}
}

// Tracking reports whether key has a baseline.
func (a *Autosaver) Tracking(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	return ok && e.initialized
}

// Observe records the current in-memory value of rec.Key.
func (a *Autosaver) Observe(rec *record.Record) {
	if rec == nil {
		return
	}
	a.mu.Lock()
	if a.closed || !a.enabled {
		a.mu.Unlock()
		return
	}

	e := a.entryLocked(rec.Key)
	e.latest = rec.Clone()
	snap := record.Snapshot(rec.Payload)
	if !e.initialized {
		e.initialized = true
		e.committed = snap
		a.mu.Unlock()
		return
	}
	if snap == e.committed && e.timer == nil {
		a.mu.Unlock()
		return
	}

	leading := e.timer == nil
	if e.timer != nil {
		e.timer.Stop()
	}
	key := rec.Key
	e.timer = a.clock.AfterFunc(a.config.Debounce, func() { a.fire(key) })
	a.mu.Unlock()

	if leading {
		a.events.Publish(events.Event{Type: events.DataSaved, Key: key, Time: a.clock.Now()})
	}
}

// Pending reports whether key has a change waiting for its debounce timer.
func (a *Autosaver) Pending(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	return ok && e.timer != nil
}

// Latest returns a copy of the last observed value of key.
func (a *Autosaver) Latest(key string) *record.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[key]; ok {
		return e.latest.Clone()
	}
	return nil
}

// Absorb takes a sibling's committed value as the new baseline of
// rec.Key, so the debouncer does not write it back. A pending local change
// is kept and will still be offered to the resolver.
func (a *Autosaver) Absorb(rec *record.Record) {
	if rec == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	e := a.entryLocked(rec.Key)
	e.initialized = true
	e.committed = record.Snapshot(rec.Payload)
	if e.timer == nil {
		e.latest = rec.Clone()
	}
}

// Flush writes every tracked key. It returns the first error.
func (a *Autosaver) Flush(ctx context.Context, opts FlushOptions) error {
	if a.isClosed() {
		return ErrClosed
	}
	var firstErr error
	for _, key := range a.keys() {
		if _, err := a.FlushKey(ctx, key, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushKey writes key now. It reports whether a durable write happened.
func (a *Autosaver) FlushKey(ctx context.Context, key string, opts FlushOptions) (bool, error) {
	if a.isClosed() {
		return false, ErrClosed
	}
	return a.flush(ctx, key, opts)
}

// Suspend flushes pending changes, as when the process is backgrounded.
func (a *Autosaver) Suspend(ctx context.Context) error {
	return a.Flush(ctx, FlushOptions{})
}

// Close flushes pending changes and stops reacting. Later calls are no-ops.
func (a *Autosaver) Close(ctx context.Context) error {
	if a.isClosed() {
		return nil
	}
	err := a.Flush(ctx, FlushOptions{})

	a.mu.Lock()
	a.closed = true
	for _, e := range a.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	a.mu.Unlock()
	return err
}

func (a *Autosaver) fire(key string) {
	defer func() {
		if r := recover(); r != nil {
			a.config.Logger.Printf("Autosave of %s panicked: %v", key, r)
		}
	}()
	if _, err := a.flush(context.Background(), key, FlushOptions{}); err != nil {
		a.config.Logger.Printf("Error saving %s: %v", key, err)
	}
}

func (a *Autosaver) flush(ctx context.Context, key string, opts FlushOptions) (bool, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	e, ok := a.entries[key]
	if !ok || e.latest == nil {
		a.mu.Unlock()
		return false, nil
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	latest := e.latest.Clone()
	committed := e.committed
	a.mu.Unlock()

	snap := record.Snapshot(latest.Payload)
	if !opts.Force && snap == committed {
		metrics.LocalWrites.WithLabelValues("unchanged").Inc()
		return false, nil
	}

	payload, stripped := a.config.Attachments.Apply(record.StripMeta(latest.Payload))
	if stripped {
		a.config.Logger.Printf("Stripped inline attachment data from %s", key)
	}
	rec := &record.Record{
		Key:       key,
		Payload:   payload,
		UpdatedAt: latest.UpdatedAt,
		SourceID:  a.source,
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = clock.NowMillis(a.clock)
	}

	applied, err := a.store.Apply(ctx, rec, a.resolver)
	if err != nil {
		metrics.LocalWrites.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to write %s: %w", key, err)
	}

	a.mu.Lock()
	e.committed = snap
	a.mu.Unlock()

	if !applied {
		metrics.LocalWrites.WithLabelValues("rejected").Inc()
		a.config.Logger.Printf("Write of %s rejected by resolver (updatedAt %d)", key, rec.UpdatedAt)
		return false, nil
	}
	metrics.LocalWrites.WithLabelValues("applied").Inc()

	if a.onCommit != nil {
		a.onCommit(ctx, rec)
	}
	return true, nil
}

func (a *Autosaver) entryLocked(key string) *entry {
	e, ok := a.entries[key]
	if !ok {
		e = &entry{}
		a.entries[key] = e
	}
	return e
}

func (a *Autosaver) keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.entries))
	for k := range a.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Autosaver) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
