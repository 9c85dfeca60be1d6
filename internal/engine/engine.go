// Package engine wires the sync components into one instance per process.
//
// Data flow:
//
//	Mutate -> guard armed, autosaver observes -> debounced Store.Apply
//	       -> broadcast record:update to siblings
//	       -> enqueue into the pending queue -> scheduler drains to transport
//
//	sibling record:update -> Store.Apply through the resolver -> autosaver.Absorb
//	remote pull           -> mirror (guard, resolver)          -> autosaver.Absorb
//
// There is no package-level state. Two engines in one process (for example
// two tabs joined by a broadcast.LocalHub) are fully independent apart from
// what they share explicitly.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/daysync/daysync/internal/auth"
	"github.com/daysync/daysync/internal/autosave"
	"github.com/daysync/daysync/internal/broadcast"
	"github.com/daysync/daysync/internal/clock"
	"github.com/daysync/daysync/internal/events"
	"github.com/daysync/daysync/internal/guard"
	"github.com/daysync/daysync/internal/identity"
	"github.com/daysync/daysync/internal/mirror"
	"github.com/daysync/daysync/internal/netstatus"
	"github.com/daysync/daysync/internal/queue"
	"github.com/daysync/daysync/internal/record"
	"github.com/daysync/daysync/internal/store"
	"github.com/daysync/daysync/internal/transport"
)

// Auth is the session capability: the scheduler's view plus a hook for
// re-authentication.
type Auth interface {
	queue.Auth
	OnReauthenticated(fn func()) (unsubscribe func())
}

// Network is the connectivity capability.
type Network interface {
	queue.Network
	OnOnline(fn func()) (unsubscribe func())
}

// Config holds engine settings.
type Config struct {
	// KeyPrefix namespaces logical keys (default: "daysync")
	KeyPrefix string

	// Owner is the owner scope of owner-queue items and pulls. Empty means
	// the signed-in user id.
	Owner string

	// UseIdentityQueue routes commits to the identity-scoped queue instead
	// of the owner-scoped one.
	UseIdentityQueue bool

	// Debounce is the autosave delay (default: 500ms)
	Debounce time.Duration

	// GuardDuration is the block window per local mutation (default: 3s)
	GuardDuration time.Duration

	// GuardKeyClass limits the guard to keys containing it. DefaultConfig
	// sets "dayv2_"; empty covers every key.
	GuardKeyClass string

	// IdentityDelay and OwnerDelay are the queues' online drain debounces
	IdentityDelay time.Duration
	OwnerDelay    time.Duration

	Retry       queue.RetryPolicy
	Attachments record.AttachmentPolicy

	// Meaningful is the resolver's predicate (default: record.DayMeaningful)
	Meaningful record.MeaningfulFunc

	// Logger is the base logger; components log through it with their own
	// prefix (default: stderr)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		KeyPrefix:     store.DefaultPrefix,
		Debounce:      autosave.DefaultConfig().Debounce,
		GuardDuration: guard.DefaultDuration,
		GuardKeyClass: guard.DefaultKeyClass,
		IdentityDelay: queue.IdentityPartition().OnlineDelay,
		OwnerDelay:    queue.OwnerPartition().OnlineDelay,
		Retry:         queue.DefaultRetryPolicy(),
		Attachments:   record.DefaultAttachmentPolicy(),
		Logger:        log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Options holds the injected collaborators. Store is required; everything
// else has an offline-capable default.
type Options struct {
	Store     store.Store
	Transport transport.Transport
	Clock     clock.Clock
	Auth      Auth
	Network   Network
	Broadcast broadcast.Bus
	Config    *Config
}

// Engine is one sync engine instance.
type Engine struct {
	config    *Config
	store     store.Store
	transport transport.Transport
	clock     clock.Clock
	auth      Auth
	network   Network
	bus       broadcast.Bus
	logger    *log.Logger

	sourceID   string
	guard      *guard.Guard
	events     *events.Bus
	resolver   *record.Resolver
	identityQ  *queue.Scheduler
	ownerQ     *queue.Scheduler
	controller *queue.Controller
	autosaver  *autosave.Autosaver
	mirror     *mirror.Mirror

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

// New creates an engine, loading any persisted upload queues from the store.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	config := opts.Config
	if config == nil {
		config = DefaultConfig()
	}
	fillDefaults(config)
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Auth == nil {
		opts.Auth = auth.Static{User: "local"}
	}
	if opts.Network == nil {
		opts.Network = netstatus.New(true)
	}

	e := &Engine{
		config:    config,
		store:     opts.Store,
		transport: opts.Transport,
		clock:     opts.Clock,
		auth:      opts.Auth,
		network:   opts.Network,
		bus:       opts.Broadcast,
		logger:    config.Logger,
		sourceID:  identity.New(),
		guard:     guard.NewWithOptions(opts.Clock, config.GuardDuration, config.GuardKeyClass),
		events:    events.New(sub(config.Logger, "[events] ")),
		resolver:  record.NewResolver(config.Meaningful),
	}

	identityPart := queue.IdentityPartition()
	identityPart.OnlineDelay = config.IdentityDelay
	ownerPart := queue.OwnerPartition()
	ownerPart.OnlineDelay = config.OwnerDelay

	var err error
	if e.identityQ, err = e.newScheduler(ctx, identityPart); err != nil {
		return nil, err
	}
	if e.ownerQ, err = e.newScheduler(ctx, ownerPart); err != nil {
		return nil, err
	}
	e.controller = queue.NewController(e.events, e.clock, sub(config.Logger, "[flush] "), e.identityQ, e.ownerQ)

	e.autosaver, err = autosave.New(autosave.Options{
		Store:    e.store,
		Resolver: e.resolver,
		Clock:    e.clock,
		Events:   e.events,
		SourceID: e.sourceID,
		OnCommit: e.onCommit,
	}, &autosave.Config{
		Debounce:    config.Debounce,
		Attachments: config.Attachments,
		Logger:      sub(config.Logger, "[autosave] "),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create autosaver: %w", err)
	}

	mirrorConfig := &mirror.Config{
		Table:       ownerPart.Table,
		OwnerColumn: ownerPart.OwnerColumn,
		Logger:      sub(config.Logger, "[mirror] "),
	}
	if config.UseIdentityQueue {
		mirrorConfig.Table = identityPart.Table
		mirrorConfig.OwnerColumn = identityPart.OwnerColumn
	}
	fetcher, _ := opts.Transport.(transport.Fetcher)
	e.mirror, err = mirror.New(mirror.Options{
		Store:     e.store,
		Resolver:  e.resolver,
		Guard:     e.guard,
		Fetcher:   fetcher,
		Owner:     e.owner(),
		OnApplied: e.autosaver.Absorb,
	}, mirrorConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create mirror: %w", err)
	}

	e.unsubs = append(e.unsubs,
		e.network.OnOnline(e.controller.ScheduleDrain),
		e.auth.OnReauthenticated(e.controller.Resume),
	)
	if e.bus != nil {
		e.unsubs = append(e.unsubs, e.bus.Subscribe(broadcast.DayTopic, e.handleBroadcast))
	}

	e.autosaver.Enable()
	// Upload debt from a previous run.
	e.controller.ScheduleDrain()
	return e, nil
}

func fillDefaults(c *Config) {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.GuardDuration <= 0 {
		c.GuardDuration = d.GuardDuration
	}
	if c.IdentityDelay <= 0 {
		c.IdentityDelay = d.IdentityDelay
	}
	if c.OwnerDelay <= 0 {
		c.OwnerDelay = d.OwnerDelay
	}
	if c.Retry == (queue.RetryPolicy{}) {
		c.Retry = d.Retry
	}
	if c.Attachments.ContainerField == "" {
		c.Attachments = d.Attachments
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// sub derives a component logger sharing the base logger's output.
func sub(base *log.Logger, prefix string) *log.Logger {
	return log.New(base.Writer(), prefix, base.Flags())
}

func (e *Engine) newScheduler(ctx context.Context, part queue.Partition) (*queue.Scheduler, error) {
	logger := sub(e.config.Logger, "[queue] ")
	q, err := queue.NewQueue(ctx, part.Name, e.store, logger)
	if err != nil {
		return nil, err
	}
	return queue.NewScheduler(queue.SchedulerConfig{
		Partition: part,
		Queue:     q,
		Transport: e.transport,
		Auth:      e.auth,
		Network:   e.network,
		Clock:     e.clock,
		Events:    e.events,
		Retry:     e.config.Retry,
		Logger:    logger,
	}), nil
}

// SourceID returns this instance's identity.
func (e *Engine) SourceID() string { return e.sourceID }

// Events returns the notification bus.
func (e *Engine) Events() *events.Bus { return e.events }

// Guard returns the block window guard.
func (e *Engine) Guard() *guard.Guard { return e.guard }

// Controller returns the flush controller.
func (e *Engine) Controller() *queue.Controller { return e.controller }

// Mirror returns the remote mirror.
func (e *Engine) Mirror() *mirror.Mirror { return e.mirror }

// Resolver returns the conflict resolver.
func (e *Engine) Resolver() *record.Resolver { return e.resolver }

// Key namespaces a logical key. Already namespaced keys are returned as is.
func (e *Engine) Key(logical string) string {
	return store.Key(e.config.KeyPrefix, logical)
}

// Get returns the current value of key: the in-memory value when one is
// tracked, else the stored record.
func (e *Engine) Get(ctx context.Context, key string) (*record.Record, error) {
	key = e.Key(key)
	if rec := e.autosaver.Latest(key); rec != nil {
		return rec, nil
	}
	rec, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return rec, nil
}

// Mutate is the local edit entry point. It stamps the edit with the current
// time, arms the guard, and hands the value to the autosaver.
func (e *Engine) Mutate(ctx context.Context, key string, payload map[string]any) error {
	if e.isClosed() {
		return autosave.ErrClosed
	}
	key = e.Key(key)
	if !e.autosaver.Tracking(key) {
		current, err := e.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", key, err)
		}
		e.autosaver.Track(key, current)
	}

	e.guard.Arm(e.config.GuardDuration)
	e.autosaver.Observe(&record.Record{
		Key:       key,
		Payload:   record.StripMeta(payload),
		UpdatedAt: clock.NowMillis(e.clock),
		SourceID:  e.sourceID,
	})
	return nil
}

// Observe reports an in-memory value without stamping it. The first
// observation of a key is its hydrated baseline and is not written.
func (e *Engine) Observe(rec *record.Record) {
	if rec == nil {
		return
	}
	rec = rec.Clone()
	rec.Key = e.Key(rec.Key)
	e.autosaver.Observe(rec)
}

// Flush writes pending local changes now.
func (e *Engine) Flush(ctx context.Context, force bool) error {
	return e.autosaver.Flush(ctx, autosave.FlushOptions{Force: force})
}

// Suspend flushes pending local changes, as when the process is backgrounded.
func (e *Engine) Suspend(ctx context.Context) error {
	return e.autosaver.Suspend(ctx)
}

// PullOnce mirrors remote rows newer than the last pull.
func (e *Engine) PullOnce(ctx context.Context) (mirror.Stats, error) {
	return e.mirror.PullOnce(ctx)
}

// ApplyRemote offers one remote record to the local store.
func (e *Engine) ApplyRemote(ctx context.Context, rec *record.Record) (mirror.Outcome, error) {
	return e.mirror.ApplyRemote(ctx, rec)
}

// PendingCount returns queued plus in-flight uploads.
func (e *Engine) PendingCount() int { return e.controller.PendingCount() }

// Details returns the pending breakdown.
func (e *Engine) Details() queue.Details { return e.controller.Details() }

// SyncStatus reports whether key still has upload debt.
func (e *Engine) SyncStatus(key string) queue.Status {
	return e.controller.SyncStatus(e.Key(key))
}

// WaitForSync waits until key has no upload debt or timeout elapses.
func (e *Engine) WaitForSync(ctx context.Context, key string, timeout time.Duration) bool {
	return e.controller.WaitForSync(ctx, e.Key(key), timeout)
}

// FlushPendingQueue drains every queue and reports whether they emptied
// within timeout.
func (e *Engine) FlushPendingQueue(timeout time.Duration) bool {
	return e.controller.FlushPendingQueue(timeout)
}

// ScheduleDrain arms every queue's drain timer.
func (e *Engine) ScheduleDrain() { e.controller.ScheduleDrain() }

// Close flushes pending local changes, detaches from the broadcast bus, the
// network and the session, and stops every timer. Queued uploads stay
// persisted for the next run. The store and the bus are not closed.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	err := e.autosaver.Close(ctx)
	for _, fn := range unsubs {
		fn()
	}
	e.controller.Close()
	if err != nil {
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// owner resolves the owner scope of owner-queue items.
func (e *Engine) owner() string {
	if e.config.Owner != "" {
		return e.config.Owner
	}
	return e.auth.UserID()
}

// onCommit runs after every accepted local write.
func (e *Engine) onCommit(ctx context.Context, rec *record.Record) {
	if e.bus != nil {
		msg, err := broadcast.NewRecordUpdate(rec)
		if err != nil {
			e.logger.Printf("Error encoding broadcast for %s: %v", rec.Key, err)
		} else if err := e.bus.Publish(ctx, broadcast.DayTopic, msg); err != nil {
			e.logger.Printf("Warning: broadcast of %s failed: %v", rec.Key, err)
		}
	}

	value, err := json.Marshal(rec)
	if err != nil {
		e.logger.Printf("Error encoding %s for upload: %v", rec.Key, err)
		return
	}
	item := queue.Item{
		Key:       rec.Key,
		Value:     value,
		UpdatedAt: rec.UpdatedAt,
	}
	if e.config.UseIdentityQueue {
		e.identityQ.Enqueue(item)
		return
	}
	item.OwnerScope = e.owner()
	e.ownerQ.Enqueue(item)
}

// handleBroadcast absorbs a sibling's committed record. It never enqueues
// or rebroadcasts; the sibling owns the upload.
func (e *Engine) handleBroadcast(msg broadcast.Message) {
	if msg.Type != broadcast.TypeRecordUpdate || e.isClosed() {
		return
	}
	rec, err := msg.Record()
	if err != nil {
		e.logger.Printf("Dropping broadcast from %s: %v", msg.Origin, err)
		return
	}

	ctx := context.Background()
	// A sibling process may have written a shared store behind our cache.
	if err := e.store.Invalidate(ctx, rec.Key); err != nil {
		e.logger.Printf("Warning: failed to invalidate %s: %v", rec.Key, err)
	}
	applied, err := e.store.Apply(ctx, rec, e.resolver)
	if err != nil {
		e.logger.Printf("Error absorbing %s from %s: %v", rec.Key, msg.Origin, err)
		return
	}
	if !applied {
		return
	}
	e.autosaver.Absorb(rec)
	e.events.Publish(events.Event{Type: events.RecordAbsorbed, Key: rec.Key, Time: e.clock.Now()})
}
