package queue

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/daysync/daysync/internal/clock"
	"github.com/daysync/daysync/internal/events"
	"github.com/daysync/daysync/internal/metrics"
	"github.com/daysync/daysync/internal/transport"
)

// Auth is the slice of the authentication subsystem the scheduler needs.
type Auth interface {
	IsAuthenticated() bool
	UserID() string
	IsAuthError(err error) bool
	HandleAuthFailure(err error)
}

// Network reports connectivity.
type Network interface {
	Online() bool
}

// Mode selects how a drain talks to the transport.
type Mode int

const (
	// ModePerItem uploads each item with its own Upsert, concurrently.
	ModePerItem Mode = iota
	// ModeBulk uploads the whole batch with one BulkUpsert.
	ModeBulk
	// ModeGrouped groups items by owner and calls SaveBatch once per owner.
	ModeGrouped
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModePerItem:
		return "per-item"
	case ModeBulk:
		return "bulk"
	case ModeGrouped:
		return "grouped"
	default:
		return "unknown"
	}
}

// ErrOffline is reported in sync-error events when a drain found the network
// down.
var ErrOffline = errors.New("network offline")

// Partition describes one queue and its remote target.
type Partition struct {
	// Name is the queue's persistence key.
	Name            string
	Table           string
	OwnerColumn     string
	ConflictColumns []string
	Mode            Mode

	// IdentityScoped partitions take their owner scope from the signed-in
	// user and cannot drain without one.
	IdentityScoped bool

	// OnlineDelay is the debounce before a drain while online.
	OnlineDelay time.Duration

	// Concurrency bounds parallel transport calls in per-item and grouped
	// modes.
	Concurrency int
}

// IdentityPartition is the user-scoped queue: bulk upserts into kv_store.
func IdentityPartition() Partition {
	return Partition{
		Name:            IdentityQueueKey,
		Table:           transport.TableUserKV,
		OwnerColumn:     "user_id",
		ConflictColumns: []string{"user_id", transport.ColumnKey},
		Mode:            ModeBulk,
		IdentityScoped:  true,
		OnlineDelay:     300 * time.Millisecond,
		Concurrency:     4,
	}
}

// OwnerPartition is the owner-scoped queue: batched per owner into
// client_kv_store.
func OwnerPartition() Partition {
	return Partition{
		Name:            OwnerQueueKey,
		Table:           transport.TableClientKV,
		OwnerColumn:     "client_id",
		ConflictColumns: []string{"client_id", transport.ColumnKey},
		Mode:            ModeGrouped,
		OnlineDelay:     500 * time.Millisecond,
		Concurrency:     4,
	}
}

// SchedulerConfig holds the collaborators of a Scheduler.
type SchedulerConfig struct {
	Partition Partition
	Queue     *Queue
	Transport transport.Transport
	Auth      Auth
	Network   Network
	Clock     clock.Clock
	Events    *events.Bus
	Retry     RetryPolicy
	Logger    *log.Logger
}

// Scheduler drains one queue to the transport.
//
// At most one drain timer is armed at a time, and the timer is cleared
// before the drain body runs so a drain can re-arm it. Drains never overlap;
// a drain requested while one is running is folded into a follow-up drain.
type Scheduler struct {
	part      Partition
	queue     *Queue
	transport transport.Transport
	auth      Auth
	network   Network
	clock     clock.Clock
	events    *events.Bus
	retry     *RetryState
	logger    *log.Logger

	// settled is called after every drain, with no lock held.
	settled func()
	// changed is called when the pending count may have changed.
	changed func()

	mu           sync.Mutex
	timer        clock.Timer
	draining     bool
	redrain      bool
	halted       bool
	closed       bool
	inFlight     int
	inFlightKeys map[string]int
}

// NewScheduler creates a scheduler. Auth and Network default to "always
// signed in" and "always online".
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Auth == nil {
		cfg.Auth = anonymous{}
	}
	if cfg.Network == nil {
		cfg.Network = alwaysOnline{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Events == nil {
		cfg.Events = events.New(nil)
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if cfg.Partition.Concurrency <= 0 {
		cfg.Partition.Concurrency = 1
	}
	if cfg.Partition.IdentityScoped && cfg.Queue != nil {
		cfg.Queue.SetDefaultScope(cfg.Auth.UserID)
	}
	return &Scheduler{
		part:         cfg.Partition,
		queue:        cfg.Queue,
		transport:    cfg.Transport,
		auth:         cfg.Auth,
		network:      cfg.Network,
		clock:        cfg.Clock,
		events:       cfg.Events,
		retry:        NewRetryState(cfg.Retry),
		logger:       cfg.Logger,
		inFlightKeys: make(map[string]int),
	}
}

// Partition returns the scheduler's partition.
func (s *Scheduler) Partition() Partition {
	return s.part
}

// Queue returns the scheduler's queue.
func (s *Scheduler) Queue() *Queue {
	return s.queue
}

// Retry returns the scheduler's retry state.
func (s *Scheduler) Retry() *RetryState {
	return s.retry
}

// Enqueue adds item and schedules a drain. Identity-scoped items without an
// owner get the current user id.
func (s *Scheduler) Enqueue(item Item) {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = s.clock.Now()
	}
	if s.part.IdentityScoped && item.OwnerScope == "" {
		item.OwnerScope = s.auth.UserID()
	}
	s.queue.Enqueue(item)
	s.notifyChanged()
	s.ScheduleDrain()
}

// ScheduleDrain arms the drain timer unless one is already armed, the queue
// is empty, or the scheduler is halted. The delay is the partition's online
// debounce, or the current backoff delay while offline.
func (s *Scheduler) ScheduleDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(0)
}

func (s *Scheduler) armLocked(delay time.Duration) {
	if s.closed || s.halted || s.timer != nil {
		return
	}
	if s.queue.Len() == 0 {
		return
	}
	if delay <= 0 {
		delay = s.part.OnlineDelay
		if !s.network.Online() {
			delay = s.retry.Delay()
		}
	}
	s.timer = s.clock.AfterFunc(delay, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()

	s.drain(context.Background())
}

// DrainNow cancels any armed timer and drains immediately on the calling
// goroutine.
func (s *Scheduler) DrainNow(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.drain(ctx)
}

// Resume clears a halt after re-authentication and schedules a drain.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	wasHalted := s.halted
	s.halted = false
	s.mu.Unlock()

	if wasHalted {
		s.logger.Printf("Resuming %s after re-authentication", s.part.Name)
		s.retry.Reset()
	}
	s.ScheduleDrain()
}

// Halted reports whether the scheduler is waiting for re-authentication.
func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Armed reports whether a drain timer is pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// InFlight returns the number of items currently being uploaded.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Pending returns queued plus in-flight items.
func (s *Scheduler) Pending() int {
	return s.queue.Len() + s.InFlight()
}

// IsPending reports whether key is queued or being uploaded.
func (s *Scheduler) IsPending(key string) bool {
	if s.queue.Contains(key) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlightKeys[key] > 0
}

// Close stops the timer. Queued items stay persisted.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.draining {
		s.redrain = true
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	s.drainOnce(ctx)

	s.mu.Lock()
	s.draining = false
	again := s.redrain
	s.redrain = false
	s.mu.Unlock()

	if s.settled != nil {
		s.settled()
	}
	if again {
		s.ScheduleDrain()
	}
}

func (s *Scheduler) drainOnce(ctx context.Context) {
	if s.Halted() || s.queue.Len() == 0 {
		return
	}

	if !s.auth.IsAuthenticated() || (s.part.IdentityScoped && s.auth.UserID() == "") {
		s.halt("not authenticated", nil)
		return
	}

	if !s.network.Online() {
		delay := s.retry.Fail()
		s.logger.Printf("%s: offline, retrying in %v (attempt %d)", s.part.Name, delay, s.retry.Attempt())
		s.events.Publish(events.Event{
			Type:    events.SyncError,
			Queue:   s.part.Name,
			RetryIn: RetryInSeconds(delay),
			Attempt: s.retry.Attempt(),
			Err:     ErrOffline,
		})
		s.rearm(delay)
		return
	}

	batch := s.queue.Claim()
	if s.part.IdentityScoped {
		// Stamp before deduping so an item queued before sign-in collapses
		// into a newer one for the same key.
		uid := s.auth.UserID()
		for i := range batch {
			if batch[i].OwnerScope == "" {
				batch[i].OwnerScope = uid
			}
		}
	}
	batch = Dedupe(batch)
	if len(batch) == 0 {
		return
	}

	s.beginFlight(batch)
	started := s.clock.Now()
	errs := s.upload(ctx, batch)
	metrics.UploadDuration.WithLabelValues(s.part.Name).Observe(s.clock.Now().Sub(started).Seconds())

	var (
		retry    []Item
		uploaded int
		authErr  error
		lastErr  error
	)
	for i, item := range batch {
		err := errs[i]
		switch {
		case err == nil:
			uploaded++
			metrics.Uploads.WithLabelValues(s.part.Name, "ok").Inc()
		case s.auth.IsAuthError(err) || transport.IsAuthError(err):
			authErr = err
			retry = append(retry, item)
			metrics.Uploads.WithLabelValues(s.part.Name, "auth").Inc()
		case transport.IsPermanent(err):
			s.logger.Printf("%s: dropping %s, rejected by remote: %v", s.part.Name, item.Key, err)
			metrics.Uploads.WithLabelValues(s.part.Name, "dropped").Inc()
			s.events.Publish(events.Event{
				Type:  events.ItemDropped,
				Queue: s.part.Name,
				Key:   item.Key,
				Err:   err,
			})
		default:
			lastErr = err
			retry = append(retry, item)
			metrics.Uploads.WithLabelValues(s.part.Name, "retry").Inc()
		}
	}

	// Requeue before releasing the in-flight count so the pending total
	// never dips to zero while items still need uploading.
	s.queue.Requeue(retry)
	s.endFlight(batch)
	s.notifyChanged()

	if uploaded > 0 {
		s.events.Publish(events.Event{
			Type:  events.DataUploaded,
			Queue: s.part.Name,
			Count: uploaded,
		})
	}

	if authErr != nil {
		s.auth.HandleAuthFailure(authErr)
		s.halt("auth failure", authErr)
		return
	}

	if lastErr != nil {
		delay := s.retry.Fail()
		attempt := s.retry.Attempt()
		s.events.Publish(events.Event{
			Type:    events.SyncError,
			Queue:   s.part.Name,
			RetryIn: RetryInSeconds(delay),
			Attempt: attempt,
			Err:     lastErr,
		})
		if s.retry.Exhausted() {
			s.logger.Printf("%s: upload failed %d times, data saved locally; waiting for the next change or reconnect: %v",
				s.part.Name, attempt, lastErr)
			return
		}
		s.logger.Printf("%s: upload failed, retrying in %v (attempt %d): %v", s.part.Name, delay, attempt, lastErr)
		s.rearm(delay)
		return
	}

	s.retry.Reset()
	if s.queue.Len() > 0 {
		s.ScheduleDrain()
	}
}

func (s *Scheduler) rearm(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(delay)
}

func (s *Scheduler) halt(reason string, err error) {
	s.mu.Lock()
	already := s.halted
	s.halted = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if already {
		return
	}
	s.logger.Printf("%s: halted (%s), waiting for re-authentication", s.part.Name, reason)
	s.events.Publish(events.Event{
		Type:    events.SyncHalted,
		Queue:   s.part.Name,
		Pending: s.Pending(),
		Err:     err,
	})
}

func (s *Scheduler) beginFlight(batch []Item) {
	s.mu.Lock()
	s.inFlight += len(batch)
	for _, it := range batch {
		s.inFlightKeys[it.Key]++
	}
	s.mu.Unlock()
	s.notifyChanged()
}

func (s *Scheduler) endFlight(batch []Item) {
	s.mu.Lock()
	s.inFlight -= len(batch)
	for _, it := range batch {
		if s.inFlightKeys[it.Key]--; s.inFlightKeys[it.Key] <= 0 {
			delete(s.inFlightKeys, it.Key)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) notifyChanged() {
	metrics.PendingItems.WithLabelValues(s.part.Name).Set(float64(s.Pending()))
	if s.changed != nil {
		s.changed()
	}
}
