// Package events provides the process-local notification bus of the sync
// engine. Notifications are fire-and-forget; handlers run synchronously on
// the publisher's goroutine in subscription order.
package events

import (
	"log"
	"os"
	"sync"
	"time"
)

// Type identifies a notification.
type Type string

const (
	// DataSaved fires on the leading edge of a local change, before the
	// debounced write.
	DataSaved Type = "data-saved"

	// DataUploaded fires after a drain uploaded at least one item.
	DataUploaded Type = "data-uploaded"

	// QueueDrained fires when every queue is empty and nothing is in flight.
	QueueDrained Type = "queue-drained"

	// SyncError fires when a drain failed with a retryable error.
	SyncError Type = "sync-error"

	// PendingChanged fires whenever the number of pending items changes.
	PendingChanged Type = "pending-changed"

	// SyncHalted fires when an auth failure stops a queue until re-auth.
	SyncHalted Type = "sync-halted"

	// ItemDropped fires when the remote side permanently rejected an item.
	ItemDropped Type = "item-dropped"

	// RecordAbsorbed fires when a sibling's broadcast value was applied
	// locally.
	RecordAbsorbed Type = "record-absorbed"
)

// Event is a single notification.
type Event struct {
	Type    Type
	Time    time.Time
	Key     string
	Queue   string
	Count   int
	Pending int
	RetryIn int // seconds, SyncError only
	Attempt int
	Err     error
}

// Handler receives events.
type Handler func(Event)

type subscription struct {
	id      uint64
	filter  Type
	handler Handler
}

// Bus fans events out to subscribers. The zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	logger *log.Logger
}

// New creates an event bus. If logger is nil, a default stderr logger is used.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Bus{logger: logger}
}

// Subscribe registers fn for every event and returns a function that
// removes it. Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(fn Handler) func() {
	return b.subscribe("", fn)
}

// SubscribeType registers fn for one event type.
func (b *Bus) SubscribeType(t Type, fn Handler) func() {
	return b.subscribe(t, fn)
}

func (b *Bus) subscribe(filter Type, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, filter: filter, handler: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to every matching subscriber. A panicking handler is
// logged and does not prevent delivery to the others.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter != "" && s.filter != evt.Type {
			continue
		}
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("Handler for %s panicked: %v", evt.Type, r)
		}
	}()
	s.handler(evt)
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
