package queue

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/daysync/daysync/internal/clock"
	"github.com/daysync/daysync/internal/events"
)

// Status of a key with respect to uploading.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
)

// Details breaks the pending items down by record category.
type Details struct {
	Total    int            `json:"total" yaml:"total"`
	InFlight int            `json:"in_flight" yaml:"in_flight"`
	Days     int            `json:"days" yaml:"days"`
	Products int            `json:"products" yaml:"products"`
	Profile  int            `json:"profile" yaml:"profile"`
	Other    int            `json:"other" yaml:"other"`
	Halted   []string       `json:"halted,omitempty" yaml:"halted,omitempty"`
	ByQueue  map[string]int `json:"by_queue" yaml:"by_queue"`
}

// Controller aggregates the schedulers of every partition.
type Controller struct {
	schedulers []*Scheduler
	events     *events.Bus
	clock      clock.Clock
	logger     *log.Logger

	mu      sync.Mutex
	drained bool
}

// NewController wires the schedulers' settle and change hooks to the
// controller. Schedulers must not be shared between controllers.
func NewController(bus *events.Bus, c clock.Clock, logger *log.Logger, schedulers ...*Scheduler) *Controller {
	if logger == nil {
		logger = log.New(os.Stderr, "[flush] ", log.LstdFlags)
	}
	if c == nil {
		c = clock.Real()
	}
	ctl := &Controller{
		schedulers: schedulers,
		events:     bus,
		clock:      c,
		logger:     logger,
		drained:    true,
	}
	for _, s := range schedulers {
		s.settled = ctl.checkDrained
		s.changed = ctl.pendingChanged
	}
	return ctl
}

// Schedulers returns the managed schedulers.
func (c *Controller) Schedulers() []*Scheduler {
	return c.schedulers
}

// PendingCount returns queued plus in-flight items across all queues.
func (c *Controller) PendingCount() int {
	n := 0
	for _, s := range c.schedulers {
		n += s.Pending()
	}
	return n
}

// InFlight returns the number of items being uploaded right now.
func (c *Controller) InFlight() int {
	n := 0
	for _, s := range c.schedulers {
		n += s.InFlight()
	}
	return n
}

// ScheduleDrain arms every queue's drain timer.
func (c *Controller) ScheduleDrain() {
	for _, s := range c.schedulers {
		s.ScheduleDrain()
	}
}

// DrainNow drains every queue immediately on the calling goroutine.
func (c *Controller) DrainNow(ctx context.Context) {
	for _, s := range c.schedulers {
		s.DrainNow(ctx)
	}
}

// Resume clears auth halts on every queue.
func (c *Controller) Resume() {
	for _, s := range c.schedulers {
		s.Resume()
	}
}

// Close stops every scheduler's timer.
func (c *Controller) Close() {
	for _, s := range c.schedulers {
		s.Close()
	}
}

// Details returns the pending breakdown.
func (c *Controller) Details() Details {
	d := Details{ByQueue: make(map[string]int)}
	for _, s := range c.schedulers {
		items := s.queue.Snapshot()
		inFlight := s.InFlight()
		d.ByQueue[s.part.Name] = len(items) + inFlight
		d.InFlight += inFlight
		d.Total += len(items) + inFlight
		if s.Halted() {
			d.Halted = append(d.Halted, s.part.Name)
		}
		for _, it := range items {
			switch Category(it.Key) {
			case "days":
				d.Days++
			case "products":
				d.Products++
			case "profile":
				d.Profile++
			default:
				d.Other++
			}
		}
	}
	return d
}

// Category classifies a record key for Details.
func Category(key string) string {
	switch {
	case strings.Contains(key, "dayv2_"):
		return "days"
	case strings.Contains(key, "products"):
		return "products"
	case strings.Contains(key, "profile"):
		return "profile"
	default:
		return "other"
	}
}

// SyncStatus reports whether key still has an upload outstanding.
func (c *Controller) SyncStatus(key string) Status {
	for _, s := range c.schedulers {
		if s.IsPending(key) {
			return StatusPending
		}
	}
	return StatusSynced
}

// WaitForSync blocks until key has no outstanding upload, the timeout
// elapses, or ctx is done. It reports whether key is synced.
func (c *Controller) WaitForSync(ctx context.Context, key string, timeout time.Duration) bool {
	if c.SyncStatus(key) == StatusSynced {
		return true
	}

	wake := make(chan struct{}, 1)
	poke := func(events.Event) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	unsubUploaded := c.events.SubscribeType(events.DataUploaded, poke)
	defer unsubUploaded()
	unsubPending := c.events.SubscribeType(events.PendingChanged, poke)
	defer unsubPending()
	unsubDrained := c.events.SubscribeType(events.QueueDrained, poke)
	defer unsubDrained()

	expired := make(chan struct{})
	timer := c.clock.AfterFunc(timeout, func() { close(expired) })
	defer timer.Stop()

	for {
		if c.SyncStatus(key) == StatusSynced {
			return true
		}
		select {
		case <-wake:
		case <-expired:
			return c.SyncStatus(key) == StatusSynced
		case <-ctx.Done():
			return false
		}
	}
}

// FlushPendingQueue drains every queue and waits until nothing is pending.
//
// It returns true at once when nothing is queued or in flight, and false at
// once when every queue that holds items is halted for re-authentication.
// Otherwise it subscribes to queue-drained, starts immediate drains in the
// background, and returns true on a drained notification observed while
// nothing is in flight, or false when timeout elapses. It never panics.
func (c *Controller) FlushPendingQueue(timeout time.Duration) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("FlushPendingQueue recovered: %v", r)
			ok = false
		}
	}()

	if c.PendingCount() == 0 {
		return true
	}
	if c.allPendingHalted() {
		return false
	}

	result := make(chan bool, 1)
	settle := func(v bool) {
		select {
		case result <- v:
		default:
		}
	}

	unsubDrained := c.events.SubscribeType(events.QueueDrained, func(events.Event) {
		if c.PendingCount() == 0 {
			settle(true)
		}
	})
	defer unsubDrained()
	unsubHalted := c.events.SubscribeType(events.SyncHalted, func(events.Event) {
		if c.allPendingHalted() {
			settle(false)
		}
	})
	defer unsubHalted()

	timer := c.clock.AfterFunc(timeout, func() { settle(false) })
	defer timer.Stop()

	// A drain may have finished between the first check and subscribing.
	if c.PendingCount() == 0 {
		return true
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Printf("Flush drain recovered: %v", r)
			}
		}()
		c.DrainNow(context.Background())
	}()

	return <-result
}

func (c *Controller) allPendingHalted() bool {
	holding := 0
	for _, s := range c.schedulers {
		if s.Pending() == 0 {
			continue
		}
		holding++
		if !s.Halted() {
			return false
		}
	}
	return holding > 0
}

func (c *Controller) checkDrained() {
	pending := c.PendingCount()

	c.mu.Lock()
	was := c.drained
	c.drained = pending == 0
	c.mu.Unlock()

	if pending == 0 {
		if !was {
			c.logger.Printf("All queues drained")
		}
		c.events.Publish(events.Event{Type: events.QueueDrained})
	}
}

func (c *Controller) pendingChanged() {
	pending := c.PendingCount()

	c.mu.Lock()
	if pending > 0 {
		c.drained = false
	}
	c.mu.Unlock()

	c.events.Publish(events.Event{Type: events.PendingChanged, Pending: pending})
}
