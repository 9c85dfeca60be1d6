package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
)

// Persister stores the serialized queue under its well-known key. The local
// record store satisfies it.
type Persister interface {
	LoadRaw(ctx context.Context, key string) ([]byte, error)
	SaveRaw(ctx context.Context, key string, value []byte) error
}

// Queue is an ordered, durable list of pending uploads for one partition.
//
// Every mutation rewrites the persisted array. A failed write is logged and
// the in-memory queue keeps working, so a full or broken disk degrades to
// "upload debt lost on restart" rather than "edits lost now".
type Queue struct {
	name      string
	persister Persister
	logger    *log.Logger

	// scope supplies the owner of items queued before one was known.
	scope func() string

	mu    sync.Mutex
	items []Item
}

// NewQueue creates a queue and loads any items persisted under name.
// A nil persister keeps the queue in memory only.
func NewQueue(ctx context.Context, name string, persister Persister, logger *log.Logger) (*Queue, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	q := &Queue{name: name, persister: persister, logger: logger}

	if persister == nil {
		return q, nil
	}
	data, err := persister.LoadRaw(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue %s: %w", name, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &q.items); err != nil {
			// A corrupt queue must not block startup.
			q.logger.Printf("Warning: discarding unreadable queue %s: %v", name, err)
			q.items = nil
		}
	}
	return q, nil
}

// Name returns the queue's persistence key.
func (q *Queue) Name() string {
	return q.name
}

// SetDefaultScope makes items with an empty OwnerScope compare as if they
// belonged to fn(). Identity-scoped queues pass the current user id, so an
// item queued before sign-in is superseded by one queued after it.
func (q *Queue) SetDefaultScope(fn func() string) {
	q.mu.Lock()
	q.scope = fn
	q.mu.Unlock()
}

func (q *Queue) defaultScope() string {
	q.mu.Lock()
	fn := q.scope
	q.mu.Unlock()
	if fn == nil {
		return ""
	}
	return fn()
}

// Enqueue appends item. An older item with the same DedupeKey is removed,
// so the queue holds at most one item per key, in order of last write.
func (q *Queue) Enqueue(item Item) int {
	scope := q.defaultScope()
	q.mu.Lock()
	defer q.mu.Unlock()

	k := item.scopedKey(scope)
	kept := q.items[:0]
	for _, it := range q.items {
		if it.scopedKey(scope) != k {
			kept = append(kept, it)
		}
	}
	q.items = append(kept, item)
	q.persistLocked()
	return len(q.items)
}

// Claim removes and returns every item (snapshot-then-clear).
func (q *Queue) Claim() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.items
	q.items = nil
	if len(batch) > 0 {
		q.persistLocked()
	}
	return batch
}

// Requeue puts failed items back at the head of the queue. Items whose key
// was re-enqueued while the upload was in flight are dropped, since the
// queued version is newer.
func (q *Queue) Requeue(items []Item) {
	if len(items) == 0 {
		return
	}
	scope := q.defaultScope()
	q.mu.Lock()
	defer q.mu.Unlock()

	present := make(map[string]bool, len(q.items))
	for _, it := range q.items {
		present[it.scopedKey(scope)] = true
	}
	merged := make([]Item, 0, len(items)+len(q.items))
	for _, it := range items {
		if !present[it.scopedKey(scope)] {
			merged = append(merged, it)
		}
	}
	q.items = append(merged, q.items...)
	q.persistLocked()
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Contains reports whether an item for key is queued.
func (q *Queue) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Key == key {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the queued items.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) persistLocked() {
	if q.persister == nil {
		return
	}
	items := q.items
	if items == nil {
		items = []Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		q.logger.Printf("Error encoding queue %s: %v", q.name, err)
		return
	}
	if err := q.persister.SaveRaw(context.Background(), q.name, data); err != nil {
		q.logger.Printf("Error persisting queue %s: %v", q.name, err)
	}
}
