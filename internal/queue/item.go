// Package queue implements the durable pending-upload queues, their drain
// schedulers, and the flush controller that aggregates them.
//
// Each partition (identity-scoped and owner-scoped) has its own Queue, its
// own Scheduler with its own debounce delay and retry state, and its own
// remote table. The Controller sums them for pending counts and waits on all
// of them for flushes.
package queue

import (
	"encoding/json"
	"time"
)

// Well-known persistence keys of the two queues.
const (
	IdentityQueueKey = "pending_sync_queue"
	OwnerQueueKey    = "pending_client_sync_queue"
)

// Item is one pending upload.
type Item struct {
	// OwnerScope is the user id (identity queue) or the owner/client id
	// (owner queue).
	OwnerScope string          `json:"owner"`
	Key        string          `json:"k"`
	Value      json.RawMessage `json:"v"`
	UpdatedAt  int64           `json:"updated_at"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DedupeKey identifies items that supersede each other.
func (i Item) DedupeKey() string {
	return i.OwnerScope + ":" + i.Key
}

// scopedKey is DedupeKey with an empty OwnerScope read as scope.
func (i Item) scopedKey(scope string) string {
	if i.OwnerScope == "" {
		return scope + ":" + i.Key
	}
	return i.DedupeKey()
}

// Dedupe keeps only the last item per DedupeKey. Survivors keep the relative
// order of their last occurrence.
func Dedupe(items []Item) []Item {
	if len(items) < 2 {
		return items
	}
	seen := make(map[string]bool, len(items))
	kept := make([]Item, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		k := items[i].DedupeKey()
		if seen[k] {
			continue
		}
		seen[k] = true
		kept = append(kept, items[i])
	}
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return kept
}
