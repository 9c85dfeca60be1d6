package broadcast

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/daysync/daysync/internal/metrics"
)

// LocalHub connects Local endpoints within one process.
type LocalHub struct {
	mu        sync.RWMutex
	endpoints map[*Local]struct{}
}

// NewLocalHub creates an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{endpoints: make(map[*Local]struct{})}
}

// Join creates an endpoint for origin.
func (h *LocalHub) Join(origin string, logger *log.Logger) *Local {
	if logger == nil {
		logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}
	l := &Local{hub: h, registry: newRegistry(origin, logger)}
	h.mu.Lock()
	h.endpoints[l] = struct{}{}
	h.mu.Unlock()
	return l
}

// Size returns the number of joined endpoints.
func (h *LocalHub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints)
}

func (h *LocalHub) leave(l *Local) {
	h.mu.Lock()
	delete(h.endpoints, l)
	h.mu.Unlock()
}

func (h *LocalHub) peers(self *Local) []*Local {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Local, 0, len(h.endpoints))
	for l := range h.endpoints {
		if l != self {
			out = append(out, l)
		}
	}
	return out
}

// Local is an in-process endpoint. Publish delivers synchronously on the
// caller's goroutine.
type Local struct {
	hub      *LocalHub
	registry *registry

	mu     sync.Mutex
	closed bool
}

// Publish implements Bus.
func (l *Local) Publish(ctx context.Context, topic string, msg Message) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg = stamp(l.registry.origin, topic, msg)
	metrics.BroadcastMessages.WithLabelValues("local", "sent").Inc()
	for _, peer := range l.hub.peers(l) {
		if peer.registry.dispatch(msg) {
			metrics.BroadcastMessages.WithLabelValues("local", "received").Inc()
		}
	}
	return nil
}

// Subscribe implements Bus.
func (l *Local) Subscribe(topic string, h Handler) func() {
	return l.registry.subscribe(topic, h)
}

// Close implements Bus.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.hub.leave(l)
	return nil
}
