// Package netstatus tracks whether the remote store is reachable.
package netstatus

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Status is the current connectivity state. The zero value is offline; use
// New to pick the initial state.
type Status struct {
	mu     sync.Mutex
	online bool
	nextID uint64
	hooks  map[uint64]func()
}

// New creates a status with the given initial state.
func New(online bool) *Status {
	return &Status{online: online, hooks: make(map[uint64]func())}
}

// Online reports whether the network is considered up.
func (s *Status) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state. An offline-to-online transition runs the OnOnline
// hooks on the calling goroutine. It reports whether the state changed.
func (s *Status) Set(online bool) bool {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	var hooks []func()
	if changed && online {
		for _, fn := range s.hooks {
			hooks = append(hooks, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return changed
}

// OnOnline registers fn for offline-to-online transitions.
func (s *Status) OnOnline(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	if s.hooks == nil {
		s.hooks = make(map[uint64]func())
	}
	id := s.nextID
	s.nextID++
	s.hooks[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.hooks, id)
			s.mu.Unlock()
		})
	}
}

// Pinger checks reachability of the remote store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeConfig holds probe settings.
type ProbeConfig struct {
	// Interval between checks
	Interval time.Duration

	// Timeout bounds a single check
	Timeout time.Duration

	// Logger for state transitions
	Logger *log.Logger
}

// DefaultProbeConfig returns sensible defaults.
func DefaultProbeConfig() *ProbeConfig {
	return &ProbeConfig{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   log.New(os.Stderr, "[netstatus] ", log.LstdFlags),
	}
}

// Probe periodically pings the remote store and feeds the result into a
// Status.
type Probe struct {
	pinger Pinger
	status *Status
	config *ProbeConfig
}

// NewProbe creates a probe. A nil config uses DefaultProbeConfig.
func NewProbe(pinger Pinger, status *Status, config *ProbeConfig) *Probe {
	if config == nil {
		config = DefaultProbeConfig()
	}
	defaults := DefaultProbeConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Probe{pinger: pinger, status: status, config: config}
}

// Check pings once and updates the status. It returns the ping error.
func (p *Probe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	if p.status.Set(err == nil) {
		if err == nil {
			p.config.Logger.Println("Remote reachable, back online")
		} else {
			p.config.Logger.Printf("Remote unreachable, offline: %v", err)
		}
	}
	return err
}

// Run checks immediately and then every Interval until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	_ = p.Check(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Check(ctx)
		}
	}
}
