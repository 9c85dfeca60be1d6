package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/daysync/daysync/internal/metrics"
)

// DirConfig holds directory bus settings.
type DirConfig struct {
	// Retention is how long message files are kept before pruning
	Retention time.Duration

	// PruneInterval is how often old files are removed
	PruneInterval time.Duration

	Logger *log.Logger
}

// DefaultDirConfig returns sensible defaults.
func DefaultDirConfig() *DirConfig {
	return &DirConfig{
		Retention:     time.Minute,
		PruneInterval: 30 * time.Second,
		Logger:        log.New(os.Stderr, "[broadcast] ", log.LstdFlags),
	}
}

// DirBus is a Bus for sibling processes on one machine. Each message is a
// JSON file written atomically into a shared directory; every endpoint
// watches the directory and reads new files.
type DirBus struct {
	dir      string
	config   *DirConfig
	registry *registry
	watcher  *fsnotify.Watcher

	mu     sync.Mutex
	seq    uint64
	seen   map[string]time.Time
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewDirBus creates the directory if needed and starts watching it.
func NewDirBus(dir, origin string, config *DirConfig) (*DirBus, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	if config == nil {
		config = DefaultDirConfig()
	}
	defaults := DefaultDirConfig()
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = defaults.PruneInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bus directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch bus directory %s: %w", dir, err)
	}

	b := &DirBus{
		dir:      dir,
		config:   config,
		registry: newRegistry(origin, config.Logger),
		watcher:  watcher,
		seen:     make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	b.wg.Add(2)
	go b.processEvents()
	go b.pruneLoop()
	return b, nil
}

// Dir returns the shared directory.
func (b *DirBus) Dir() string {
	return b.dir
}

// Publish implements Bus.
func (b *DirBus) Publish(ctx context.Context, topic string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.seq++
	seq := b.seq
	b.mu.Unlock()

	msg = stamp(b.registry.origin, topic, msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	name := fmt.Sprintf("%020d-%s-%d.json", msg.Timestamp.UnixNano(), b.registry.origin, seq)
	tmp := filepath.Join(b.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to publish message: %w", err)
	}
	metrics.BroadcastMessages.WithLabelValues("dir", "sent").Inc()
	return nil
}

// Subscribe implements Bus.
func (b *DirBus) Subscribe(topic string, h Handler) func() {
	return b.registry.subscribe(topic, h)
}

// Close stops watching. Files already written stay for the other endpoints.
func (b *DirBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	err := b.watcher.Close()
	b.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Prune removes message files older than the retention window as of now.
// It returns the number of files removed.
func (b *DirBus) Prune(now time.Time) int {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.config.Logger.Printf("Error listing bus directory: %v", err)
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < b.config.Retention {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, e.Name())); err == nil {
			removed++
		}
	}

	b.mu.Lock()
	for name, at := range b.seen {
		if now.Sub(at) >= b.config.Retention {
			delete(b.seen, name)
		}
	}
	b.mu.Unlock()
	return removed
}

func (b *DirBus) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return

		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
				continue
			}
			b.receive(event.Name)

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// receive delivers a message file once.
func (b *DirBus) receive(path string) {
	name := filepath.Base(path)
	b.mu.Lock()
	if _, dup := b.seen[name]; dup {
		b.mu.Unlock()
		return
	}
	b.seen[name] = time.Now()
	b.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		// Pruned before we got to it.
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.config.Logger.Printf("Dropping malformed message %s: %v", name, err)
		return
	}
	if b.registry.dispatch(msg) {
		metrics.BroadcastMessages.WithLabelValues("dir", "received").Inc()
	}
}

func (b *DirBus) pruneLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			if n := b.Prune(now); n > 0 {
				b.config.Logger.Printf("Pruned %d old messages", n)
			}
		}
	}
}
