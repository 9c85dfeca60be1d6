// Package loadtest drives several engines against one shared local store to
// measure local write latency and check that no edit is lost.
//
// Each simulated tab is a full engine joined to the others through a
// broadcast.LocalHub, the way browser tabs share one local store and a
// broadcast channel. All tabs upload to one in-memory remote.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/daysync/daysync/internal/broadcast"
	"github.com/daysync/daysync/internal/engine"
	"github.com/daysync/daysync/internal/mirror"
	"github.com/daysync/daysync/internal/store"
	"github.com/daysync/daysync/internal/transport"
	"github.com/daysync/daysync/internal/transport/transporttest"
)

// Owner is the owner scope every tab uploads under.
const Owner = "loadtest"

// Config holds load test settings.
type Config struct {
	// Tabs is the number of concurrent engines
	Tabs int

	// Keys is the number of distinct day records edited
	Keys int

	// EditsPerTab is how many edits each tab makes
	EditsPerTab int

	// Seed makes key selection reproducible
	Seed int64

	// FlushTimeout bounds the final upload of each tab
	FlushTimeout time.Duration

	// Logger for engine activity (default: discarded)
	Logger *log.Logger
}

// DefaultConfig returns a small run: four tabs editing a week of days.
func DefaultConfig() *Config {
	return &Config{
		Tabs:         4,
		Keys:         7,
		EditsPerTab:  50,
		Seed:         42,
		FlushTimeout: 10 * time.Second,
	}
}

// LatencyStats summarizes edit-to-durable-write latency.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`
}

// Result is the outcome of one run.
type Result struct {
	Latency LatencyStats  `json:"latency"`
	Edits   int           `json:"edits"`
	Errors  int           `json:"errors"`
	Elapsed time.Duration `json:"elapsed"`

	// Uploads is the number of remote calls made
	Uploads int `json:"uploads"`

	// Flushed reports whether every tab emptied its queue
	Flushed bool `json:"flushed"`

	// LostEdits lists keys whose stored timestamp is older than the newest
	// edit made to them. It is empty on a correct run.
	LostEdits []string `json:"lost_edits,omitempty"`

	// RemoteBehind lists keys whose remote copy is older than the local
	// one. Uploads from different tabs race at the remote, so this is
	// informational.
	RemoteBehind []string `json:"remote_behind,omitempty"`
}

// tracker records the newest timestamp written per key.
type tracker struct {
	mu     sync.Mutex
	newest map[string]int64
	errors int
}

func (t *tracker) edit(key string, at int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at > t.newest[key] {
		t.newest[key] = at
	}
}

func (t *tracker) fail() {
	t.mu.Lock()
	t.errors++
	t.mu.Unlock()
}

// Run executes one load test.
func Run(ctx context.Context, config *Config) (*Result, error) {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Tabs <= 0 {
		config.Tabs = defaults.Tabs
	}
	if config.Keys <= 0 {
		config.Keys = defaults.Keys
	}
	if config.EditsPerTab <= 0 {
		config.EditsPerTab = defaults.EditsPerTab
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = defaults.FlushTimeout
	}
	if config.Logger == nil {
		config.Logger = log.New(io.Discard, "", 0)
	}

	shared := store.NewMemory(store.DefaultCodec())
	defer shared.Close()
	remote := transporttest.New()
	hub := broadcast.NewLocalHub()

	tabs := make([]*engine.Engine, 0, config.Tabs)
	defer func() {
		for _, e := range tabs {
			_ = e.Close(context.Background())
		}
	}()
	for i := 0; i < config.Tabs; i++ {
		ec := engine.DefaultConfig()
		ec.Owner = Owner
		ec.Logger = config.Logger
		e, err := engine.New(ctx, engine.Options{
			Store:     shared,
			Transport: remote,
			Broadcast: hub.Join(fmt.Sprintf("tab-%d", i), config.Logger),
			Config:    ec,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start tab %d: %w", i, err)
		}
		tabs = append(tabs, e)
	}

	keys := dayKeys(config.Keys)
	track := &tracker{newest: make(map[string]int64)}
	latencies := make([][]time.Duration, config.Tabs)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range tabs {
		rng := rand.New(rand.NewSource(config.Seed + int64(i)))
		g.Go(func() error {
			latencies[i] = runTab(gctx, e, i, rng, keys, config.EditsPerTab, track)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{
		Edits:   config.Tabs * config.EditsPerTab,
		Flushed: true,
	}
	for _, e := range tabs {
		if err := e.Flush(ctx, false); err != nil {
			track.fail()
		}
	}
	for _, e := range tabs {
		if !e.FlushPendingQueue(config.FlushTimeout) {
			result.Flushed = false
		}
	}
	result.Elapsed = time.Since(start)
	result.Errors = track.errors
	result.Uploads = len(remote.Calls())

	var all []time.Duration
	for _, l := range latencies {
		all = append(all, l...)
	}
	result.Latency = computeLatencyStats(all)

	for _, logical := range keys {
		key := store.Key(store.DefaultPrefix, logical)
		stored, err := shared.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		newest := track.newest[key]
		if newest == 0 {
			continue
		}
		if stored == nil || stored.UpdatedAt < newest {
			result.LostEdits = append(result.LostEdits, logical)
			continue
		}
		row, ok := remote.Row(transport.TableClientKV, Owner+":"+key)
		if !ok {
			result.RemoteBehind = append(result.RemoteBehind, logical)
			continue
		}
		if rec, err := mirror.DecodeRow(row); err != nil || rec.UpdatedAt < stored.UpdatedAt {
			result.RemoteBehind = append(result.RemoteBehind, logical)
		}
	}
	return result, nil
}

// runTab makes edits edits to random keys, timing each through to the local
// store.
func runTab(ctx context.Context, e *engine.Engine, tab int, rng *rand.Rand, keys []string, edits int, track *tracker) []time.Duration {
	durations := make([]time.Duration, 0, edits)
	for n := 0; n < edits; n++ {
		if ctx.Err() != nil {
			break
		}
		logical := keys[rng.Intn(len(keys))]
		payload := map[string]any{
			"waterMl": 250 * (n + 1),
			"steps":   rng.Intn(20000) + 1,
			"dayNote": fmt.Sprintf("tab %d edit %d", tab, n),
		}

		began := time.Now()
		if err := e.Mutate(ctx, logical, payload); err != nil {
			track.fail()
			continue
		}
		// The in-memory value carries the edit's timestamp.
		rec, err := e.Get(ctx, logical)
		if err != nil || rec == nil {
			track.fail()
			continue
		}
		if err := e.Flush(ctx, false); err != nil {
			track.fail()
			continue
		}
		durations = append(durations, time.Since(began))
		track.edit(rec.Key, rec.UpdatedAt)
	}
	return durations
}

func dayKeys(n int) []string {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	keys := make([]string, n)
	for i := range keys {
		keys[i] = "dayv2_" + base.AddDate(0, 0, i).Format("2006-01-02")
	}
	return keys
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// Print writes a human-readable summary.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Load Test Results:\n")
	fmt.Fprintf(w, "  Edits:         %d\n", r.Edits)
	fmt.Fprintf(w, "  Errors:        %d\n", r.Errors)
	fmt.Fprintf(w, "  Uploads:       %d\n", r.Uploads)
	fmt.Fprintf(w, "  Elapsed:       %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Queue flushed: %v\n", r.Flushed)
	fmt.Fprintf(w, "  Lost edits:    %d\n", len(r.LostEdits))
	fmt.Fprintf(w, "  Remote behind: %d\n", len(r.RemoteBehind))
	fmt.Fprintf(w, "Write Latency:\n")
	fmt.Fprintf(w, "  Min:           %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Latency.Max)
}
