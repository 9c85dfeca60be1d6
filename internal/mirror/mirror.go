// Package mirror applies remote records to the local store.
//
// Every remote value goes through the same conflict resolver as local
// writes, and day records are skipped entirely while the block window guard
// is active so a racing remote overwrite cannot clobber an edit that is still
// being debounced. Skipped rows are picked up again by the next pull.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/daysync/daysync/internal/guard"
	"github.com/daysync/daysync/internal/metrics"
	"github.com/daysync/daysync/internal/record"
	"github.com/daysync/daysync/internal/store"
	"github.com/daysync/daysync/internal/transport"
)

// Outcome is the result of applying one remote record.
type Outcome int

const (
	// OutcomeApplied means the remote value replaced the local one.
	OutcomeApplied Outcome = iota
	// OutcomeRejected means the resolver kept the local value.
	OutcomeRejected
	// OutcomeBlocked means the guard deferred the record.
	OutcomeBlocked
)

// String returns the outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRejected:
		return "rejected"
	case OutcomeBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Config selects the remote rows to mirror.
type Config struct {
	Table       string
	OwnerColumn string

	// Limit caps rows per pull (0 = transport default)
	Limit int

	Logger *log.Logger
}

// DefaultConfig mirrors the owner-scoped client table.
func DefaultConfig() *Config {
	return &Config{
		Table:       transport.TableClientKV,
		OwnerColumn: "client_id",
		Logger:      log.New(os.Stderr, "[mirror] ", log.LstdFlags),
	}
}

// Options holds the collaborators of a Mirror.
type Options struct {
	Store    store.Store
	Resolver *record.Resolver
	Guard    *guard.Guard

	// Fetcher is required for PullOnce only.
	Fetcher transport.Fetcher

	// Owner scopes pulls to one owner id
	Owner string

	// OnApplied runs after a remote value replaced the local one.
	OnApplied func(rec *record.Record)
}

// Stats summarizes one pull.
type Stats struct {
	Fetched  int `json:"fetched" yaml:"fetched"`
	Applied  int `json:"applied" yaml:"applied"`
	Rejected int `json:"rejected" yaml:"rejected"`
	Blocked  int `json:"blocked" yaml:"blocked"`
	Failed   int `json:"failed" yaml:"failed"`
}

// Mirror applies remote records locally.
type Mirror struct {
	store     store.Store
	resolver  *record.Resolver
	guard     *guard.Guard
	fetcher   transport.Fetcher
	owner     string
	onApplied func(rec *record.Record)
	config    *Config
	logger    *log.Logger

	// pullMu serializes pulls so the watermark only moves forward.
	pullMu    sync.Mutex
	mu        sync.Mutex
	watermark int64
}

// New creates a mirror.
func New(opts Options, config *Config) (*Mirror, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[mirror] ", log.LstdFlags)
	}
	if opts.Resolver == nil {
		opts.Resolver = record.NewResolver(nil)
	}
	return &Mirror{
		store:     opts.Store,
		resolver:  opts.Resolver,
		guard:     opts.Guard,
		fetcher:   opts.Fetcher,
		owner:     opts.Owner,
		onApplied: opts.OnApplied,
		config:    config,
		logger:    config.Logger,
	}, nil
}

// Watermark returns the updated_at of the newest remote row fully processed.
func (m *Mirror) Watermark() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark
}

// SetWatermark restarts pulls from ms.
func (m *Mirror) SetWatermark(ms int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = ms
}

// ApplyRemote offers one remote record to the local store.
func (m *Mirror) ApplyRemote(ctx context.Context, rec *record.Record) (Outcome, error) {
	if rec == nil || rec.Key == "" {
		return OutcomeRejected, fmt.Errorf("remote record has no key")
	}
	if m.guard != nil && m.guard.Blocks(rec.Key) {
		metrics.RemoteApplies.WithLabelValues(OutcomeBlocked.String()).Inc()
		return OutcomeBlocked, nil
	}

	applied, err := m.store.Apply(ctx, rec, m.resolver)
	if err != nil {
		metrics.RemoteApplies.WithLabelValues("error").Inc()
		return OutcomeRejected, fmt.Errorf("failed to apply remote %s: %w", rec.Key, err)
	}
	if !applied {
		metrics.RemoteApplies.WithLabelValues(OutcomeRejected.String()).Inc()
		return OutcomeRejected, nil
	}

	metrics.RemoteApplies.WithLabelValues(OutcomeApplied.String()).Inc()
	if m.onApplied != nil {
		m.onApplied(rec.Clone())
	}
	return OutcomeApplied, nil
}

// PullOnce fetches rows newer than the watermark and applies each. A row
// that fails to decode or apply is logged and does not stop the pass.
// Blocked rows and rows that failed to apply hold the watermark below
// themselves so the next pull sees them again.
func (m *Mirror) PullOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	if m.fetcher == nil {
		return stats, fmt.Errorf("no fetcher configured")
	}

	m.pullMu.Lock()
	defer m.pullMu.Unlock()

	since := m.Watermark()
	rows, err := m.fetcher.Fetch(ctx, transport.Query{
		Table:       m.config.Table,
		OwnerColumn: m.config.OwnerColumn,
		Owner:       m.owner,
		SinceMillis: since,
		Limit:       m.config.Limit,
	})
	if err != nil {
		return stats, fmt.Errorf("failed to fetch remote rows: %w", err)
	}
	stats.Fetched = len(rows)

	newest := since
	retryFrom := int64(-1)
	hold := func(at int64) {
		if retryFrom < 0 || at < retryFrom {
			retryFrom = at
		}
	}

	for _, row := range rows {
		rowAt := rowMillis(row[transport.ColumnUpdatedAt])
		if rowAt > newest {
			newest = rowAt
		}

		rec, err := DecodeRow(row)
		if err != nil {
			m.logger.Printf("WARNING: Skipping undecodable remote row: %v", err)
			stats.Failed++
			continue
		}

		outcome, err := m.ApplyRemote(ctx, rec)
		if err != nil {
			m.logger.Printf("WARNING: %v", err)
			stats.Failed++
			hold(rowAt)
			continue
		}
		switch outcome {
		case OutcomeApplied:
			stats.Applied++
		case OutcomeRejected:
			stats.Rejected++
		case OutcomeBlocked:
			stats.Blocked++
			hold(rowAt)
		}
	}

	if retryFrom >= 0 && retryFrom-1 < newest {
		newest = retryFrom - 1
	}
	if newest > since {
		m.SetWatermark(newest)
	}

	if stats.Fetched > 0 {
		m.logger.Printf("Pulled %d remote rows: applied=%d rejected=%d blocked=%d failed=%d",
			stats.Fetched, stats.Applied, stats.Rejected, stats.Blocked, stats.Failed)
	}
	return stats, nil
}

// DecodeRow turns a remote row into a record. The value column may arrive as
// raw JSON, a JSON string, or an already decoded object. A value without its
// own updatedAt takes the row's updated_at.
func DecodeRow(row transport.Row) (*record.Record, error) {
	key, _ := row[transport.ColumnKey].(string)
	if key == "" {
		return nil, fmt.Errorf("row has no %s column", transport.ColumnKey)
	}

	var data []byte
	switch v := row[transport.ColumnValue].(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case map[string]any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value of %s: %w", key, err)
		}
		data = encoded
	case nil:
		return nil, fmt.Errorf("row %s has no value", key)
	default:
		return nil, fmt.Errorf("row %s has unsupported value type %T", key, v)
	}

	rec, err := record.Decode(key, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode row %s: %w", key, err)
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = rowMillis(row[transport.ColumnUpdatedAt])
	}
	return rec, nil
}

func rowMillis(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
