// Package transporttest provides an in-memory scriptable transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/daysync/daysync/internal/transport"
)

// Call records one transport invocation.
type Call struct {
	Method   string // "upsert", "bulk", "batch"
	Table    string
	Owner    string
	Rows     []transport.Row
	Conflict []string
}

// Fake is a Transport, BatchSaver, and Fetcher backed by a map. Errors can
// be scripted per call with FailWith, and calls can be held in flight with
// Block.
type Fake struct {
	mu      sync.Mutex
	calls   []Call
	rows    map[string]map[string]transport.Row // table -> key -> row
	errFunc func(c Call) error
	gate    chan struct{}
	entered chan struct{}
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{rows: make(map[string]map[string]transport.Row)}
}

// FailWith installs fn to decide each call's error. A nil fn clears it.
func (f *Fake) FailWith(fn func(c Call) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errFunc = fn
}

// Block makes every subsequent call wait until Release. Entered receives one
// value per call that has started waiting.
func (f *Fake) Block() (entered <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 64)
	return f.entered
}

// Release lets blocked calls proceed.
func (f *Fake) Release() {
	f.mu.Lock()
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (f *Fake) do(ctx context.Context, c Call, conflictKey string) error {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.errFunc != nil {
		if err := f.errFunc(c); err != nil {
			return err
		}
	}
	table := f.rows[c.Table]
	if table == nil {
		table = make(map[string]transport.Row)
		f.rows[c.Table] = table
	}
	for _, r := range c.Rows {
		key, _ := r[transport.ColumnKey].(string)
		if conflictKey != "" {
			if owner, ok := r[conflictKey].(string); ok {
				key = owner + ":" + key
			}
		}
		table[key] = r
	}
	return nil
}

// Upsert implements transport.Transport.
func (f *Fake) Upsert(ctx context.Context, table string, row transport.Row, conflict []string) error {
	return f.do(ctx, Call{Method: "upsert", Table: table, Rows: []transport.Row{row}, Conflict: conflict}, firstOwner(conflict))
}

// BulkUpsert implements transport.Transport.
func (f *Fake) BulkUpsert(ctx context.Context, table string, rows []transport.Row, conflict []string) error {
	return f.do(ctx, Call{Method: "bulk", Table: table, Rows: rows, Conflict: conflict}, firstOwner(conflict))
}

// SaveBatch implements transport.BatchSaver. Rows land in the client table.
func (f *Fake) SaveBatch(ctx context.Context, owner string, rows []transport.Row) (int, error) {
	withOwner := make([]transport.Row, len(rows))
	for i, r := range rows {
		cp := make(transport.Row, len(r)+1)
		for k, v := range r {
			cp[k] = v
		}
		cp["client_id"] = owner
		withOwner[i] = cp
	}
	if err := f.do(ctx, Call{Method: "batch", Table: transport.TableClientKV, Owner: owner, Rows: withOwner}, "client_id"); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Fetch implements transport.Fetcher.
func (f *Fake) Fetch(ctx context.Context, q transport.Query) ([]transport.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []transport.Row
	for _, r := range f.rows[q.Table] {
		if q.OwnerColumn != "" && r[q.OwnerColumn] != q.Owner {
			continue
		}
		if millis(r[transport.ColumnUpdatedAt]) <= q.SinceMillis {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return millis(out[i][transport.ColumnUpdatedAt]) < millis(out[j][transport.ColumnUpdatedAt])
	})
	return out, nil
}

// Put seeds a remote row.
func (f *Fake) Put(table, owner, ownerColumn, key string, value json.RawMessage, updatedAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.rows[table]
	if t == nil {
		t = make(map[string]transport.Row)
		f.rows[table] = t
	}
	t[owner+":"+key] = transport.Row{
		ownerColumn:               owner,
		transport.ColumnKey:       key,
		transport.ColumnValue:     value,
		transport.ColumnUpdatedAt: updatedAt,
	}
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Row returns the stored row for table and composite key "owner:key".
func (f *Fake) Row(table, compositeKey string) (transport.Row, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[table][compositeKey]
	return r, ok
}

// RowCount returns the number of rows stored in table.
func (f *Fake) RowCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[table])
}

func firstOwner(conflict []string) string {
	for _, c := range conflict {
		if c != transport.ColumnKey {
			return c
		}
	}
	return ""
}

func millis(v any) int64 {
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
