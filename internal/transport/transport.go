// Package transport defines the remote store the sync engine uploads to, and
// provides HTTP and Postgres implementations.
//
// The engine never interprets remote responses beyond the error class:
// success, auth failure (halt until re-auth), permanent rejection (drop the
// item), or anything else (retry with backoff).
package transport

import "context"

// Row is one remote row. Values must be JSON-encodable.
type Row map[string]any

// Standard row columns.
const (
	ColumnKey       = "k"
	ColumnValue     = "v"
	ColumnUpdatedAt = "updated_at"
)

// Transport uploads rows to the remote authoritative store.
type Transport interface {
	// Upsert writes one row, resolving conflicts on the given columns.
	Upsert(ctx context.Context, table string, row Row, conflictColumns []string) error

	// BulkUpsert writes rows in a single request.
	BulkUpsert(ctx context.Context, table string, rows []Row, conflictColumns []string) error
}

// BatchSaver is implemented by transports that expose a server-side batch
// procedure keyed by owner. SaveBatch returns how many rows were stored.
type BatchSaver interface {
	SaveBatch(ctx context.Context, owner string, rows []Row) (int, error)
}

// Query selects remote rows for a pull.
type Query struct {
	Table       string
	OwnerColumn string
	Owner       string
	// SinceMillis restricts results to rows updated strictly after it.
	SinceMillis int64
	Limit       int
}

// Fetcher is implemented by transports that can read rows back for
// remote-to-local mirroring.
type Fetcher interface {
	Fetch(ctx context.Context, q Query) ([]Row, error)
}
