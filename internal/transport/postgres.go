package transport

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const postgresOperationTimeout = 10 * time.Second

// Default remote tables.
const (
	TableUserKV   = "kv_store"
	TableClientKV = "client_kv_store"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres writes rows straight into a Postgres database. It is used when
// the engine runs next to the authoritative database rather than behind a
// REST gateway.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	// ClientTable and ClientOwnerColumn are the target of SaveBatch.
	ClientTable       string
	ClientOwnerColumn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgres creates a Postgres transport. The connection is opened lazily.
func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	return &Postgres{
		dsn:               dsn,
		openDB:            sql.Open,
		ClientTable:       TableClientKV,
		ClientOwnerColumn: "client_id",
	}, nil
}

// ensureReady opens the pool once. sql.Open does not dial, so an
// unreachable server surfaces on the first statement, not here.
func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = fmt.Errorf("failed to open postgres: %w", err)
			return
		}
		p.db = db
	})
	return p.initErr
}

// Ping checks that the database answers.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := p.db.PingContext(ctx); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

// EnsureTables creates the two key/value tables if they don't exist.
func (p *Postgres) EnsureTables(ctx context.Context) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	for _, t := range []struct{ table, owner string }{
		{TableUserKV, "user_id"},
		{p.ClientTable, p.ClientOwnerColumn},
	} {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s TEXT NOT NULL,
			k TEXT NOT NULL,
			v JSONB,
			updated_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (%s, k)
		)`, pq.QuoteIdentifier(t.table), pq.QuoteIdentifier(t.owner), pq.QuoteIdentifier(t.owner))
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.table, classifyPostgres(err))
		}
	}
	return nil
}

// Upsert implements Transport.Upsert.
func (p *Postgres) Upsert(ctx context.Context, table string, row Row, conflictColumns []string) error {
	return p.BulkUpsert(ctx, table, []Row{row}, conflictColumns)
}

// BulkUpsert implements Transport.BulkUpsert. All rows are written in one
// transaction.
func (p *Postgres) BulkUpsert(ctx context.Context, table string, rows []Row, conflictColumns []string) error {
	if len(rows) == 0 {
		return nil
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPostgres(err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if err := upsertRow(ctx, tx, table, row, conflictColumns); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

// SaveBatch implements BatchSaver by upserting every row into the client
// table under owner.
func (p *Postgres) SaveBatch(ctx context.Context, owner string, rows []Row) (int, error) {
	withOwner := make([]Row, 0, len(rows))
	for _, r := range rows {
		out := make(Row, len(r)+1)
		for k, v := range r {
			out[k] = v
		}
		out[p.ClientOwnerColumn] = owner
		withOwner = append(withOwner, out)
	}
	if err := p.BulkUpsert(ctx, p.ClientTable, withOwner, []string{p.ClientOwnerColumn, ColumnKey}); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Fetch implements Fetcher.
func (p *Postgres) Fetch(ctx context.Context, q Query) ([]Row, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT k, v, updated_at FROM %s WHERE %s = $1 AND updated_at > $2 ORDER BY updated_at ASC",
		pq.QuoteIdentifier(q.Table), pq.QuoteIdentifier(q.OwnerColumn))
	args := []any{q.Owner, q.SinceMillis}
	if q.Limit > 0 {
		query += " LIMIT $3"
		args = append(args, q.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			key       string
			value     []byte
			updatedAt int64
		)
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, Row{
			ColumnKey:       key,
			ColumnValue:     json.RawMessage(value),
			ColumnUpdatedAt: updatedAt,
			q.OwnerColumn:   q.Owner,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(err)
	}
	return out, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func upsertRow(ctx context.Context, tx *sql.Tx, table string, row Row, conflictColumns []string) error {
	query, args, err := buildUpsert(table, row, conflictColumns)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

// buildUpsert renders an INSERT ... ON CONFLICT DO UPDATE for row. Columns
// are emitted in lexical order so statements are stable.
func buildUpsert(table string, row Row, conflictColumns []string) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, Permanent(fmt.Errorf("empty row for %s", table))
	}
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	conflict := make(map[string]bool, len(conflictColumns))
	for _, c := range conflictColumns {
		if _, ok := row[c]; !ok {
			return "", nil, Permanent(fmt.Errorf("row for %s is missing conflict column %s", table, c))
		}
		conflict[c] = true
	}

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	var updates []string
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		v, err := sqlValue(row[c])
		if err != nil {
			return "", nil, Permanent(fmt.Errorf("column %s: %w", c, err))
		}
		args[i] = v
		if !conflict[c] {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	if len(conflictColumns) > 0 {
		quotedConflict := make([]string, len(conflictColumns))
		for i, c := range conflictColumns {
			quotedConflict[i] = pq.QuoteIdentifier(c)
		}
		if len(updates) == 0 {
			query += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(quotedConflict, ", "))
		} else {
			query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
				strings.Join(quotedConflict, ", "), strings.Join(updates, ", "))
		}
	}
	return query, args, nil
}

func sqlValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, int, int64, float64, bool, time.Time:
		return t, nil
	case json.RawMessage:
		return string(t), nil
	case []byte:
		return string(t), nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

// Postgres error codes that map onto the engine's error classes.
var (
	postgresAuthCodes = map[pq.ErrorCode]bool{
		"28000": true, // invalid_authorization_specification
		"28P01": true, // invalid_password
		"42501": true, // insufficient_privilege
	}
	postgresPermanentCodes = map[pq.ErrorCode]bool{
		"23502": true, // not_null_violation
		"23503": true, // foreign_key_violation
		"23514": true, // check_violation
		"22P02": true, // invalid_text_representation
		"42P01": true, // undefined_table
		"42703": true, // undefined_column
	}
)

func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case postgresAuthCodes[pqErr.Code]:
			return Auth(err)
		case postgresPermanentCodes[pqErr.Code]:
			return Permanent(err)
		}
	}
	return err
}
