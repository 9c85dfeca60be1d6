package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/daysync/daysync/internal/record"
)

// SQLite is a durable Store backed by an embedded SQLite database.
//
// The database runs in WAL mode so readers in other processes sharing the
// file are never blocked by the engine's writes. Write transactions take the
// write lock up front, which makes Apply's read-resolve-write atomic across
// processes too.
//
// Reads are served from a small in-process cache; Invalidate drops a key
// from it, and Apply always reads the durable value.
type SQLite struct {
	path  string
	codec Codec

	// mu guards conn. Writers hold it exclusively from the read inside the
	// transaction through the cache update, so the cache never holds a value
	// older than the committed one.
	mu   sync.RWMutex
	conn *sql.DB

	cacheMu sync.Mutex
	cache   map[string]*record.Record
}

// Open creates a SQLite store at path, creating the parent directory and the
// schema when needed.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".daysync/local.db", store.DefaultCodec())
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, codec Codec) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{
		conn:  conn,
		path:  path,
		codec: codec,
		cache: make(map[string]*record.Record),
	}

	// Enable WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := s.InitSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (s *SQLite) InitSchema(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return ErrClosed
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		k TEXT PRIMARY KEY,
		v BLOB NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT 0,
		source_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS meta (
		k TEXT PRIMARY KEY,
		v BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Get implements Store.Get.
func (s *SQLite) Get(ctx context.Context, key string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil, ErrClosed
	}

	s.cacheMu.Lock()
	if rec, ok := s.cache[key]; ok {
		s.cacheMu.Unlock()
		return rec.Clone(), nil
	}
	s.cacheMu.Unlock()

	rec, err := s.read(ctx, s.conn, key)
	if err != nil || rec == nil {
		return rec, err
	}

	s.remember(rec)
	return rec, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) read(ctx context.Context, q querier, key string) (*record.Record, error) {
	var stored []byte
	err := q.QueryRowContext(ctx, `SELECT v FROM records WHERE k = ?`, key).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return Decode(key, stored)
}

// Set implements Store.Set.
func (s *SQLite) Set(ctx context.Context, rec *record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrClosed
	}
	if err := s.write(ctx, s.conn, rec); err != nil {
		return err
	}
	s.remember(rec)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) write(ctx context.Context, e execer, rec *record.Record) error {
	encoded, err := s.codec.Encode(rec)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO records (k, v, updated_at, source_id)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(k) DO UPDATE SET
		v = excluded.v,
		updated_at = excluded.updated_at,
		source_id = excluded.source_id
	`
	if _, err := e.ExecContext(ctx, query, rec.Key, encoded, rec.UpdatedAt, rec.SourceID); err != nil {
		return fmt.Errorf("failed to write %s: %w", rec.Key, err)
	}
	return nil
}

// Apply implements Store.Apply.
func (s *SQLite) Apply(ctx context.Context, rec *record.Record, resolver *record.Resolver) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return false, ErrClosed
	}
	if resolver == nil {
		resolver = record.NewResolver(nil)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.read(ctx, tx, rec.Key)
	if err != nil {
		return false, err
	}

	if !resolver.ShouldApply(current, rec) {
		if current != nil {
			s.remember(current)
		}
		return false, nil
	}

	if err := s.write(ctx, tx, rec); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.remember(rec)
	return true, nil
}

// Invalidate implements Store.Invalidate.
func (s *SQLite) Invalidate(ctx context.Context, key string) error {
	s.cacheMu.Lock()
	delete(s.cache, key)
	s.cacheMu.Unlock()
	return nil
}

func (s *SQLite) remember(rec *record.Record) {
	s.cacheMu.Lock()
	s.cache[rec.Key] = rec.Clone()
	s.cacheMu.Unlock()
}

// Keys implements Store.Keys.
func (s *SQLite) Keys(ctx context.Context, contains string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil, ErrClosed
	}

	query := `SELECT k FROM records`
	var args []any
	if contains != "" {
		query += ` WHERE instr(k, ?) > 0`
		args = append(args, contains)
	}
	query += ` ORDER BY k ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

// Count returns the number of stored records.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return 0, ErrClosed
	}

	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get record count: %w", err)
	}
	return count, nil
}

// LoadRaw implements Store.LoadRaw.
func (s *SQLite) LoadRaw(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil, ErrClosed
	}

	var stored []byte
	err := s.conn.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = ?`, key).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return Unwrap(stored)
}

// SaveRaw implements Store.SaveRaw.
func (s *SQLite) SaveRaw(ctx context.Context, key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return ErrClosed
	}

	query := `
	INSERT INTO meta (k, v) VALUES (?, ?)
	ON CONFLICT(k) DO UPDATE SET v = excluded.v
	`
	if _, err := s.conn.ExecContext(ctx, query, key, s.codec.Wrap(value)); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Close implements Store.Close. Checkpoints the WAL before closing.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}
