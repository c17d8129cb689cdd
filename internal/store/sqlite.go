// ABOUTME: SQLite implementation of the keyed store using modernc.org/sqlite
// ABOUTME: Expiry is stored per row and enforced on read; a purge sweeps dead rows

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/2389/stillsafe-gateway/internal/clock"
)

// Driver names registered by the imported SQLite packages.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements KV on a single SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a SQLiteStore.
type Option func(*sqliteOptions)

type sqliteOptions struct {
	driver string
	clock  clock.Clock
}

// WithDriver selects the database/sql driver name.
func WithDriver(driver string) Option {
	return func(o *sqliteOptions) {
		if driver != "" {
			o.driver = driver
		}
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(c clock.Clock) Option {
	return func(o *sqliteOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// NewSQLiteStore opens (or creates) the store at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := sqliteOptions{driver: DriverModernc, clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(o.driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// each pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := newSQLiteStoreFromDB(db, o.clock)
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("keyed store initialized", "path", path, "driver", o.driver)
	return s, nil
}

func newSQLiteStoreFromDB(db *sql.DB, c clock.Clock) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		clock:  c,
		logger: slog.Default().With("component", "store"),
	}
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// expiry converts a TTL into a nullable unix-millis column value.
func (s *SQLiteStore) expiry(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.clock.Now().Add(ttl).UnixMilli(), Valid: true}
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

// Get returns the live value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.nowMillis(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading key %q: %w", key, err)
	}
	return value, nil
}

// Set upserts key with the given TTL.
func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, s.expiry(ttl))
	if err != nil {
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	return nil
}

// Delete removes key if present.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

// Expire resets the TTL on a live key.
func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET expires_at = ? WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		s.expiry(ttl), key, s.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("expiring key %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Keys lists live keys with the given prefix.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv
		WHERE substr(key, 1, ?) = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key
	`, utf8.RuneCountInString(prefix), prefix, s.nowMillis())
	if err != nil {
		return nil, fmt.Errorf("listing keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating keys: %w", err)
	}
	return keys, nil
}

// PurgeExpired deletes rows whose TTL has elapsed and returns how many went.
// Reads already ignore expired rows; this only reclaims space.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("purging expired keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("purged expired keys", "count", n)
	}
	return n, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
