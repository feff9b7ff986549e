// Package postgres implements cache.Store on top of PostgreSQL via lib/pq.
// Entries live in a single key/value table with an optional expiry column,
// giving session contexts durability across process restarts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/lugondev/auth3-session/cache"
)

var ErrMissingDSN = errors.New("postgres: DSN is required")

// Schema contains the statement required by Store. Apply it with Migrate
// before first use.
const Schema = `CREATE TABLE IF NOT EXISTS session_store (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    expires_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Open connects to PostgreSQL using the provided options and applies pool
// settings.
func Open(opts ...Option) (*sql.DB, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return db, nil
}

// Migrate executes the given SQL statements in order. Pass Schema to create
// the store table.
func Migrate(ctx context.Context, db *sql.DB, statements ...string) error {
	if db == nil {
		return fmt.Errorf("postgres: db is nil")
	}
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// Store persists cache entries inside PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an existing *sql.DB connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetNowFunc allows injecting a deterministic clock (useful for tests).
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	s.now = fn
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value, expires_at FROM session_store WHERE key = $1`

	var value []byte
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get: %w", err)
	}

	if expiresAt.Valid && !expiresAt.Time.After(s.now()) {
		_ = s.deleteKey(ctx, key)
		return nil, cache.ErrNotFound
	}

	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	const query = `INSERT INTO session_store (key, value, expires_at, updated_at)
                   VALUES ($1, $2, $3, $4)
                   ON CONFLICT (key) DO UPDATE
                   SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`

	now := s.now()
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: now.Add(ttl), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, query, key, value, expiresAt, now); err != nil {
		return fmt.Errorf("postgres: set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM session_store WHERE key = $1`

	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("postgres: delete: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return cache.ErrNotFound
	}
	return nil
}

// Prune removes expired entries. Callers may run it periodically; Get
// already evicts lazily, so pruning only reclaims storage.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	const query = `DELETE FROM session_store WHERE expires_at IS NOT NULL AND expires_at <= $1`

	res, err := s.db.ExecContext(ctx, query, s.now())
	if err != nil {
		return 0, fmt.Errorf("postgres: prune: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *Store) deleteKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_store WHERE key = $1`, key)
	return err
}
