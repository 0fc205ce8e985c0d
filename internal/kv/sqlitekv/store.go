// Package sqlitekv implements kv.Store on the service's SQLite database.
//
// Expiry is evaluated on read; Sweep deletes rows whose expiry has passed.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/kv"
	"github.com/shpitdev/prospect-enrichment/internal/storage"
)

var _ kv.Store = (*Store)(nil)

// Store is a kv.Store backed by the kv_entries table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to evaluate expiry (for testing).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// New wraps a migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return s.now().Add(ttl).UnixMilli()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: get: %w", err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := storage.Exec(ctx, s.db, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, s.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("sqlitekv: set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := storage.Exec(ctx, s.db, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlitekv: delete: %w", err)
	}
	return nil
}

// IncrBy is a single upsert statement, so concurrent increments serialize inside
// SQLite. An expired row restarts from delta with a fresh expiry.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	now := s.now().UnixMilli()
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= ? THEN excluded.value
				ELSE CAST(kv_entries.value AS INTEGER) + excluded.value
			END,
			expires_at = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= ? THEN excluded.expires_at
				ELSE kv_entries.expires_at
			END
		RETURNING CAST(value AS INTEGER)`,
		key, delta, s.expiry(ttl), now, now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlitekv: incr: %w", err)
	}
	return n, nil
}

func (s *Store) Counter(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT CAST(value AS INTEGER) FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixMilli(),
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlitekv: counter: %w", err)
	}
	return n, nil
}

// Sweep deletes expired entries and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := storage.Exec(ctx, s.db,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlitekv: sweep: %w", err)
	}
	return res.RowsAffected()
}
