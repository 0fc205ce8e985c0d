// Package storage opens the SQLite database shared by the prospect store, the
// key-value store, the work queue and the activity log.
//
//	db, err := storage.Open("data/prospects.db", storage.WithMkdirAll())
//	if err := storage.Migrate(ctx, db); err != nil { ... }
//
// In tests:
//
//	db := storage.OpenMemory(t)
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type config struct {
	busyTimeout int
	synchronous string
	mkdirAll    bool
	migrate     bool
}

func defaults() config {
	return config{
		busyTimeout: 10_000,
		synchronous: "NORMAL",
	}
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets busy_timeout in milliseconds on every connection. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithMigrations runs Migrate right after opening.
func WithMigrations() Option { return func(c *config) { c.migrate = true } }

// Open opens an SQLite database at path. The pragmas travel in the DSN so the
// driver applies them to every pooled connection, not just the first.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if cfg.migrate {
		if err := Migrate(context.Background(), db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// dsn builds the modernc DSN. Write transactions start with BEGIN IMMEDIATE so
// a read-then-write transaction takes the write lock up front instead of failing
// to upgrade under contention.
func (c config) dsn(path string) string {
	return fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(%s)&_txlock=immediate",
		path, c.busyTimeout, c.synchronous)
}

// OpenMemory opens a migrated in-memory database for tests. It pins the pool to
// one connection because every connection to ":memory:" is a separate database.
func OpenMemory(t testing.TB) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("storage.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("storage.OpenMemory: %v", err)
	}
	return db
}

// BusyError is returned when a statement or transaction was still hitting lock
// contention after every retry.
type BusyError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("storage: %s: database busy after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *BusyError) Unwrap() error { return e.Err }

// IsBusy reports whether err is lock contention: SQLITE_BUSY or SQLITE_LOCKED,
// including extended codes such as SQLITE_BUSY_SNAPSHOT.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// busyBackoff is the wait before each retry; its length is the retry count.
// busy_timeout already waits inside the driver, so these cover the cases it
// does not, like a snapshot that went stale mid-transaction.
var busyBackoff = []time.Duration{25 * time.Millisecond, 100 * time.Millisecond, 250 * time.Millisecond}

// retryBusy runs fn until it succeeds, fails with a non-busy error, or runs out
// of retries, in which case the last error is wrapped in a *BusyError.
func retryBusy(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !IsBusy(err) {
			return err
		}
		if attempt == len(busyBackoff) {
			return &BusyError{Op: op, Attempts: attempt + 1, Err: err}
		}
		t := time.NewTimer(busyBackoff[attempt])
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("storage: %s: %w", op, ctx.Err())
		case <-t.C:
		}
	}
}

// RunTx runs fn in a transaction and commits it, retrying the whole transaction
// on lock contention. fn must be safe to run more than once.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retryBusy(ctx, "tx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit: %w", err)
		}
		return nil
	})
}

// Exec executes one statement, retrying on lock contention.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryBusy(ctx, "exec", func() (err error) {
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
