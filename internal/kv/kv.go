// Package kv defines the shared key-value store used by the tenant cache and the
// rate limiter. Implementations must make IncrBy atomic across processes.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("kv: key not found")

// Store is an expiring key-value store with atomic counters.
type Store interface {
	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// IncrBy atomically adds delta to the counter at key and returns the new value.
	// A missing or expired counter starts from zero and gets ttl as its expiry.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Counter returns the counter at key, or zero when it is missing or expired.
	Counter(ctx context.Context, key string) (int64, error)
}
