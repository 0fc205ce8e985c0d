// Package rediskv implements kv.Store on Redis for deployments that run more than
// one prospectd process.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shpitdev/prospect-enrichment/internal/kv"
)

var _ kv.Store = (*Store)(nil)

// Config selects the Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is a kv.Store backed by a Redis client.
type Store struct {
	client redis.UniversalClient
}

// New dials lazily; call Ping to verify connectivity.
func New(cfg Config) *Store {
	return NewFromClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}))
}

// NewFromClient wraps an existing client.
func NewFromClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("rediskv: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rediskv: get: %w", err)
	}
	return b, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("rediskv: set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("rediskv: delete: %w", err)
	}
	return nil
}

// incrScript increments KEYS[1] and, when the key has no expiry yet, sets one of
// ARGV[2] milliseconds. Redis runs the script atomically, so a counter never
// exists without its window expiry.
var incrScript = redis.NewScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return n
`)

// IncrBy adds delta to the counter. The expiry is only applied when the key has
// none so repeated increments do not extend a window.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("rediskv: incr: %w", err)
	}
	return n, nil
}

func (s *Store) Counter(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rediskv: counter: %w", err)
	}
	return n, nil
}
