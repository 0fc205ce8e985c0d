// Package cache is a tenant-scoped JSON cache over a kv.Store.
//
// Every key has the form
//
//	tenant:<tenantID>:<resource>:<identifier>
//
// where string identifiers are used verbatim and any other identifier is hashed from
// its canonical JSON encoding. The key builder is unexported and refuses empty or
// ambiguous tenant and resource components, so no caller can produce a key outside
// a tenant's namespace.
//
// The cache is read-through at the call site: callers Get, call the provider on a
// miss, and Set only successful results.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/canonical"
	"github.com/shpitdev/prospect-enrichment/internal/kv"
)

// DefaultTTL applies when Set is called with ttl <= 0.
const DefaultTTL = 24 * time.Hour

// Resource names a kind of cached value.
type Resource string

const (
	ResourcePeopleSearch Resource = "people_search"
	ResourceContact      Resource = "contact"
	ResourceFilings      Resource = "filings"
)

// ErrInvalidScope is returned when a tenant ID or resource cannot form a key.
var ErrInvalidScope = errors.New("cache: invalid scope")

// Cache stores JSON-encoded values under tenant-scoped keys.
type Cache struct {
	store      kv.Store
	defaultTTL time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// New creates a cache over store.
func New(store kv.Store, opts ...Option) *Cache {
	c := &Cache{store: store, defaultTTL: DefaultTTL}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get loads the value cached for (tenantID, resource, identifier). The bool is false
// on a miss. Store errors are returned so callers can log them and fall through to
// the provider.
func Get[T any](ctx context.Context, c *Cache, tenantID string, resource Resource, identifier any) (T, bool, error) {
	var zero T
	key, err := keyFor(tenantID, resource, identifier)
	if err != nil {
		return zero, false, err
	}
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cache: get %s: %w", resource, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		// A value we cannot decode is as good as absent.
		return zero, false, nil
	}
	return v, true, nil
}

// Set stores value for ttl (DefaultTTL when ttl <= 0).
func Set[T any](ctx context.Context, c *Cache, tenantID string, resource Resource, identifier any, value T, ttl time.Duration) error {
	key, err := keyFor(tenantID, resource, identifier)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", resource, err)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		return fmt.Errorf("cache: set %s: %w", resource, err)
	}
	return nil
}

// Invalidate removes the cached value, if any.
func (c *Cache) Invalidate(ctx context.Context, tenantID string, resource Resource, identifier any) error {
	key, err := keyFor(tenantID, resource, identifier)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", resource, err)
	}
	return nil
}

func keyFor(tenantID string, resource Resource, identifier any) (string, error) {
	if err := checkComponent("tenant", tenantID); err != nil {
		return "", err
	}
	if err := checkComponent("resource", string(resource)); err != nil {
		return "", err
	}
	id, err := identifierPart(resource, identifier)
	if err != nil {
		return "", err
	}
	return "tenant:" + tenantID + ":" + string(resource) + ":" + id, nil
}

// Components before the identifier must not contain the separator, otherwise
// ("a:b", "c") and ("a", "b:c") would share a prefix.
func checkComponent(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidScope, name)
	}
	if strings.Contains(v, ":") {
		return fmt.Errorf("%w: %s contains ':'", ErrInvalidScope, name)
	}
	return nil
}

func identifierPart(resource Resource, identifier any) (string, error) {
	switch id := identifier.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("%w: empty identifier", ErrInvalidScope)
		}
		return id, nil
	case nil:
		return "", fmt.Errorf("%w: nil identifier", ErrInvalidScope)
	default:
		digest, err := canonical.Digest("cache:"+string(resource), id)
		if err != nil {
			return "", fmt.Errorf("cache: hash identifier: %w", err)
		}
		return digest, nil
	}
}
