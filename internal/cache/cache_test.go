package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/prospect-enrichment/internal/kv"
	"github.com/shpitdev/prospect-enrichment/internal/kv/sqlitekv"
	"github.com/shpitdev/prospect-enrichment/internal/storage"
)

type filters struct {
	Titles   []string `json:"titles,omitempty"`
	Keywords string   `json:"keywords,omitempty"`
	Page     int      `json:"page"`
}

type reordered struct {
	Page     int      `json:"page"`
	Keywords string   `json:"keywords,omitempty"`
	Titles   []string `json:"titles,omitempty"`
}

type payload struct {
	Names []string `json:"names"`
}

func TestKeysNeverCollideAcrossTenants(t *testing.T) {
	t.Parallel()

	ids := []any{"abc", filters{Titles: []string{"CFO"}}, map[string]any{"page": 1}}
	for _, id := range ids {
		k1, err := keyFor("t1", ResourcePeopleSearch, id)
		require.NoError(t, err)
		k2, err := keyFor("t2", ResourcePeopleSearch, id)
		require.NoError(t, err)
		assert.NotEqual(t, k1, k2)
		assert.True(t, strings.HasPrefix(k1, "tenant:t1:people_search:"))
	}
}

func TestKeyIsOrderIndependent(t *testing.T) {
	t.Parallel()

	a, err := keyFor("t1", ResourcePeopleSearch, filters{Titles: []string{"CEO", "CFO"}, Keywords: "saas", Page: 2})
	require.NoError(t, err)
	b, err := keyFor("t1", ResourcePeopleSearch, reordered{Page: 2, Keywords: "saas", Titles: []string{"CEO", "CFO"}})
	require.NoError(t, err)
	c, err := keyFor("t1", ResourcePeopleSearch, map[string]any{"page": 2, "titles": []string{"CEO", "CFO"}, "keywords": "saas"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.Len(t, strings.TrimPrefix(a, "tenant:t1:people_search:"), 64)
}

func TestKeyRejectsUnscopedOrAmbiguousInput(t *testing.T) {
	t.Parallel()

	_, err := keyFor("", ResourcePeopleSearch, "x")
	require.ErrorIs(t, err, ErrInvalidScope)
	_, err = keyFor("a:b", ResourcePeopleSearch, "x")
	require.ErrorIs(t, err, ErrInvalidScope)
	_, err = keyFor("a", Resource("b:c"), "x")
	require.ErrorIs(t, err, ErrInvalidScope)
	_, err = keyFor("a", ResourceContact, "")
	require.ErrorIs(t, err, ErrInvalidScope)
	_, err = keyFor("a", ResourceContact, nil)
	require.ErrorIs(t, err, ErrInvalidScope)
}

func TestStringIdentifierVerbatim(t *testing.T) {
	t.Parallel()

	k, err := keyFor("t1", ResourceContact, "jane@acme.com")
	require.NoError(t, err)
	assert.Equal(t, "tenant:t1:contact:jane@acme.com", k)
}

func newCache(t *testing.T, now func() time.Time) (*Cache, kv.Store) {
	t.Helper()
	store := sqlitekv.New(storage.OpenMemory(t), sqlitekv.WithClock(now))
	return New(store, WithDefaultTTL(time.Hour)), store
}

func TestGetSetInvalidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c, _ := newCache(t, func() time.Time { return now })
	ctx := context.Background()
	id := filters{Titles: []string{"VP Sales"}}

	_, ok, err := Get[payload](ctx, c, "t1", ResourcePeopleSearch, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, Set(ctx, c, "t1", ResourcePeopleSearch, id, payload{Names: []string{"Ada"}}, 0))

	got, ok, err := Get[payload](ctx, c, "t1", ResourcePeopleSearch, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"Ada"}, got.Names)

	_, ok, err = Get[payload](ctx, c, "t2", ResourcePeopleSearch, id)
	require.NoError(t, err)
	assert.False(t, ok, "another tenant must not see the entry")

	require.NoError(t, c.Invalidate(ctx, "t1", ResourcePeopleSearch, id))
	_, ok, err = Get[payload](ctx, c, "t1", ResourcePeopleSearch, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDefaultTTLApplies(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c, _ := newCache(t, clock)
	ctx := context.Background()

	require.NoError(t, Set(ctx, c, "t1", ResourceContact, "k", payload{}, 0))
	now = now.Add(59 * time.Minute)
	_, ok, err := Get[payload](ctx, c, "t1", ResourceContact, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = Get[payload](ctx, c, "t1", ResourceContact, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUndecodableValueIsAMiss(t *testing.T) {
	now := time.Now()
	c, store := newCache(t, func() time.Time { return now })
	ctx := context.Background()

	key, err := keyFor("t1", ResourceContact, "k")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, key, []byte("not json"), time.Hour))

	_, ok, err := Get[payload](ctx, c, "t1", ResourceContact, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
