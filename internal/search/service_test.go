package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/prospect-enrichment/internal/activity"
	"github.com/shpitdev/prospect-enrichment/internal/auth"
	"github.com/shpitdev/prospect-enrichment/internal/breaker"
	"github.com/shpitdev/prospect-enrichment/internal/cache"
	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/kv/sqlitekv"
	"github.com/shpitdev/prospect-enrichment/internal/ratelimit"
	"github.com/shpitdev/prospect-enrichment/internal/storage"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   []Query
	page    Page
	err     error
	perCall func(n int) error
}

func (f *fakeProvider) Search(_ context.Context, q Query) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)
	if f.perCall != nil {
		if err := f.perCall(len(f.calls)); err != nil {
			return Page{}, err
		}
	}
	if f.err != nil {
		return Page{}, f.err
	}
	return f.page, nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recorder struct {
	mu     sync.Mutex
	events []activity.Event
}

func (r *recorder) Record(_ context.Context, ev activity.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type fixture struct {
	svc      *Service
	provider *fakeProvider
	breaker  *breaker.Breaker
	activity *recorder
}

func newFixture(t *testing.T, limit int) fixture {
	t.Helper()
	db := storage.OpenMemory(t)
	store := sqlitekv.New(db)
	limiter := ratelimit.New(store, ratelimit.WithPolicy(Scope, ratelimit.Policy{Limit: limit, Window: time.Hour}))
	p := &fakeProvider{page: Page{
		People: []Person{{ExternalID: "p-1", FullName: "Ada Lovelace", Title: "CTO", Company: "Analytical"}},
		Pagination: Pagination{
			Page: 1, PerPage: 25, TotalEntries: 1, TotalPages: 1,
		},
	}}
	b := breaker.New(Scope)
	rec := &recorder{}
	svc := NewService(p, limiter, cache.New(store), b, WithActivity(rec))
	return fixture{svc: svc, provider: p, breaker: b, activity: rec}
}

var alice = auth.Principal{TenantID: "tenant-a", UserID: "alice"}

func TestSearchPeople_CachesSuccessfulPages(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	filters := Filters{Titles: []string{"CTO", "VP Engineering"}, Locations: []string{"Berlin"}}

	first, err := f.svc.SearchPeople(ctx, alice, filters, 1, 25)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	require.Len(t, first.People, 1)

	reordered := Filters{Locations: []string{"Berlin"}, Titles: []string{"VP Engineering", "CTO", "CTO"}}
	second, err := f.svc.SearchPeople(ctx, alice, reordered, 1, 25)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.People, second.People)
	assert.Equal(t, 1, f.provider.Calls())
}

func TestSearchPeople_CacheIsTenantScoped(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.svc.SearchPeople(ctx, alice, Filters{Keywords: "fintech"}, 1, 25)
	require.NoError(t, err)

	bob := auth.Principal{TenantID: "tenant-b", UserID: "bob"}
	res, err := f.svc.SearchPeople(ctx, bob, Filters{Keywords: "fintech"}, 1, 25)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, f.provider.Calls())
}

func TestSearchPeople_RateLimited(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := f.svc.SearchPeople(ctx, alice, Filters{}, i, 25)
		require.NoError(t, err)
	}
	_, err := f.svc.SearchPeople(ctx, alice, Filters{}, 3, 25)
	var exceeded *ratelimit.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, Scope, exceeded.Scope)
	assert.True(t, exceeded.ResetAt.After(time.Now()))
	assert.Equal(t, 2, f.provider.Calls())
}

func TestSearchPeople_DegradesOnUnavailableProvider(t *testing.T) {
	f := newFixture(t, 100)
	f.provider.err = &enrich.TransientError{Err: errors.New("503")}
	ctx := context.Background()

	res, err := f.svc.SearchPeople(ctx, alice, Filters{Keywords: "x"}, 1, 10)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.People)
	assert.NotNil(t, res.People)
	assert.Equal(t, Pagination{Page: 1, PerPage: 10}, res.Pagination)

	// Fallbacks are never cached.
	f.provider.mu.Lock()
	f.provider.err = nil
	f.provider.mu.Unlock()
	res, err = f.svc.SearchPeople(ctx, alice, Filters{Keywords: "x"}, 1, 10)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.False(t, res.Degraded)
	assert.Len(t, res.People, 1)
}

func TestSearchPeople_OpenCircuitSkipsProvider(t *testing.T) {
	f := newFixture(t, 100)
	f.provider.err = &enrich.TransientError{Err: errors.New("503")}
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := f.svc.SearchPeople(ctx, alice, Filters{}, i, 10)
		require.NoError(t, err)
	}
	require.Equal(t, breaker.Open, f.breaker.State())

	res, err := f.svc.SearchPeople(ctx, alice, Filters{}, 6, 10)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, 5, f.provider.Calls())
}

func TestSearchPeople_BusinessErrorPropagates(t *testing.T) {
	f := newFixture(t, 100)
	f.provider.err = errors.New("decode response: bad json")

	_, err := f.svc.SearchPeople(context.Background(), alice, Filters{}, 1, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad json")
}

func TestSearchPeople_Validation(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.svc.SearchPeople(ctx, alice, Filters{}, -1, 10)
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = f.svc.SearchPeople(ctx, alice, Filters{}, 1, MaxPageSize+1)
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = f.svc.SearchPeople(ctx, auth.Principal{UserID: "x"}, Filters{}, 1, 10)
	require.ErrorIs(t, err, ErrInvalidQuery)
	assert.Zero(t, f.provider.Calls())

	res, err := f.svc.SearchPeople(ctx, alice, Filters{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, f.provider.calls, 1)
	assert.Equal(t, 1, f.provider.calls[0].Page)
	assert.Equal(t, DefaultPageSize, f.provider.calls[0].PageSize)
	assert.Len(t, res.People, 1)
}

func TestSearchPeople_RecordsActivity(t *testing.T) {
	f := newFixture(t, 100)
	_, err := f.svc.SearchPeople(context.Background(), alice, Filters{Keywords: "ml"}, 1, 10)
	require.NoError(t, err)

	require.Len(t, f.activity.events, 1)
	ev := f.activity.events[0]
	assert.Equal(t, activity.ActionSearchPerformed, ev.Action)
	assert.Equal(t, "tenant-a", ev.TenantID)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, 1, ev.Details["results"])
}

func TestFiltersNormalized(t *testing.T) {
	f := Filters{
		Titles:   []string{" CTO ", "", "CEO", "CTO"},
		Keywords: "  machine   learning ",
	}
	n := f.Normalized()
	assert.Equal(t, []string{"CEO", "CTO"}, n.Titles)
	assert.Equal(t, "machine learning", n.Keywords)
	assert.Nil(t, n.Locations)
	assert.True(t, Filters{Titles: []string{" "}}.Empty())
	assert.False(t, f.Empty())
}

func TestPersonCandidate(t *testing.T) {
	c := Person{ExternalID: "ps-9", FullName: "Grace Hopper", WorkEmail: "grace@navy.mil"}.Candidate("peoplesearch")
	assert.Equal(t, "Grace Hopper", c.FullName)
	assert.Equal(t, map[string]string{"peoplesearch": "ps-9"}, c.ExternalIDs)
}
