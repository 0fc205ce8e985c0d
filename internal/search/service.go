// Package search implements people search for a tenant: rate-limited,
// read-through cached and guarded by the people-search provider's breaker.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/activity"
	"github.com/shpitdev/prospect-enrichment/internal/auth"
	"github.com/shpitdev/prospect-enrichment/internal/breaker"
	"github.com/shpitdev/prospect-enrichment/internal/cache"
	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/logging"
	"github.com/shpitdev/prospect-enrichment/internal/ratelimit"
)

// Scope is the rate-limit policy and breaker name for people search.
const Scope = "people_search"

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// ErrInvalidQuery wraps malformed search input.
var ErrInvalidQuery = errors.New("invalid search query")

// Provider is the people-search upstream.
type Provider interface {
	Search(ctx context.Context, q Query) (Page, error)
}

type Service struct {
	provider Provider
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	breaker  *breaker.Breaker
	activity activity.Recorder
	logger   *slog.Logger
	ttl      time.Duration
}

type Option func(*Service)

func WithActivity(r activity.Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.activity = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCacheTTL overrides the cache default for search pages.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

func NewService(p Provider, limiter *ratelimit.Limiter, c *cache.Cache, b *breaker.Breaker, opts ...Option) *Service {
	s := &Service{
		provider: p,
		limiter:  limiter,
		cache:    c,
		breaker:  b,
		activity: activity.Nop{},
		logger:   logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "search")
	return s
}

// SearchPeople returns one page of people matching filters.
//
// A denied admission returns *ratelimit.ExceededError. An unavailable provider
// (open circuit, 5xx, timeout) yields an empty, degraded result and no error.
// Only successful provider responses are cached.
func (s *Service) SearchPeople(ctx context.Context, p auth.Principal, filters Filters, page, pageSize int) (Result, error) {
	if !p.Valid() {
		return Result{}, fmt.Errorf("%w: principal requires tenant and user", ErrInvalidQuery)
	}
	q, err := buildQuery(filters, page, pageSize)
	if err != nil {
		return Result{}, err
	}

	if _, err := s.limiter.Require(ctx, Scope, p.TenantID); err != nil {
		return Result{}, err
	}

	if hit, ok, err := cache.Get[Page](ctx, s.cache, p.TenantID, cache.ResourcePeopleSearch, q); err != nil {
		s.logger.Warn("search cache read failed", "tenant_id", p.TenantID, "error", err)
	} else if ok {
		res := Result{People: hit.People, Pagination: hit.Pagination, Cached: true}
		s.record(ctx, p, q, res)
		return res, nil
	}

	fallback := Page{People: []Person{}, Pagination: Pagination{Page: q.Page, PerPage: q.PageSize}}
	live, err := breaker.Call(ctx, s.breaker, func(ctx context.Context) (Page, error) {
		return s.provider.Search(ctx, q)
	}, fallback)
	if err != nil {
		if !unavailable(err) {
			return Result{}, fmt.Errorf("people search: %w", err)
		}
		s.logger.Warn("people search degraded", "tenant_id", p.TenantID, "error", err)
		res := Result{People: fallback.People, Pagination: fallback.Pagination, Degraded: true}
		s.record(ctx, p, q, res)
		return res, nil
	}
	if live.People == nil {
		live.People = []Person{}
	}

	if err := cache.Set(ctx, s.cache, p.TenantID, cache.ResourcePeopleSearch, q, live, s.ttl); err != nil {
		s.logger.Warn("search cache write failed", "tenant_id", p.TenantID, "error", err)
	}
	res := Result{People: live.People, Pagination: live.Pagination}
	s.record(ctx, p, q, res)
	return res, nil
}

func buildQuery(filters Filters, page, pageSize int) (Query, error) {
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		return Query{}, fmt.Errorf("%w: page must be >= 1", ErrInvalidQuery)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return Query{}, fmt.Errorf("%w: page_size must be between 1 and %d", ErrInvalidQuery, MaxPageSize)
	}
	return Query{Filters: filters.Normalized(), Page: page, PageSize: pageSize}, nil
}

func unavailable(err error) bool {
	return errors.Is(err, breaker.ErrOpen) || enrich.IsTransient(err)
}

func (s *Service) record(ctx context.Context, p auth.Principal, q Query, res Result) {
	s.activity.Record(ctx, activity.Event{
		TenantID:   p.TenantID,
		UserID:     p.UserID,
		Action:     activity.ActionSearchPerformed,
		EntityType: "search",
		Details: map[string]any{
			"filters":   q.Filters,
			"page":      q.Page,
			"page_size": q.PageSize,
			"results":   len(res.People),
			"cached":    res.Cached,
			"degraded":  res.Degraded,
		},
	})
}
