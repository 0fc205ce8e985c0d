// Package ratelimit implements sliding-window admission control over a shared
// counter store.
//
// Each policy keeps one counter per fixed window of length T. The number of events
// in the trailing T is estimated as prev*(1-elapsed/T) + cur, where prev and cur are
// the previous and current window counters. An admission is granted while that
// estimate is below the policy limit. Counters live in the kv.Store, so state is
// shared between processes and survives restarts.
//
// The limiter never waits or retries. A denial reports ResetAt, the earliest instant
// at which the next admission would be granted, and callers decide what to do.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/kv"
)

// Policy is one admission rule. A Limit <= 0 disables the policy.
type Policy struct {
	Limit  int
	Window time.Duration
	// Global policies share one window across all tenants. Otherwise the window is
	// keyed by the identifier passed to Admit (normally a tenant ID).
	Global bool
	// FailOpen admits requests when the counter store is unreachable. Metered paid
	// providers should fail closed.
	FailOpen bool
}

// Decision is the outcome of one admission request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// StoreUnavailable is set when the decision came from the fail-open/closed
	// policy instead of the counters.
	StoreUnavailable bool
}

// ErrUnknownScope is returned by Admit for a scope with no registered policy.
var ErrUnknownScope = errors.New("ratelimit: unknown scope")

// ErrMissingIdentifier is returned when a tenant-scoped policy gets no identifier.
var ErrMissingIdentifier = errors.New("ratelimit: identifier required")

// ExceededError reports a denied admission.
type ExceededError struct {
	Scope   string
	Limit   int
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: scope=%s limit=%d reset_at=%s",
		e.Scope, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter returns the wait until ResetAt, rounded up to whole seconds and at
// least one second.
func (e *ExceededError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}

// Limiter applies named policies against a kv.Store. It is safe for concurrent use
// and holds no mutable state of its own.
type Limiter struct {
	store    kv.Store
	policies map[string]Policy
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) { l.now = fn }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithPolicy registers policy under scope.
func WithPolicy(scope string, p Policy) Option {
	return func(l *Limiter) { l.policies[scope] = p }
}

// New creates a limiter over store.
func New(store kv.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:    store,
		policies: make(map[string]Policy),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Policy returns the policy registered for scope.
func (l *Limiter) Policy(scope string) (Policy, bool) {
	p, ok := l.policies[scope]
	return p, ok
}

// Admit requests one admission for identifier under scope.
//
// The returned error is non-nil only for programming errors (unknown scope, missing
// identifier). Denials are reported through Decision.Allowed; use Require to turn a
// denial into an *ExceededError.
func (l *Limiter) Admit(ctx context.Context, scope, identifier string) (Decision, error) {
	p, ok := l.policies[scope]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	now := l.now()
	if p.Limit <= 0 || p.Window <= 0 {
		return Decision{Allowed: true, Limit: p.Limit, Remaining: math.MaxInt32, ResetAt: now}, nil
	}
	subject, err := subjectFor(p, identifier)
	if err != nil {
		return Decision{}, err
	}

	windowMs := p.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	nowMs := now.UnixMilli()
	idx := nowMs / windowMs
	start := idx * windowMs
	elapsed := nowMs - start
	curKey := windowKey(scope, subject, idx)
	prevKey := windowKey(scope, subject, idx-1)
	ttl := 2*p.Window + time.Second

	prev, err := l.store.Counter(ctx, prevKey)
	if err != nil {
		return l.storeFailure(scope, p, now, start, windowMs, err), nil
	}
	cur, err := l.store.IncrBy(ctx, curKey, 1, ttl)
	if err != nil {
		return l.storeFailure(scope, p, now, start, windowMs, err), nil
	}

	before := cur - 1
	weight := 1 - float64(elapsed)/float64(windowMs)
	estimate := float64(prev)*weight + float64(before)
	if estimate >= float64(p.Limit) {
		// Give the slot back so denied requests do not consume the window.
		if _, err := l.store.IncrBy(ctx, curKey, -1, ttl); err != nil {
			l.logger.Warn("rate limit rollback failed", "scope", scope, "error", err)
		}
		return Decision{
			Allowed:   false,
			Limit:     p.Limit,
			Remaining: 0,
			ResetAt:   time.UnixMilli(resetAt(prev, before, int64(p.Limit), start, windowMs)),
		}, nil
	}

	remaining := p.Limit - int(math.Ceil(estimate+1))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(start + windowMs),
	}, nil
}

// Require is Admit that converts a denial into an *ExceededError.
func (l *Limiter) Require(ctx context.Context, scope, identifier string) (Decision, error) {
	d, err := l.Admit(ctx, scope, identifier)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, &ExceededError{Scope: scope, Limit: d.Limit, ResetAt: d.ResetAt}
	}
	return d, nil
}

func (l *Limiter) storeFailure(scope string, p Policy, now time.Time, start, windowMs int64, err error) Decision {
	l.logger.Warn("rate limit store unavailable",
		"scope", scope, "fail_open", p.FailOpen, "error", err)
	d := Decision{
		Allowed:          p.FailOpen,
		Limit:            p.Limit,
		ResetAt:          time.UnixMilli(start + windowMs),
		StoreUnavailable: true,
	}
	if !d.ResetAt.After(now) {
		d.ResetAt = now.Add(time.Second)
	}
	return d
}

// resetAt returns the first unix millisecond at which prev*(1-f)+cur < limit,
// assuming no further admissions in the meantime.
func resetAt(prev, cur, limit, start, windowMs int64) int64 {
	if cur < limit && prev > 0 {
		f := 1 - float64(limit-cur)/float64(prev)
		t := int64(math.Floor(f*float64(windowMs))) + 1
		if t < windowMs {
			return start + t
		}
	}
	next := start + windowMs
	if cur < limit {
		return next
	}
	// The current window becomes the previous one; wait until its weight decays.
	f := 1 - float64(limit)/float64(cur)
	return next + int64(math.Floor(f*float64(windowMs))) + 1
}

func subjectFor(p Policy, identifier string) (string, error) {
	if p.Global {
		return "global", nil
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", ErrMissingIdentifier
	}
	return "tenant:" + identifier, nil
}

func windowKey(scope, subject string, idx int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope, subject, idx)
}
