// Package breaker guards calls to one external provider with a circuit breaker.
//
// Each provider gets its own Breaker. Outcomes are tallied in a time-bucketed
// rolling window; once the window holds enough calls and the failure ratio is
// above the threshold the circuit opens and callers receive their fallback
// without the provider being contacted. After the reset timeout a single probe
// is let through, and its outcome either closes the circuit or re-opens it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/logging"
)

// State is the circuit state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrOpen is returned, together with the caller's fallback, when the circuit
// rejects a call.
var ErrOpen = errors.New("circuit open")

// TimeoutError reports a provider call that exceeded the hard per-call timeout.
// It is transient and always counts as a failure.
type TimeoutError struct {
	Provider string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: provider call timed out after %s", e.Provider, e.After)
}

func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// Transition is emitted on every state change.
type Transition struct {
	Provider string
	From     State
	To       State
	At       time.Time
}

type bucket struct {
	epoch    int64
	calls    int
	failures int
}

type counters struct {
	calls      int64
	failures   int64
	timeouts   int64
	rejections int64
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string

	window          time.Duration
	nBuckets        int
	volumeThreshold int
	errorThreshold  float64
	resetTimeout    time.Duration
	timeout         time.Duration
	isFailure       func(error) bool
	now             func() time.Time
	logger          *slog.Logger

	mu        sync.Mutex
	state     State
	buckets   []bucket
	openedAt  time.Time
	probing   bool
	stats     counters
	listeners []func(Transition)
}

type Option func(*Breaker)

// WithWindow sets the rolling window length and the number of buckets it is
// split into.
func WithWindow(d time.Duration, buckets int) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.window = d
		}
		if buckets > 0 {
			b.nBuckets = buckets
		}
	}
}

// WithVolumeThreshold sets the minimum number of calls in the window before the
// failure ratio is considered.
func WithVolumeThreshold(n int) Option {
	return func(b *Breaker) { b.volumeThreshold = n }
}

// WithErrorThreshold sets the failure ratio above which the circuit opens.
func WithErrorThreshold(ratio float64) Option {
	return func(b *Breaker) { b.errorThreshold = ratio }
}

func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithTimeout sets the hard per-call timeout. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.timeout = d }
}

// WithFailurePredicate decides which errors count against the provider. Errors
// the predicate rejects are returned to the caller but tallied as successes.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.now = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// OnStateChange registers a listener. Listeners run synchronously after the
// breaker lock is released.
func OnStateChange(fn func(Transition)) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.listeners = append(b.listeners, fn)
		}
	}
}

// New returns a closed breaker for provider name. Defaults: 10s window in 10
// buckets, 5 calls minimum, 50% error ratio, 30s reset, 10s hard timeout.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:            name,
		window:          10 * time.Second,
		nBuckets:        10,
		volumeThreshold: 5,
		errorThreshold:  0.5,
		resetTimeout:    30 * time.Second,
		timeout:         10 * time.Second,
		isFailure:       enrich.IsTransient,
		now:             time.Now,
		logger:          logging.Discard(),
	}
	for _, o := range opts {
		o(b)
	}
	b.buckets = make([]bucket, b.nBuckets)
	b.logger = b.logger.With("component", "breaker", "provider", name)
	return b
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving an expired open circuit to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	t := b.maybeHalfOpen()
	s := b.state
	b.mu.Unlock()
	b.emit(t)
	return s
}

// Reset forces the breaker closed and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.transition(Closed)
	b.clearWindow()
	b.probing = false
	b.mu.Unlock()
	b.emit(t)
}

// Call runs fn through the breaker. When the circuit rejects the call fn is not
// invoked and fallback is returned with an error wrapping ErrOpen. When fn fails
// its own return value is discarded in favour of fallback.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error), fallback T) (T, error) {
	probe, ok := b.allow()
	if !ok {
		return fallback, fmt.Errorf("%s: %w", b.name, ErrOpen)
	}

	out, err := invoke(ctx, b, fn)
	if err != nil && ctx.Err() != nil && !isTimeout(err) {
		// Caller gave up; the provider's health is unknown.
		b.abandon(probe)
		return fallback, err
	}
	b.record(probe, err)
	if err != nil {
		return fallback, err
	}
	return out, nil
}

type result[T any] struct {
	v   T
	err error
}

// invoke enforces the hard timeout even when fn ignores its context: the call
// keeps running in its goroutine but the caller is released.
func invoke[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if b.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
	}
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		var r result[T]
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("%s: provider call panicked: %v", b.name, p)
			}
			done <- r
		}()
		r.v, r.err = fn(callCtx)
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil && callCtx.Err() != nil {
			var zero T
			return zero, &TimeoutError{Provider: b.name, After: b.timeout}
		}
		return r.v, r.err
	case <-callCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Provider: b.name, After: b.timeout}
	}
}

func isTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// allow reports whether a call may proceed and whether it is the half-open probe.
func (b *Breaker) allow() (probe, ok bool) {
	b.mu.Lock()
	t := b.maybeHalfOpen()
	switch b.state {
	case Open:
		ok = false
	case HalfOpen:
		if !b.probing {
			b.probing = true
			probe, ok = true, true
		}
	default:
		ok = true
	}
	if !ok {
		b.stats.rejections++
	}
	b.mu.Unlock()
	b.emit(t)
	return probe, ok
}

func (b *Breaker) record(probe bool, err error) {
	failed := err != nil && (isTimeout(err) || b.isFailure(err))

	b.mu.Lock()
	b.stats.calls++
	if failed {
		b.stats.failures++
	}
	if isTimeout(err) {
		b.stats.timeouts++
	}

	var t *Transition
	switch {
	case probe:
		b.probing = false
		if failed {
			t = b.transition(Open)
		} else {
			t = b.transition(Closed)
			b.clearWindow()
		}
	case b.state == Closed:
		bk := b.currentBucket()
		bk.calls++
		if failed {
			bk.failures++
			calls, failures := b.tally()
			if calls >= b.volumeThreshold && float64(failures)/float64(calls) > b.errorThreshold {
				t = b.transition(Open)
			}
		}
	}
	// Outcomes of calls admitted before the circuit opened are counted in stats
	// only.
	b.mu.Unlock()
	b.emit(t)
}

func (b *Breaker) abandon(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Must be called with mu held.
func (b *Breaker) maybeHalfOpen() *Transition {
	if b.state == Open && !b.now().Before(b.openedAt.Add(b.resetTimeout)) {
		return b.transition(HalfOpen)
	}
	return nil
}

// Must be called with mu held.
func (b *Breaker) transition(to State) *Transition {
	if b.state == to {
		return nil
	}
	now := b.now()
	t := &Transition{Provider: b.name, From: b.state, To: to, At: now}
	b.state = to
	if to == Open {
		b.openedAt = now
	}
	return t
}

func (b *Breaker) bucketWidth() time.Duration {
	w := b.window / time.Duration(b.nBuckets)
	if w <= 0 {
		w = time.Millisecond
	}
	return w
}

// Must be called with mu held.
func (b *Breaker) currentBucket() *bucket {
	epoch := b.now().UnixNano() / int64(b.bucketWidth())
	bk := &b.buckets[int(epoch%int64(b.nBuckets))]
	if bk.epoch != epoch {
		*bk = bucket{epoch: epoch}
	}
	return bk
}

// Must be called with mu held.
func (b *Breaker) tally() (calls, failures int) {
	epoch := b.now().UnixNano() / int64(b.bucketWidth())
	oldest := epoch - int64(b.nBuckets) + 1
	for _, bk := range b.buckets {
		if bk.epoch >= oldest && bk.epoch <= epoch {
			calls += bk.calls
			failures += bk.failures
		}
	}
	return calls, failures
}

// Must be called with mu held.
func (b *Breaker) clearWindow() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
}

func (b *Breaker) emit(t *Transition) {
	if t == nil {
		return
	}
	level := slog.LevelInfo
	if t.To == Open {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit state change", "from", t.From.String(), "to", t.To.String())
	for _, fn := range b.listeners {
		fn(*t)
	}
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Provider       string     `json:"provider"`
	State          State      `json:"state"`
	Calls          int64      `json:"calls"`
	Failures       int64      `json:"failures"`
	Timeouts       int64      `json:"timeouts"`
	Rejections     int64      `json:"rejections"`
	WindowCalls    int        `json:"window_calls"`
	WindowFailures int        `json:"window_failures"`
	OpenedAt       *time.Time `json:"opened_at,omitempty"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	t := b.maybeHalfOpen()
	calls, failures := b.tally()
	s := Snapshot{
		Provider:       b.name,
		State:          b.state,
		Calls:          b.stats.calls,
		Failures:       b.stats.failures,
		Timeouts:       b.stats.timeouts,
		Rejections:     b.stats.rejections,
		WindowCalls:    calls,
		WindowFailures: failures,
	}
	if b.state != Closed {
		at := b.openedAt
		s.OpenedAt = &at
	}
	b.mu.Unlock()
	b.emit(t)
	return s
}
