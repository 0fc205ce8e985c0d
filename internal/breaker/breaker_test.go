package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/prospect-enrichment/internal/enrich"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errUpstream = &enrich.TransientError{Err: errors.New("upstream 503")}

func failing(_ context.Context) ([]string, error) { return nil, errUpstream }

func succeeding(_ context.Context) ([]string, error) { return []string{"ok"}, nil }

func tripOpen(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 5; i++ {
		_, err := Call(context.Background(), b, failing, nil)
		require.ErrorIs(t, err, errUpstream)
	}
	require.Equal(t, Open, b.State())
}

func TestBreaker_OpensAfterVolumeAndRatio(t *testing.T) {
	clock := newFakeClock()
	b := New("peoplesearch", WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		_, _ = Call(context.Background(), b, failing, nil)
	}
	assert.Equal(t, Closed, b.State(), "below volume threshold")

	_, _ = Call(context.Background(), b, failing, nil)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_StaysClosedAtHalfFailures(t *testing.T) {
	clock := newFakeClock()
	b := New("contact", WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		_, _ = Call(context.Background(), b, succeeding, nil)
		_, _ = Call(context.Background(), b, failing, nil)
	}
	// 5 of 10 is not above 50%.
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_OpenReturnsFallbackWithoutCalling(t *testing.T) {
	clock := newFakeClock()
	b := New("peoplesearch", WithClock(clock.Now))
	tripOpen(t, b)

	var calls atomic.Int32
	out, err := Call(context.Background(), b, func(context.Context) ([]string, error) {
		calls.Add(1)
		return []string{"live"}, nil
	}, []string{})

	require.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, []string{}, out)
	assert.Zero(t, calls.Load())
	assert.Equal(t, int64(1), b.Snapshot().Rejections)
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := New("filings", WithClock(clock.Now))
	tripOpen(t, b)

	clock.Advance(29 * time.Second)
	assert.Equal(t, Open, b.State())
	clock.Advance(time.Second)
	assert.Equal(t, HalfOpen, b.State())

	out, err := Call(context.Background(), b, succeeding, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, out)
	assert.Equal(t, Closed, b.State())

	snap := b.Snapshot()
	assert.Zero(t, snap.WindowCalls, "tally resets on close")
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("filings", WithClock(clock.Now))
	tripOpen(t, b)

	clock.Advance(30 * time.Second)
	_, err := Call(context.Background(), b, failing, nil)
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, Open, b.State())

	// Reset timer restarted on re-entry.
	clock.Advance(29 * time.Second)
	assert.Equal(t, Open, b.State())
	clock.Advance(time.Second)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := New("webintel", WithClock(clock.Now))
	tripOpen(t, b)
	clock.Advance(30 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var probeErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, probeErr = Call(context.Background(), b, func(context.Context) ([]string, error) {
			close(started)
			<-release
			return []string{"ok"}, nil
		}, nil)
	}()
	<-started

	_, err := Call(context.Background(), b, succeeding, []string{"fallback"})
	require.ErrorIs(t, err, ErrOpen, "second caller during probe gets the fallback")

	close(release)
	<-done
	require.NoError(t, probeErr)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_BusinessErrorsDoNotTrip(t *testing.T) {
	clock := newFakeClock()
	b := New("contact", WithClock(clock.Now))
	malformed := errors.New("decode response: unexpected EOF")

	for i := 0; i < 20; i++ {
		_, err := Call(context.Background(), b, func(context.Context) ([]string, error) {
			return nil, malformed
		}, nil)
		require.ErrorIs(t, err, malformed)
	}
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_WindowExpiresOldFailures(t *testing.T) {
	clock := newFakeClock()
	b := New("contact", WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		_, _ = Call(context.Background(), b, failing, nil)
	}
	clock.Advance(11 * time.Second)
	_, _ = Call(context.Background(), b, failing, nil)

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Snapshot().WindowCalls)
}

func TestBreaker_HardTimeoutCountsAsFailure(t *testing.T) {
	b := New("summarization", WithTimeout(20*time.Millisecond), WithVolumeThreshold(1))

	block := make(chan struct{})
	defer close(block)
	start := time.Now()
	out, err := Call(context.Background(), b, func(context.Context) (string, error) {
		<-block // ignores its context
		return "late", nil
	}, "fallback")

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, enrich.IsTransient(err))
	assert.Equal(t, "fallback", out)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Open, b.State())
	assert.Equal(t, int64(1), b.Snapshot().Timeouts)
}

func TestBreaker_CallerCancelIsNotAFailure(t *testing.T) {
	b := New("webintel", WithVolumeThreshold(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Call(ctx, b, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_PanicBecomesError(t *testing.T) {
	b := New("contact")
	_, err := Call(context.Background(), b, func(context.Context) (int, error) {
		panic("boom")
	}, -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestBreaker_EmitsTransitions(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var seen []string
	b := New("peoplesearch", WithClock(clock.Now), OnStateChange(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "peoplesearch", tr.Provider)
		seen = append(seen, tr.From.String()+"->"+tr.To.String())
	}))

	tripOpen(t, b)
	clock.Advance(30 * time.Second)
	_, err := Call(context.Background(), b, succeeding, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, seen)
}

func TestBreaker_ResetCloses(t *testing.T) {
	b := New("filings")
	tripOpen(t, b)
	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Snapshot().WindowCalls)
}

func TestRegistry_IsolatesProviders(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now))
	r.Configure("filings", WithVolumeThreshold(1))

	_, _ = Call(context.Background(), r.For("filings"), failing, nil)
	assert.Equal(t, Open, r.For("filings").State())
	assert.Equal(t, Closed, r.For("peoplesearch").State())
	assert.Same(t, r.For("filings"), r.For("filings"))

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "filings", snaps[0].Provider)
	assert.Equal(t, Open, snaps[0].State)
	assert.NotNil(t, snaps[0].OpenedAt)
	assert.Equal(t, "peoplesearch", snaps[1].Provider)
}
