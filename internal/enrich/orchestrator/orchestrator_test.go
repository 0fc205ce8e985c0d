package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/prospect-enrichment/internal/activity"
	"github.com/shpitdev/prospect-enrichment/internal/breaker"
	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/kv/sqlitekv"
	"github.com/shpitdev/prospect-enrichment/internal/logging"
	"github.com/shpitdev/prospect-enrichment/internal/prospect"
	"github.com/shpitdev/prospect-enrichment/internal/queue"
	"github.com/shpitdev/prospect-enrichment/internal/ratelimit"
	"github.com/shpitdev/prospect-enrichment/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type published struct {
	id      string
	payload []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, id string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, published{id: id, payload: payload})
	return nil
}

func (p *recordingPublisher) event(t *testing.T, i int) enrich.Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Greater(t, len(p.jobs), i)
	var ev enrich.Event
	require.NoError(t, json.Unmarshal(p.jobs[i].payload, &ev))
	return ev
}

type fakeContact struct {
	calls atomic.Int32
	fn    func(enrich.ContactQuery) (*prospect.ContactData, error)
}

func (f *fakeContact) FindContact(_ context.Context, q enrich.ContactQuery) (*prospect.ContactData, error) {
	f.calls.Add(1)
	return f.fn(q)
}

type fakeWebIntel struct {
	calls atomic.Int32
	fn    func(enrich.MentionQuery) (*prospect.WebIntelData, error)
}

func (f *fakeWebIntel) SearchMentions(_ context.Context, q enrich.MentionQuery) (*prospect.WebIntelData, error) {
	f.calls.Add(1)
	return f.fn(q)
}

type fakeFilings struct {
	calls atomic.Int32
	fn    func(enrich.FilingsQuery) (*prospect.FilingsData, error)
}

func (f *fakeFilings) InsiderTransactions(_ context.Context, q enrich.FilingsQuery) (*prospect.FilingsData, error) {
	f.calls.Add(1)
	return f.fn(q)
}

type fakeSummarizer struct {
	calls atomic.Int32
	fn    func(enrich.SummaryInput) (enrich.Summary, error)
}

func (f *fakeSummarizer) Summarize(_ context.Context, in enrich.SummaryInput) (enrich.Summary, error) {
	f.calls.Add(1)
	return f.fn(in)
}

type fixture struct {
	clock     *clock
	store     *prospect.Store
	resolver  *prospect.Resolver
	activity  *activity.Logger
	limiter   *ratelimit.Limiter
	breakers  *breaker.Registry
	publisher *recordingPublisher

	contact    *fakeContact
	webIntel   *fakeWebIntel
	filings    *fakeFilings
	summarizer *fakeSummarizer
}

func newFixture(t *testing.T, policies map[string]ratelimit.Policy) *fixture {
	t.Helper()
	db := storage.OpenMemory(t)
	f := &fixture{clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}}
	f.store = prospect.NewStore(db, prospect.WithStoreClock(f.clock.Now))
	f.activity = activity.New(db, activity.WithClock(f.clock.Now), activity.WithLogger(logging.Discard()))
	f.resolver = prospect.NewResolver(f.store, f.activity, logging.Discard())

	opts := []ratelimit.Option{ratelimit.WithClock(f.clock.Now), ratelimit.WithLogger(logging.Discard())}
	for scope, p := range policies {
		opts = append(opts, ratelimit.WithPolicy(scope, p))
	}
	f.limiter = ratelimit.New(sqlitekv.New(db, sqlitekv.WithClock(f.clock.Now)), opts...)
	f.breakers = breaker.NewRegistry(breaker.WithClock(f.clock.Now), breaker.WithLogger(logging.Discard()))
	f.publisher = &recordingPublisher{}

	f.contact = &fakeContact{fn: func(enrich.ContactQuery) (*prospect.ContactData, error) {
		return &prospect.ContactData{WorkEmail: "ada@engines.example", WorkPhone: "+1 555 0100", Confidence: 91}, nil
	}}
	f.webIntel = &fakeWebIntel{fn: func(q enrich.MentionQuery) (*prospect.WebIntelData, error) {
		return &prospect.WebIntelData{Query: q.Name, Mentions: []prospect.WebMention{
			{Title: "Ada Lovelace joins Analytical Engines as CFO", URL: "https://news.example/ada"},
		}}, nil
	}}
	f.filings = &fakeFilings{fn: func(q enrich.FilingsQuery) (*prospect.FilingsData, error) {
		return &prospect.FilingsData{CompanyFilingID: q.CompanyFilingID, Transactions: []prospect.InsiderTransaction{
			{ReportingOwner: "Lovelace Ada", Form: "4", TransactionDate: "2026-01-15", AcquiredDisposed: "A", Shares: 1000},
		}}, nil
	}}
	f.summarizer = &fakeSummarizer{fn: func(enrich.SummaryInput) (enrich.Summary, error) {
		return enrich.Summary{Text: "Finance leader at Analytical Engines.", KeyPoints: []string{"Recently appointed CFO"}}, nil
	}}
	return f
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	providers := Providers{Contact: f.contact, WebIntel: f.webIntel, Filings: f.filings, Summarizer: f.summarizer}
	var n atomic.Int32
	base := []Option{
		WithClock(f.clock.Now),
		WithActivity(f.activity),
		WithRunIDs(func() string { return fmt.Sprintf("run_%d", n.Add(1)) }),
	}
	return New(f.store, providers, f.limiter, f.breakers, f.publisher, append(base, opts...)...)
}

func (f *fixture) prospect(t *testing.T, public bool) prospect.Prospect {
	t.Helper()
	c := prospect.Candidate{
		FirstName:     "Ada",
		LastName:      "Lovelace",
		FullName:      "Ada Lovelace",
		Title:         "CFO",
		Company:       "Analytical Engines",
		CompanyDomain: "engines.example",
		WorkEmail:     "ada@engines.example",
		CreatedBy:     "u1",
	}
	if public {
		c.IsPublicCompany = true
		c.CompanyFilingID = "0000320193"
	}
	p, err := f.resolver.Upsert(context.Background(), "t1", c, nil)
	require.NoError(t, err)
	return p
}

func (f *fixture) get(t *testing.T, id string) prospect.Prospect {
	t.Helper()
	p, err := f.store.Get(context.Background(), "t1", id)
	require.NoError(t, err)
	return p
}

func (f *fixture) actions(t *testing.T) []string {
	t.Helper()
	evs, err := f.activity.Recent(context.Background(), "t1", 50)
	require.NoError(t, err)
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Action)
	}
	return out
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enriched := now.Add(-6 * 24 * time.Hour)
	old := now.Add(-8 * 24 * time.Hour)

	cases := []struct {
		name string
		p    prospect.Prospect
		want bool
	}{
		{"never enriched", prospect.Prospect{EnrichmentStatus: prospect.StatusNone}, true},
		{"failed", prospect.Prospect{EnrichmentStatus: prospect.StatusFailed, LastEnrichedAt: &enriched}, true},
		{"in progress", prospect.Prospect{EnrichmentStatus: prospect.StatusInProgress}, true},
		{"fresh", prospect.Prospect{EnrichmentStatus: prospect.StatusComplete, LastEnrichedAt: &enriched}, false},
		{"stale", prospect.Prospect{EnrichmentStatus: prospect.StatusComplete, LastEnrichedAt: &old}, true},
		{"complete without timestamp", prospect.Prospect{EnrichmentStatus: prospect.StatusComplete}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Due(tc.p, now, DefaultStaleAfter))
		})
	}
}

func TestTrigger_SecondTriggerSeesInProgress(t *testing.T) {
	f := newFixture(t, nil)
	o := f.orchestrator()
	p := f.prospect(t, false)
	ctx := context.Background()

	res, err := o.Trigger(ctx, p.ID, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, Started, res)

	res, err = o.Trigger(ctx, p.ID, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, InProgress, res)

	require.Len(t, f.publisher.jobs, 1)
	ev := f.publisher.event(t, 0)
	assert.Equal(t, "run_1", f.publisher.jobs[0].id)
	assert.Equal(t, "run_1", ev.RunID)
	assert.Equal(t, p.ID, ev.ProspectID)
	assert.Equal(t, "u1", ev.UserID)

	got := f.get(t, p.ID)
	assert.Equal(t, prospect.StatusInProgress, got.EnrichmentStatus)
	for _, src := range prospect.Sources {
		assert.Equal(t, prospect.StatePending, got.SourceStatus[src].Status, src)
	}
	assert.Contains(t, f.actions(t), activity.ActionEnrichmentStarted)
}

func TestTrigger_ConcurrentTriggersStartOneRun(t *testing.T) {
	f := newFixture(t, nil)
	o := f.orchestrator()
	p := f.prospect(t, false)

	var wg sync.WaitGroup
	results := make([]TriggerResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Trigger(context.Background(), p.ID, "t1", "u1")
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	started := 0
	for _, r := range results {
		if r == Started {
			started++
		} else {
			assert.Equal(t, InProgress, r)
		}
	}
	assert.Equal(t, 1, started)
	assert.Len(t, f.publisher.jobs, 1)
}

func TestTrigger_FreshProspectIsAlreadyEnriched(t *testing.T) {
	f := newFixture(t, nil)
	o := f.orchestrator()
	p := f.prospect(t, false)
	ctx := context.Background()

	res, err := o.RunNow(ctx, p.ID, "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, Started, res)

	res, err = o.Trigger(ctx, p.ID, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyEnriched, res)
	assert.Empty(t, f.publisher.jobs)

	f.clock.Advance(DefaultStaleAfter)
	res, err = o.Trigger(ctx, p.ID, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, Started, res)
}

func TestTrigger_UnknownProspect(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orchestrator().Trigger(context.Background(), "missing", "t1", "u1")
	assert.ErrorIs(t, err, prospect.ErrNotFound)
}

func TestTrigger_OtherTenantCannotTrigger(t *testing.T) {
	f := newFixture(t, nil)
	p := f.prospect(t, false)
	_, err := f.orchestrator().Trigger(context.Background(), p.ID, "t2", "u9")
	assert.ErrorIs(t, err, prospect.ErrNotFound)
}

func TestTrigger_PublishFailureReleasesProspect(t *testing.T) {
	f := newFixture(t, nil)
	o := f.orchestrator()
	p := f.prospect(t, false)
	ctx := context.Background()

	f.publisher.err = errors.New("queue unavailable")
	_, err := o.Trigger(ctx, p.ID, "t1", "u1")
	require.Error(t, err)
	assert.Equal(t, prospect.StatusFailed, f.get(t, p.ID).EnrichmentStatus)

	f.publisher.err = nil
	res, err := o.Trigger(ctx, p.ID, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, Started, res)
}

func TestRun_PrivateCompanyCompletesWithFilingsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	o := f.orchestrator()
	p := f.prospect(t, false)

	res, err := o.RunNow(context.Background(), p.ID, "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, Started, res)

	got := f.get(t, p.ID)
	assert.Equal(t, prospect.StatusComplete, got.EnrichmentStatus)
	require.NotNil(t, got.LastEnrichedAt)
	assert.True(t, got.LastEnrichedAt.Equal(f.clock.Now()))

	assert.Equal(t, prospect.StateComplete, got.SourceStatus[prospect.SourceContact].Status)
	assert.Equal(t, prospect.StateComplete, got.SourceStatus[prospect.SourceWebIntel].Status)
	assert.Equal(t, prospect.StateSkipped, got.SourceStatus[prospect.SourceFilings].Status)
	assert.Equal(t, "not a public company", got.SourceStatus[prospect.SourceFilings].Error)
	assert.Equal(t, prospect.StateComplete, got.SourceStatus[prospect.SourceSummarization].Status)
	for _, src := range prospect.Sources {
		assert.NotNil(t, got.SourceStatus[src].CompletedAt, src)
	}
	assert.Zero(t, f.filings.calls.Load())

	require.NotNil(t, got.ContactData)
	assert.Equal(t, 91, got.ContactData.Confidence)
	assert.Equal(t, "+1 555 0100", got.WorkPhone)
	require.NotNil(t, got.WebIntelData)
	assert.Len(t, got.WebIntelData.Mentions, 1)
	assert.Nil(t, got.FilingsData)
	assert.Equal(t, "Finance leader at Analytical Engines.\n\n- Recently appointed CFO", got.AISummary)

	assert.Contains(t, f.actions(t), activity.ActionEnrichmentCompleted)
}

func TestRun_PublicCompanyCollectsFilings(t *testing.T) {
	f := newFixture(t, nil)
	var seen enrich.SummaryInput
	f.summarizer.fn = func(in enrich.SummaryInput) (enrich.Summary, error) {
		seen = in
		return enrich.Summary{Text: "ok"}, nil
	}
	o := f.orchestrator()
	p := f.prospect(t, true)

	_, err := o.RunNow(context.Background(), p.ID, "t1", "u1")
	require.NoError(t, err)

	got := f.get(t, p.ID)
	assert.Equal(t, prospect.StateComplete, got.SourceStatus[prospect.SourceFilings].Status)
	require.NotNil(t, got.FilingsData)
	assert.Equal(t, "0000320193", got.FilingsData.CompanyFilingID)
	require.NotNil(t, seen.Filings)
	assert.Len(t, seen.Filings.Transactions, 1)
	assert.Equal(t, "Ada Lovelace", seen.Name)
}

func TestRun_InsufficientDataNeverCallsSummarizer(t *testing.T) {
	f := newFixture(t, nil)
	f.webIntel.fn = func(q enrich.MentionQuery) (*prospect.WebIntelData, error) {
		return &prospect.WebIntelData{Query: q.Name}, nil
	}
	o := f.orchestrator()
	p := f.prospect(t, false)

	_, err := o.RunNow(context.Background(), p.ID, "t1", "u1")
	require.NoError(t, err)

	got := f.get(t, p.ID)
	assert.Equal(t, prospect.StatusComplete, got.EnrichmentStatus)
	assert.Equal(t, InsufficientDataSummary, got.AISummary)
	assert.Equal(t, prospect.StateComplete, got.SourceStatus[prospect.SourceSummarization].Status)
	assert.Equal(t, "insufficient data", got.SourceStatus[prospect.SourceSummarization].Error)
	assert.Zero(t, f.summarizer.calls.Load())
	for _, s := range f.breakers.Snapshots() {
		assert.NotEqual(t, ScopeSummarization, s.Provider, "summarization breaker must not see a call")
	}
}

func TestRun_OpenCircuitMarksSourceAndSkipsProvider(t *testing.T) {
	f := newFixture(t, nil)
	b := f.breakers.For(ScopeContact)
	for i := 0; i < 5; i++ {
		_, _ = breaker.Call(context.Background(), b, func(context.Context) (int, error) {
			return 0, &enrich.TransientError{Err: errors.New("503")}
		}, 0)
	}
	require.Equal(t, breaker.Open, b.State())

	o := f.orchestrator()
	p := f.prospect(t, false)
	_, err := o.RunNow(context.Background(), p.ID, "t1", "u1")
	require.NoError(t, err)

	got := f.get(t, p.ID)
	assert.Equal(t, prospect.StatusComplete, got.EnrichmentStatus)
	assert.Equal(t, prospect.StateCircuitOpen, got.SourceStatus[prospect.SourceContact].Status)
	assert.Equal(t, "provider unavailable", got.SourceStatus[prospect.SourceContact].Error)
	assert.Zero(t, f.contact.calls.Load())
	assert.Equal(t, prospect.StateComplete, got.SourceStatus[prospect.SourceWebIntel].Status)
	assert.Nil(t, got.ContactData)
}

func TestRun_RateLimitedSourceIsTerminal(t *testing.T) {
	f := newFixture(t, map[string]ratelimit.Policy{
		ScopeContact: {Limit: 1, Window: time.Hour},
	})
	ctx := context.Background()
	d, err := f.limiter.Admit(ctx, ScopeContact, "t1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	o := f.orchestrator()
	p := f.prospect(t, false)
	_, err = o.RunNow(ctx, p.ID, "t1", "u1")
	require.NoError(t, err)

	got := f.get(t, p.ID)
	assert.Equal(t, prospect.StatusComplete, got.EnrichmentStatus)
	assert.Equal(t, prospect.StateRateLimited, got.SourceStatus[prospect.SourceContact].Status)
	assert.Contains(t, got.SourceStatus[prospect.SourceContact].Error, "rate limit exceeded")
	assert.Zero(t, f.contact.calls.Load())
	assert.Equal(t, int32(1), f.webIntel.calls.Load())
}

func TestRun_ProviderFailuresAreIsolated(t *testing.T) {
	f := newFixture(t, nil)
	f.webIntel.fn = func(enrich.MentionQuery) (*prospect.WebIntelData, error) {
		panic("nil map write")
	}
	f.filings.fn = func(enrich.FilingsQuery) (*prospect.FilingsData, error) {
		return nil, errors.New("issuer not found")
	}
	o := f.orchestrator()
	p := f.prospect(t, true)

	_, err := o.RunNow(context.Background(), p.ID, "t1", "u1")
	require.NoError(t, err)

	got := f.get(t, p.ID)
	assert.Equal(t, prospect.StatusComplete, got.EnrichmentStatus)
	assert.Equal(t, prospect.StateComplete, got.SourceStatus[prospect.SourceContact].Status)
	assert.Equal(t, prospect.StateFailed, got.SourceStatus[prospect.SourceWebIntel].Status)
	assert.Contains(t, got.SourceStatus[prospect.SourceWebIntel].Error, "panic")
	assert.Equal(t, prospect.StateFailed, got.SourceStatus[prospect.SourceFilings].Status)
	assert.Equal(t, "issuer not found", got.SourceStatus[prospect.SourceFilings].Error)
	assert.Equal(t, InsufficientDataSummary, got.AISummary)
}

func TestRun_SummarizerFailureLeavesSummaryEmpty(t *testing.T) {
	f := newFixture(t, nil)
	f.summarizer.fn = func(enrich.SummaryInput) (enrich.Summary, error) {
		return enrich.Summary{}, &enrich.TransientError{Err: errors.New("model overloaded")}
	}
	o := f.orchestrator()
	p := f.prospect(t, false)

	_, err := o.RunNow(context.Background(), p.ID, "t1", "u1")
	require.NoError(t, err)

	got := f.get(t, p.ID)
	assert.Equal(t, prospect.StatusComplete, got.EnrichmentStatus)
	assert.Equal(t, prospect.StateFailed, got.SourceStatus[prospect.SourceSummarization].Status)
	assert.Empty(t, got.AISummary)
}

func TestRun_MissingProvidersAreSkipped(t *testing.T) {
	f := newFixture(t, nil)
	o := New(f.store, Providers{WebIntel: f.webIntel}, f.limiter, f.breakers, f.publisher, WithClock(f.clock.Now))
	p := f.prospect(t, true)

	_, err := o.RunNow(context.Background(), p.ID, "t1", "u1")
	require.NoError(t, err)

	got := f.get(t, p.ID)
	assert.Equal(t, prospect.StateSkipped, got.SourceStatus[prospect.SourceContact].Status)
	assert.Equal(t, prospect.StateSkipped, got.SourceStatus[prospect.SourceFilings].Status)
	assert.Equal(t, "provider not configured", got.SourceStatus[prospect.SourceSummarization].Error)
}

func TestRun_SupersededRunStopsWithoutWrites(t *testing.T) {
	f := newFixture(t, nil)
	o := f.orchestrator()
	p := f.prospect(t, false)
	ctx := context.Background()

	_, err := o.Trigger(ctx, p.ID, "t1", "u1")
	require.NoError(t, err)
	stale := f.publisher.event(t, 0)

	f.clock.Advance(DefaultStuckAfter + time.Minute)
	res, err := o.Trigger(ctx, p.ID, "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, Started, res)

	err = o.Run(ctx, stale)
	require.Error(t, err)
	assert.True(t, IsSuperseded(err))

	got := f.get(t, p.ID)
	assert.Equal(t, "run_2", got.EnrichmentRunID)
	assert.Equal(t, prospect.StatusInProgress, got.EnrichmentStatus)
	assert.Equal(t, prospect.StatePending, got.SourceStatus[prospect.SourceContact].Status)
	assert.NotContains(t, f.actions(t), activity.ActionEnrichmentFailed)
}

func TestHandleJob(t *testing.T) {
	f := newFixture(t, nil)
	o := f.orchestrator()
	p := f.prospect(t, false)
	ctx := context.Background()

	err := o.HandleJob(ctx, &queue.Job{ID: "junk", Payload: []byte("{not json")})
	assert.NoError(t, err, "malformed jobs are dropped")

	_, err = o.Trigger(ctx, p.ID, "t1", "u1")
	require.NoError(t, err)
	f.publisher.mu.Lock()
	job := &queue.Job{ID: f.publisher.jobs[0].id, Payload: f.publisher.jobs[0].payload}
	f.publisher.mu.Unlock()

	require.NoError(t, o.HandleJob(ctx, job))
	assert.Equal(t, prospect.StatusComplete, f.get(t, p.ID).EnrichmentStatus)

	// Redelivery of a finished run is a no-op.
	require.NoError(t, o.HandleJob(ctx, job))
}

func TestHandleJob_ShutdownHandsJobBack(t *testing.T) {
	f := newFixture(t, nil)
	o := f.orchestrator()
	p := f.prospect(t, false)

	_, err := o.Trigger(context.Background(), p.ID, "t1", "u1")
	require.NoError(t, err)
	f.publisher.mu.Lock()
	job := &queue.Job{ID: f.publisher.jobs[0].id, Payload: f.publisher.jobs[0].payload}
	f.publisher.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.contact.fn = func(enrich.ContactQuery) (*prospect.ContactData, error) {
		cancel()
		return nil, context.Canceled
	}

	err = o.HandleJob(ctx, job)
	require.ErrorIs(t, err, ErrInterrupted, "interrupted jobs are nacked")

	got := f.get(t, p.ID)
	assert.Equal(t, prospect.StatusInProgress, got.EnrichmentStatus)
	assert.Equal(t, "run_1", got.EnrichmentRunID)
	assert.NotContains(t, f.actions(t), activity.ActionEnrichmentFailed)

	f.contact.fn = func(enrich.ContactQuery) (*prospect.ContactData, error) {
		return &prospect.ContactData{WorkEmail: "ada@engines.example"}, nil
	}
	require.NoError(t, o.HandleJob(context.Background(), job))
	got = f.get(t, p.ID)
	assert.Equal(t, prospect.StatusComplete, got.EnrichmentStatus)
	assert.Equal(t, prospect.StateComplete, got.SourceStatus[prospect.SourceContact].Status)
}

func TestTracedNeverLogsContactDetails(t *testing.T) {
	f := newFixture(t, nil)
	var buf bytes.Buffer
	p := Traced(Providers{Contact: f.contact}, logging.NewWriter(&buf, "debug", "json"))
	assert.Nil(t, p.WebIntel)
	assert.Nil(t, p.Summarizer)

	out, err := p.Contact.FindContact(context.Background(), enrich.ContactQuery{
		FirstName: "Ada", LastName: "Lovelace", Company: "Analytical Engines", Domain: "engines.example",
	})
	require.NoError(t, err)
	assert.Equal(t, "ada@engines.example", out.WorkEmail)

	logs := buf.String()
	assert.Contains(t, logs, "provider request")
	assert.Contains(t, logs, "provider response")
	assert.Contains(t, logs, "engines.example")
	assert.NotContains(t, logs, "ada@engines.example")
	assert.NotContains(t, logs, "555")
}
