// Package orchestrator runs enrichment for one prospect at a time.
//
// Trigger claims a due prospect and hands a work item to the queue; the queue
// consumer calls Run. A run collects contact, web and filings data
// concurrently, each source gated by applicability, its rate limit and its
// provider's circuit breaker, and persists every source outcome as soon as it
// is known. Summarization runs last over whatever the other sources found.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/activity"
	"github.com/shpitdev/prospect-enrichment/internal/breaker"
	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/idgen"
	"github.com/shpitdev/prospect-enrichment/internal/logging"
	"github.com/shpitdev/prospect-enrichment/internal/prospect"
	"github.com/shpitdev/prospect-enrichment/internal/ratelimit"
)

// TriggerResult is the outcome of Trigger.
type TriggerResult string

const (
	AlreadyEnriched TriggerResult = "already_enriched"
	InProgress      TriggerResult = "in_progress"
	Started         TriggerResult = "started"
)

// InsufficientDataSummary is stored instead of calling the summarizer when
// no source produced a web mention or a filing transaction.
const InsufficientDataSummary = "Not enough public information was found to summarize this prospect."

const (
	DefaultStaleAfter = 7 * 24 * time.Hour
	DefaultStuckAfter = 30 * time.Minute
)

// Rate-limit scopes and breaker names per source.
const (
	ScopeContact       = "contact"
	ScopeWebIntel      = "web_intel"
	ScopeFilings       = "filings"
	ScopeSummarization = "summarization"
)

func scopeFor(src prospect.SourceName) string {
	switch src {
	case prospect.SourceContact:
		return ScopeContact
	case prospect.SourceWebIntel:
		return ScopeWebIntel
	case prospect.SourceFilings:
		return ScopeFilings
	default:
		return ScopeSummarization
	}
}

// Providers are the upstreams a run consults. A nil provider marks its source
// skipped.
type Providers struct {
	Contact    enrich.ContactFinder
	WebIntel   enrich.MentionSearcher
	Filings    enrich.FilingsFetcher
	Summarizer enrich.Summarizer
}

// Publisher accepts work items; *queue.Q implements it.
type Publisher interface {
	Publish(ctx context.Context, id string, payload []byte) error
}

type Orchestrator struct {
	store     *prospect.Store
	providers Providers
	limiter   *ratelimit.Limiter
	breakers  *breaker.Registry
	publisher Publisher
	activity  activity.Recorder
	logger    *slog.Logger
	now       func() time.Time
	newRunID  idgen.Generator

	staleAfter  time.Duration
	stuckAfter  time.Duration
	maxMentions int
}

type Option func(*Orchestrator)

func WithActivity(r activity.Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.activity = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

func WithRunIDs(gen idgen.Generator) Option {
	return func(o *Orchestrator) { o.newRunID = gen }
}

// WithStaleAfter sets the age after which a complete prospect is due again.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}

// WithStuckAfter sets how long an in-progress run may go before a new trigger
// supersedes it. Zero or negative disables the override.
func WithStuckAfter(d time.Duration) Option {
	return func(o *Orchestrator) { o.stuckAfter = d }
}

// WithMaxMentions caps web mentions requested per run.
func WithMaxMentions(n int) Option {
	return func(o *Orchestrator) { o.maxMentions = n }
}

func New(store *prospect.Store, providers Providers, limiter *ratelimit.Limiter, breakers *breaker.Registry, publisher Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		providers:   providers,
		limiter:     limiter,
		breakers:    breakers,
		publisher:   publisher,
		activity:    activity.Nop{},
		logger:      logging.Discard(),
		now:         time.Now,
		newRunID:    idgen.Prefixed("run_", idgen.Default),
		staleAfter:  DefaultStaleAfter,
		stuckAfter:  DefaultStuckAfter,
		maxMentions: 5,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Due reports whether p should be enriched at now.
func Due(p prospect.Prospect, now time.Time, staleAfter time.Duration) bool {
	if p.EnrichmentStatus != prospect.StatusComplete || p.LastEnrichedAt == nil {
		return true
	}
	return now.Sub(*p.LastEnrichedAt) >= staleAfter
}

// Due reports whether p should be enriched now.
func (o *Orchestrator) Due(p prospect.Prospect) bool {
	return Due(p, o.now(), o.staleAfter)
}

// Trigger starts enrichment for a due prospect without waiting for it. Two
// concurrent triggers collapse to one run: the loser sees in_progress.
func (o *Orchestrator) Trigger(ctx context.Context, prospectID, tenantID, userID string) (TriggerResult, error) {
	res, ev, err := o.claim(ctx, prospectID, tenantID, userID)
	if err != nil || res != Started {
		return res, err
	}

	payload, err := json.Marshal(ev)
	if err == nil {
		err = o.publisher.Publish(ctx, ev.RunID, payload)
	}
	if err != nil {
		// Nothing will pick the run up; release the prospect for the next trigger.
		if ferr := o.store.FailEnrichment(context.WithoutCancel(ctx), tenantID, prospectID, ev.RunID); ferr != nil {
			o.logger.Error("release unpublished run failed", "prospect_id", prospectID, "run_id", ev.RunID, "error", ferr)
		}
		return "", fmt.Errorf("publish enrichment: %w", err)
	}
	o.logger.Info("enrichment triggered", "prospect_id", prospectID, "tenant_id", tenantID, "run_id", ev.RunID)
	return Started, nil
}

// RunNow claims a due prospect and runs enrichment synchronously.
func (o *Orchestrator) RunNow(ctx context.Context, prospectID, tenantID, userID string) (TriggerResult, error) {
	res, ev, err := o.claim(ctx, prospectID, tenantID, userID)
	if err != nil || res != Started {
		return res, err
	}
	return Started, o.Run(ctx, ev)
}

func (o *Orchestrator) claim(ctx context.Context, prospectID, tenantID, userID string) (TriggerResult, enrich.Event, error) {
	p, err := o.store.Get(ctx, tenantID, prospectID)
	if err != nil {
		return "", enrich.Event{}, err
	}
	if !o.Due(p) {
		return AlreadyEnriched, enrich.Event{}, nil
	}

	runID := o.newRunID()
	ok, err := o.store.ClaimEnrichment(ctx, tenantID, prospectID, runID, o.staleAfter, o.stuckAfter)
	if err != nil {
		return "", enrich.Event{}, err
	}
	if !ok {
		// Lost a race: either another trigger started a run or one just finished.
		cur, err := o.store.Get(ctx, tenantID, prospectID)
		if err == nil && !o.Due(cur) {
			return AlreadyEnriched, enrich.Event{}, nil
		}
		return InProgress, enrich.Event{}, nil
	}

	o.activity.Record(ctx, activity.Event{
		TenantID:   tenantID,
		UserID:     userID,
		Action:     activity.ActionEnrichmentStarted,
		EntityType: "prospect",
		EntityID:   prospectID,
		Details:    map[string]any{"run_id": runID},
	})
	return Started, enrich.EventFor(p, runID, userID), nil
}

// ErrInterrupted is returned by Run when its context ends mid-run. The run is not
// marked failed; its job should be handed back to the queue.
var ErrInterrupted = errors.New("enrichment run interrupted")

// IsSuperseded reports whether err means a newer run owns the prospect.
func IsSuperseded(err error) bool {
	return errors.Is(err, prospect.ErrRunSuperseded)
}
