package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/activity"
	"github.com/shpitdev/prospect-enrichment/internal/breaker"
	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/enrich/worker"
	"github.com/shpitdev/prospect-enrichment/internal/prospect"
	"github.com/shpitdev/prospect-enrichment/internal/ratelimit"
	"github.com/shpitdev/prospect-enrichment/internal/redact"
)

// collectionSources run concurrently; summarization follows them.
var collectionSources = []prospect.SourceName{
	prospect.SourceContact,
	prospect.SourceWebIntel,
	prospect.SourceFilings,
}

// outcome is one source's result within a run.
type outcome struct {
	source   prospect.SourceName
	state    prospect.SourceState
	contact  *prospect.ContactData
	webIntel *prospect.WebIntelData
	filings  *prospect.FilingsData
}

// Run executes one claimed run. Provider failures are recorded per source and
// never fail the run; a persistence failure or a panic marks it failed. A run
// superseded by a newer claim stops quietly and returns an error matching
// IsSuperseded.
func (o *Orchestrator) Run(ctx context.Context, ev enrich.Event) (err error) {
	log := o.logger.With("run_id", ev.RunID, "prospect_id", ev.ProspectID, "tenant_id", ev.TenantID)
	start := o.now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("enrichment run panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("enrichment run panicked: %v", r)
		}
		if err != nil && ctx.Err() != nil && !IsSuperseded(err) {
			// The consumer is shutting down. The prospect stays in_progress under
			// this run ID so the redelivered job picks the run up again.
			log.Warn("enrichment run interrupted", "error", err)
			err = fmt.Errorf("%w: %w", ErrInterrupted, err)
			return
		}
		if err != nil && !IsSuperseded(err) {
			o.fail(ctx, log, ev, err)
		}
		if IsSuperseded(err) {
			log.Info("enrichment run superseded")
		}
	}()

	// Redelivered work for a run that already finished, or one a newer claim
	// replaced, must not call the providers again.
	cur, err := o.store.Get(ctx, ev.TenantID, ev.ProspectID)
	if err != nil {
		return err
	}
	if cur.EnrichmentRunID != ev.RunID || cur.EnrichmentStatus != prospect.StatusInProgress {
		return prospect.ErrRunSuperseded
	}

	results, err := worker.ProcessAll(ctx, collectionSources,
		func(ctx context.Context, src prospect.SourceName) (outcome, error) {
			return o.runSource(ctx, log, ev, src)
		},
		worker.Options{
			Workers:        len(collectionSources),
			MaxRetries:     0,
			RequestTimeout: -1,
			FailurePolicy:  worker.FailurePolicyFailFast,
		},
	)
	if err != nil {
		return err
	}

	var in enrich.SummaryInput
	in.Name, in.Title, in.Company, in.Location = ev.FullName, ev.Title, ev.Company, ev.Location
	states := make(map[string]string, len(prospect.Sources))
	for _, r := range results {
		states[string(r.Output.source)] = string(r.Output.state)
		in.Contact = firstNonNil(in.Contact, r.Output.contact)
		in.WebIntel = firstNonNil(in.WebIntel, r.Output.webIntel)
		in.Filings = firstNonNil(in.Filings, r.Output.filings)
	}

	summary, state, err := o.summarize(ctx, log, ev, in)
	if err != nil {
		return err
	}
	states[string(prospect.SourceSummarization)] = string(state)

	if err := o.store.CompleteEnrichment(ctx, ev.TenantID, ev.ProspectID, ev.RunID, summary); err != nil {
		return err
	}

	log.Info("enrichment run complete", "elapsed_ms", o.now().Sub(start).Milliseconds(), "sources", states)
	o.activity.Record(ctx, activity.Event{
		TenantID:   ev.TenantID,
		UserID:     ev.UserID,
		Action:     activity.ActionEnrichmentCompleted,
		EntityType: "prospect",
		EntityID:   ev.ProspectID,
		Details:    map[string]any{"run_id": ev.RunID, "sources": states},
	})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, ev enrich.Event, cause error) {
	log.Error("enrichment run failed", "error", redact.Secrets(cause.Error()))
	if err := o.store.FailEnrichment(context.WithoutCancel(ctx), ev.TenantID, ev.ProspectID, ev.RunID); err != nil && !IsSuperseded(err) {
		log.Error("mark run failed", "error", err)
	}
	o.activity.Record(ctx, activity.Event{
		TenantID:   ev.TenantID,
		UserID:     ev.UserID,
		Action:     activity.ActionEnrichmentFailed,
		EntityType: "prospect",
		EntityID:   ev.ProspectID,
		Details:    map[string]any{"run_id": ev.RunID, "error": redact.Truncate(cause.Error(), 300)},
	})
}

// runSource resolves one collection source to a terminal state. The returned
// error is reserved for persistence failures.
func (o *Orchestrator) runSource(ctx context.Context, log *slog.Logger, ev enrich.Event, src prospect.SourceName) (outcome, error) {
	out := outcome{source: src}
	call, reason := o.sourceCall(ev, src)
	if call == nil {
		out.state = prospect.StateSkipped
		return out, o.setStatus(ctx, ev, src, prospect.StateSkipped, reason, nil)
	}

	if err := o.setStatus(ctx, ev, src, prospect.StateInProgress, "", nil); err != nil {
		return out, err
	}

	state, detail, value := o.guarded(ctx, log, ev, src, call)
	out.state = state
	var payload any
	switch v := value.(type) {
	case *prospect.ContactData:
		if v != nil {
			out.contact, payload = v, v
		}
	case *prospect.WebIntelData:
		if v != nil {
			out.webIntel, payload = v, v
		}
	case *prospect.FilingsData:
		if v != nil {
			out.filings, payload = v, v
		}
	}
	return out, o.setStatus(ctx, ev, src, state, detail, payload)
}

type providerCall = func(context.Context) (any, error)

// sourceCall returns the provider call for src, or nil and a reason when the
// source does not apply to this prospect.
func (o *Orchestrator) sourceCall(ev enrich.Event, src prospect.SourceName) (providerCall, string) {
	switch src {
	case prospect.SourceContact:
		if o.providers.Contact == nil {
			return nil, "provider not configured"
		}
		if strings.TrimSpace(ev.CompanyDomain) == "" {
			return nil, "no company domain"
		}
		q := enrich.ContactQuery{
			FirstName: ev.FirstName, LastName: ev.LastName, FullName: ev.FullName,
			Company: ev.Company, Domain: ev.CompanyDomain,
		}
		return func(ctx context.Context) (any, error) {
			return o.providers.Contact.FindContact(ctx, q)
		}, ""

	case prospect.SourceWebIntel:
		if o.providers.WebIntel == nil {
			return nil, "provider not configured"
		}
		if strings.TrimSpace(ev.FullName) == "" {
			return nil, "no name"
		}
		q := enrich.MentionQuery{Name: ev.FullName, Company: ev.Company, Title: ev.Title, MaxResults: o.maxMentions}
		return func(ctx context.Context) (any, error) {
			return o.providers.WebIntel.SearchMentions(ctx, q)
		}, ""

	case prospect.SourceFilings:
		if o.providers.Filings == nil {
			return nil, "provider not configured"
		}
		if !ev.IsPublicCompany || strings.TrimSpace(ev.CompanyFilingID) == "" {
			return nil, "not a public company"
		}
		q := enrich.FilingsQuery{
			CompanyFilingID: ev.CompanyFilingID,
			FirstName:       ev.FirstName,
			LastName:        ev.LastName,
			FullName:        ev.FullName,
		}
		return func(ctx context.Context) (any, error) {
			return o.providers.Filings.InsiderTransactions(ctx, q)
		}, ""
	}
	return nil, "unknown source"
}

// guarded applies the source's rate limit and breaker around call and maps the
// result onto a terminal source state, an error detail and the provider value.
func (o *Orchestrator) guarded(ctx context.Context, log *slog.Logger, ev enrich.Event, src prospect.SourceName, call providerCall) (prospect.SourceState, string, any) {
	scope := scopeFor(src)
	log = log.With("source", string(src), "provider", scope)

	dec, err := o.limiter.Admit(ctx, scope, ev.TenantID)
	switch {
	case errors.Is(err, ratelimit.ErrUnknownScope):
		// No policy configured for this provider.
	case err != nil:
		log.Warn("rate limit check failed", "error", err)
		return prospect.StateFailed, redact.Truncate(err.Error(), 300), nil
	case !dec.Allowed:
		log.Info("source rate limited", "reset_at", dec.ResetAt)
		return prospect.StateRateLimited, "rate limit exceeded until " + dec.ResetAt.UTC().Format(time.RFC3339), nil
	}

	value, err := breaker.Call(ctx, o.breakers.For(scope), call, nil)
	switch {
	case err == nil:
		return prospect.StateComplete, "", value
	case errors.Is(err, breaker.ErrOpen):
		log.Info("source circuit open")
		return prospect.StateCircuitOpen, "provider unavailable", nil
	default:
		log.Warn("source failed", "error", redact.Secrets(err.Error()), "transient", enrich.IsTransient(err))
		return prospect.StateFailed, redact.Truncate(err.Error(), 300), nil
	}
}

// summarize produces the aggregate summary. Only persistence errors are
// returned; a failed summarizer leaves the summary empty.
func (o *Orchestrator) summarize(ctx context.Context, log *slog.Logger, ev enrich.Event, in enrich.SummaryInput) (string, prospect.SourceState, error) {
	src := prospect.SourceSummarization
	if !hasSignal(in) {
		// Cost control: nothing worth paying the LLM for.
		return InsufficientDataSummary, prospect.StateComplete,
			o.setStatus(ctx, ev, src, prospect.StateComplete, "insufficient data", nil)
	}
	if o.providers.Summarizer == nil {
		return "", prospect.StateSkipped, o.setStatus(ctx, ev, src, prospect.StateSkipped, "provider not configured", nil)
	}
	if err := o.setStatus(ctx, ev, src, prospect.StateInProgress, "", nil); err != nil {
		return "", "", err
	}

	state, detail, value := o.guarded(ctx, log, ev, src, func(ctx context.Context) (any, error) {
		return o.providers.Summarizer.Summarize(ctx, in)
	})
	text := ""
	if summary, ok := value.(enrich.Summary); ok && state == prospect.StateComplete {
		text = renderSummary(summary)
	}
	return text, state, o.setStatus(ctx, ev, src, state, detail, nil)
}

func hasSignal(in enrich.SummaryInput) bool {
	return (in.WebIntel != nil && len(in.WebIntel.Mentions) > 0) ||
		(in.Filings != nil && len(in.Filings.Transactions) > 0)
}

func renderSummary(s enrich.Summary) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.Text))
	if len(s.KeyPoints) > 0 {
		b.WriteString("\n")
		for _, p := range s.KeyPoints {
			b.WriteString("\n- ")
			b.WriteString(p)
		}
	}
	return b.String()
}

func (o *Orchestrator) setStatus(ctx context.Context, ev enrich.Event, src prospect.SourceName, state prospect.SourceState, detail string, payload any) error {
	st := prospect.SourceStatus{Status: state, Error: detail}
	if state.Terminal() {
		now := o.now().UTC()
		st.CompletedAt = &now
	}
	// Writes must land even if the caller's context is gone.
	return o.store.SetSourceStatus(context.WithoutCancel(ctx), ev.TenantID, ev.ProspectID, ev.RunID, src, st, payload)
}

func firstNonNil[T any](a, b *T) *T {
	if a != nil {
		return a
	}
	return b
}
