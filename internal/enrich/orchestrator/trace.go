package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/prospect"
	"github.com/shpitdev/prospect-enrichment/internal/redact"
)

// Traced wraps every configured provider so each call logs its request and
// outcome at debug level with the elapsed time. Contact details are never
// logged.
func Traced(p Providers, logger *slog.Logger) Providers {
	log := logger.With("component", "provider_trace")
	out := Providers{}
	if p.Contact != nil {
		out.Contact = tracedContact{next: p.Contact, log: log.With("provider", ScopeContact)}
	}
	if p.WebIntel != nil {
		out.WebIntel = tracedWebIntel{next: p.WebIntel, log: log.With("provider", ScopeWebIntel)}
	}
	if p.Filings != nil {
		out.Filings = tracedFilings{next: p.Filings, log: log.With("provider", ScopeFilings)}
	}
	if p.Summarizer != nil {
		out.Summarizer = tracedSummarizer{next: p.Summarizer, log: log.With("provider", ScopeSummarization)}
	}
	return out
}

func traceRequest(ctx context.Context, log *slog.Logger, req any) time.Time {
	if !log.Enabled(ctx, slog.LevelDebug) {
		return time.Now()
	}
	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	reqJSON, _ := json.Marshal(req)
	log.DebugContext(ctx, "provider request", "deadline_in", deadlineIn, "request", string(reqJSON))
	return time.Now()
}

func traceResponse(ctx context.Context, log *slog.Logger, start time.Time, summary map[string]any, err error) {
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		log.DebugContext(ctx, "provider error",
			"elapsed", elapsed.String(),
			"transient", enrich.IsTransient(err),
			"error", redact.Secrets(err.Error()),
		)
		return
	}
	if !log.Enabled(ctx, slog.LevelDebug) {
		return
	}
	respJSON, _ := json.Marshal(summary)
	log.DebugContext(ctx, "provider response", "elapsed", elapsed.String(), "response", string(respJSON))
}

type tracedContact struct {
	next enrich.ContactFinder
	log  *slog.Logger
}

func (t tracedContact) FindContact(ctx context.Context, q enrich.ContactQuery) (*prospect.ContactData, error) {
	start := traceRequest(ctx, t.log, map[string]any{"domain": q.Domain, "company": q.Company})
	out, err := t.next.FindContact(ctx, q)
	var summary map[string]any
	if out != nil {
		summary = map[string]any{
			"has_work_email": out.WorkEmail != "",
			"has_phone":      out.WorkPhone != "" || out.PersonalPhone != "",
			"confidence":     out.Confidence,
		}
	}
	traceResponse(ctx, t.log, start, summary, err)
	return out, err
}

type tracedWebIntel struct {
	next enrich.MentionSearcher
	log  *slog.Logger
}

func (t tracedWebIntel) SearchMentions(ctx context.Context, q enrich.MentionQuery) (*prospect.WebIntelData, error) {
	start := traceRequest(ctx, t.log, map[string]any{"company": q.Company, "max_results": q.MaxResults})
	out, err := t.next.SearchMentions(ctx, q)
	var summary map[string]any
	if out != nil {
		summary = map[string]any{"mentions": len(out.Mentions)}
	}
	traceResponse(ctx, t.log, start, summary, err)
	return out, err
}

type tracedFilings struct {
	next enrich.FilingsFetcher
	log  *slog.Logger
}

func (t tracedFilings) InsiderTransactions(ctx context.Context, q enrich.FilingsQuery) (*prospect.FilingsData, error) {
	start := traceRequest(ctx, t.log, map[string]any{"company_filing_id": q.CompanyFilingID})
	out, err := t.next.InsiderTransactions(ctx, q)
	var summary map[string]any
	if out != nil {
		summary = map[string]any{"transactions": len(out.Transactions)}
	}
	traceResponse(ctx, t.log, start, summary, err)
	return out, err
}

type tracedSummarizer struct {
	next enrich.Summarizer
	log  *slog.Logger
}

func (t tracedSummarizer) Summarize(ctx context.Context, in enrich.SummaryInput) (enrich.Summary, error) {
	mentions, txs := 0, 0
	if in.WebIntel != nil {
		mentions = len(in.WebIntel.Mentions)
	}
	if in.Filings != nil {
		txs = len(in.Filings.Transactions)
	}
	start := traceRequest(ctx, t.log, map[string]any{"mentions": mentions, "transactions": txs})
	out, err := t.next.Summarize(ctx, in)
	traceResponse(ctx, t.log, start, map[string]any{
		"model":      out.Model,
		"chars":      len(out.Text),
		"key_points": len(out.KeyPoints),
	}, err)
	return out, err
}
