// Package enrich defines the enrichment provider contracts and the error types
// shared by every provider client.
package enrich

import (
	"context"
	"errors"
	"net"

	"github.com/shpitdev/prospect-enrichment/internal/prospect"
)

// Event is the immutable work item that drives one enrichment run.
type Event struct {
	RunID      string `json:"run_id"`
	ProspectID string `json:"prospect_id"`
	TenantID   string `json:"tenant_id"`
	UserID     string `json:"user_id,omitempty"`

	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	FullName      string `json:"full_name"`
	Title         string `json:"title,omitempty"`
	Company       string `json:"company,omitempty"`
	CompanyDomain string `json:"company_domain,omitempty"`
	Location      string `json:"location,omitempty"`
	WorkEmail     string `json:"work_email,omitempty"`

	IsPublicCompany bool   `json:"is_public_company"`
	CompanyFilingID string `json:"company_filing_id,omitempty"`
}

// EventFor builds the work item for p.
func EventFor(p prospect.Prospect, runID, userID string) Event {
	return Event{
		RunID:           runID,
		ProspectID:      p.ID,
		TenantID:        p.TenantID,
		UserID:          userID,
		FirstName:       p.FirstName,
		LastName:        p.LastName,
		FullName:        p.DisplayName(),
		Title:           p.Title,
		Company:         p.Company,
		CompanyDomain:   p.CompanyDomain,
		Location:        p.Location,
		WorkEmail:       p.WorkEmail,
		IsPublicCompany: p.IsPublicCompany,
		CompanyFilingID: p.CompanyFilingID,
	}
}

// ContactQuery asks the professional-contact provider for one person.
type ContactQuery struct {
	FirstName string
	LastName  string
	FullName  string
	Company   string
	Domain    string
}

// MentionQuery asks the web-intelligence provider for public mentions.
type MentionQuery struct {
	Name       string
	Company    string
	Title      string
	MaxResults int
}

// FilingsQuery asks the filings provider for a person's insider transactions at
// one issuer.
type FilingsQuery struct {
	CompanyFilingID string
	FirstName       string
	LastName        string
	FullName        string
}

// SummaryInput is everything the summarization provider sees.
type SummaryInput struct {
	Name     string
	Title    string
	Company  string
	Location string
	Contact  *prospect.ContactData
	WebIntel *prospect.WebIntelData
	Filings  *prospect.FilingsData
}

// Summary is the summarization provider's output.
type Summary struct {
	Text      string   `json:"summary"`
	KeyPoints []string `json:"key_points,omitempty"`
	Model     string   `json:"model,omitempty"`
}

// ContactFinder looks up professional contact details.
type ContactFinder interface {
	FindContact(ctx context.Context, q ContactQuery) (*prospect.ContactData, error)
}

// MentionSearcher finds public web mentions.
type MentionSearcher interface {
	SearchMentions(ctx context.Context, q MentionQuery) (*prospect.WebIntelData, error)
}

// FilingsFetcher loads insider transactions from regulatory filings.
type FilingsFetcher interface {
	InsiderTransactions(ctx context.Context, q FilingsQuery) (*prospect.FilingsData, error)
}

// Summarizer writes a short prospect brief from collected signals.
type Summarizer interface {
	Summarize(ctx context.Context, in SummaryInput) (Summary, error)
}

// TransientError marks an error as retryable: provider 5xx and 429 responses,
// network failures and timeouts. Circuit breakers count only transient errors
// as failures; anything else is a business error.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LimitedTransientError is a transient error with its own retry budget, e.g. a 429
// whose Retry-After exceeds what a worker is willing to wait.
type LimitedTransientError struct {
	Err          error
	ExtraRetries int
}

func (e *LimitedTransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *LimitedTransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MaxExtraRetries caps the retries a worker may spend on this error.
func (e *LimitedTransientError) MaxExtraRetries() int {
	if e == nil {
		return 0
	}
	return e.ExtraRetries
}

// IsTransient reports whether err should be retried and counted against a
// provider's health.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *LimitedTransientError
	if errors.As(err, &lte) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
