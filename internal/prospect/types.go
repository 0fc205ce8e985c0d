// Package prospect holds the prospect record, its identity resolution and the
// SQLite repository behind both.
package prospect

import (
	"time"
)

// EnrichmentStatus is the aggregate enrichment state of a prospect.
type EnrichmentStatus string

const (
	StatusNone       EnrichmentStatus = "none"
	StatusPending    EnrichmentStatus = "pending"
	StatusInProgress EnrichmentStatus = "in_progress"
	StatusComplete   EnrichmentStatus = "complete"
	StatusFailed     EnrichmentStatus = "failed"
)

// SourceName identifies one enrichment provider category.
type SourceName string

const (
	SourceContact       SourceName = "contact"
	SourceWebIntel      SourceName = "web_intelligence"
	SourceFilings       SourceName = "filings"
	SourceSummarization SourceName = "summarization"
)

// Sources lists every enrichment source in run order: the three collection
// sources, then summarization.
var Sources = []SourceName{SourceContact, SourceWebIntel, SourceFilings, SourceSummarization}

// SourceState is the status of one source within one enrichment run.
type SourceState string

const (
	StatePending     SourceState = "pending"
	StateInProgress  SourceState = "in_progress"
	StateComplete    SourceState = "complete"
	StateFailed      SourceState = "failed"
	StateSkipped     SourceState = "skipped"
	StateCircuitOpen SourceState = "circuit_open"
	StateRateLimited SourceState = "rate_limited"
)

// Terminal reports whether a source in this state will not change again during the
// current run.
func (s SourceState) Terminal() bool {
	switch s {
	case StateComplete, StateFailed, StateSkipped, StateCircuitOpen, StateRateLimited:
		return true
	}
	return false
}

// SourceStatus is the per-source record stored in enrichment_source_status.
type SourceStatus struct {
	Status      SourceState `json:"status"`
	Error       string      `json:"error,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Prospect is one individual tracked by one tenant.
//
// Empty contact strings are stored as NULL.
type Prospect struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	FullName      string `json:"full_name"`
	Title         string `json:"title,omitempty"`
	Company       string `json:"company,omitempty"`
	CompanyDomain string `json:"company_domain,omitempty"`
	Location      string `json:"location,omitempty"`

	WorkEmail     string `json:"work_email,omitempty"`
	PersonalEmail string `json:"personal_email,omitempty"`
	WorkPhone     string `json:"work_phone,omitempty"`
	PersonalPhone string `json:"personal_phone,omitempty"`
	ProfileURL    string `json:"profile_url,omitempty"`

	// ExternalIDs maps provider name to the provider's ID for this person.
	ExternalIDs map[string]string `json:"external_ids,omitempty"`

	IsPublicCompany bool   `json:"is_public_company"`
	CompanyFilingID string `json:"company_filing_id,omitempty"`

	EnrichmentStatus    EnrichmentStatus            `json:"enrichment_status"`
	SourceStatus        map[SourceName]SourceStatus `json:"enrichment_source_status"`
	EnrichmentRunID     string                      `json:"enrichment_run_id,omitempty"`
	EnrichmentStartedAt *time.Time                  `json:"enrichment_started_at,omitempty"`
	LastEnrichedAt      *time.Time                  `json:"last_enriched_at,omitempty"`

	ContactData  *ContactData  `json:"contact_data,omitempty"`
	WebIntelData *WebIntelData `json:"web_intel_data,omitempty"`
	FilingsData  *FilingsData  `json:"filings_data,omitempty"`
	AISummary    string        `json:"ai_summary,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName prefers the full name and falls back to first + last.
func (p Prospect) DisplayName() string {
	return displayName(p.FullName, p.FirstName, p.LastName)
}

// ContactData is the professional-contact provider payload.
type ContactData struct {
	WorkEmail     string    `json:"work_email,omitempty"`
	PersonalEmail string    `json:"personal_email,omitempty"`
	WorkPhone     string    `json:"work_phone,omitempty"`
	PersonalPhone string    `json:"personal_phone,omitempty"`
	Confidence    int       `json:"confidence"`
	Sources       []string  `json:"sources,omitempty"`
	RetrievedAt   time.Time `json:"retrieved_at"`
}

// WebMention is one public web result about the prospect.
type WebMention struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Snippet     string  `json:"snippet,omitempty"`
	PublishedAt string  `json:"published_at,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

// WebIntelData is the web-intelligence provider payload.
type WebIntelData struct {
	Query       string       `json:"query"`
	Mentions    []WebMention `json:"mentions"`
	RetrievedAt time.Time    `json:"retrieved_at"`
}

// InsiderTransaction is one reported insider trade.
type InsiderTransaction struct {
	ReportingOwner   string  `json:"reporting_owner"`
	Form             string  `json:"form"`
	TransactionDate  string  `json:"transaction_date"`
	TransactionType  string  `json:"transaction_type"`
	AcquiredDisposed string  `json:"acquired_disposed"`
	Shares           float64 `json:"shares"`
	SharesOwnedAfter float64 `json:"shares_owned_after"`
	SecurityName     string  `json:"security_name,omitempty"`
}

// FilingsData is the regulatory-filings provider payload.
type FilingsData struct {
	CompanyFilingID string               `json:"company_filing_id"`
	Transactions    []InsiderTransaction `json:"transactions"`
	RetrievedAt     time.Time            `json:"retrieved_at"`
}

// Candidate is inbound identity data for Resolver.Upsert.
type Candidate struct {
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	FullName      string `json:"full_name,omitempty"`
	Title         string `json:"title,omitempty"`
	Company       string `json:"company,omitempty"`
	CompanyDomain string `json:"company_domain,omitempty"`
	Location      string `json:"location,omitempty"`

	WorkEmail     string `json:"work_email,omitempty"`
	PersonalEmail string `json:"personal_email,omitempty"`
	WorkPhone     string `json:"work_phone,omitempty"`
	PersonalPhone string `json:"personal_phone,omitempty"`
	ProfileURL    string `json:"profile_url,omitempty"`

	ExternalIDs map[string]string `json:"external_ids,omitempty"`

	IsPublicCompany bool   `json:"is_public_company,omitempty"`
	CompanyFilingID string `json:"company_filing_id,omitempty"`

	CreatedBy string `json:"-"`
}
