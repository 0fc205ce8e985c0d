package search

import (
	"slices"
	"strings"

	"github.com/shpitdev/prospect-enrichment/internal/prospect"
)

// Filters narrows a people search. Every list is a set: order and duplicates
// carry no meaning.
type Filters struct {
	Titles            []string `json:"titles,omitempty"`
	Seniorities       []string `json:"seniorities,omitempty"`
	Industries        []string `json:"industries,omitempty"`
	Locations         []string `json:"locations,omitempty"`
	CompanySizeRanges []string `json:"company_size_ranges,omitempty"`
	Keywords          string   `json:"keywords,omitempty"`
}

// Normalized returns a copy with trimmed, de-duplicated, sorted lists.
func (f Filters) Normalized() Filters {
	return Filters{
		Titles:            normalizeSet(f.Titles),
		Seniorities:       normalizeSet(f.Seniorities),
		Industries:        normalizeSet(f.Industries),
		Locations:         normalizeSet(f.Locations),
		CompanySizeRanges: normalizeSet(f.CompanySizeRanges),
		Keywords:          strings.Join(strings.Fields(f.Keywords), " "),
	}
}

// Empty reports whether no filter is set.
func (f Filters) Empty() bool {
	n := f.Normalized()
	return len(n.Titles) == 0 && len(n.Seniorities) == 0 && len(n.Industries) == 0 &&
		len(n.Locations) == 0 && len(n.CompanySizeRanges) == 0 && n.Keywords == ""
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Query is one page request against the people-search provider.
type Query struct {
	Filters  Filters `json:"filters"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

// Person is one people-search hit.
type Person struct {
	ExternalID      string `json:"external_id"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	FullName        string `json:"full_name,omitempty"`
	Title           string `json:"title,omitempty"`
	Seniority       string `json:"seniority,omitempty"`
	Company         string `json:"company,omitempty"`
	CompanyDomain   string `json:"company_domain,omitempty"`
	Location        string `json:"location,omitempty"`
	WorkEmail       string `json:"work_email,omitempty"`
	ProfileURL      string `json:"profile_url,omitempty"`
	IsPublicCompany bool   `json:"is_public_company,omitempty"`
	CompanyFilingID string `json:"company_filing_id,omitempty"`
}

// Candidate converts a hit into resolver input. The provider's ID is kept as an
// external identity reference under provider.
func (p Person) Candidate(provider string) prospect.Candidate {
	c := prospect.Candidate{
		FirstName:       p.FirstName,
		LastName:        p.LastName,
		FullName:        p.FullName,
		Title:           p.Title,
		Company:         p.Company,
		CompanyDomain:   p.CompanyDomain,
		Location:        p.Location,
		WorkEmail:       p.WorkEmail,
		ProfileURL:      p.ProfileURL,
		IsPublicCompany: p.IsPublicCompany,
		CompanyFilingID: p.CompanyFilingID,
	}
	if p.ExternalID != "" && provider != "" {
		c.ExternalIDs = map[string]string{provider: p.ExternalID}
	}
	return c
}

type Pagination struct {
	Page         int `json:"page"`
	PerPage      int `json:"per_page"`
	TotalEntries int `json:"total_entries"`
	TotalPages   int `json:"total_pages"`
}

// Page is what the provider returns for one Query.
type Page struct {
	People     []Person   `json:"people"`
	Pagination Pagination `json:"pagination"`
}

// Result is what SearchPeople returns to callers.
type Result struct {
	People     []Person   `json:"people"`
	Pagination Pagination `json:"pagination"`
	Cached     bool       `json:"cached"`
	// Degraded is set when the provider was unavailable and the result is the
	// empty fallback.
	Degraded bool `json:"degraded,omitempty"`
}
