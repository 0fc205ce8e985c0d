// Package peoplesearch is the client for the people-search provider.
package peoplesearch

import (
	"context"
	"net/http"
	"strings"

	"github.com/shpitdev/prospect-enrichment/internal/providers/httpx"
	"github.com/shpitdev/prospect-enrichment/internal/search"
)

// Name identifies the provider in external IDs and logs.
const Name = "peoplesearch"

type Client struct {
	http *httpx.Client
}

func New(cfg httpx.Config) (*Client, error) {
	if cfg.Provider == "" {
		cfg.Provider = Name
	}
	hc, err := httpx.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{http: hc}, nil
}

type searchRequest struct {
	PersonTitles           []string `json:"person_titles,omitempty"`
	PersonSeniorities      []string `json:"person_seniorities,omitempty"`
	OrganizationIndustries []string `json:"organization_industries,omitempty"`
	PersonLocations        []string `json:"person_locations,omitempty"`
	EmployeeRanges         []string `json:"organization_num_employees_ranges,omitempty"`
	Keywords               string   `json:"q_keywords,omitempty"`
	Page                   int      `json:"page"`
	PerPage                int      `json:"per_page"`
}

type searchResponse struct {
	People     []personDTO   `json:"people"`
	Pagination paginationDTO `json:"pagination"`
}

type personDTO struct {
	ID           string          `json:"id"`
	FirstName    string          `json:"first_name"`
	LastName     string          `json:"last_name"`
	Name         string          `json:"name"`
	Title        string          `json:"title"`
	Seniority    string          `json:"seniority"`
	Email        string          `json:"email"`
	LinkedInURL  string          `json:"linkedin_url"`
	City         string          `json:"city"`
	State        string          `json:"state"`
	Country      string          `json:"country"`
	Organization organizationDTO `json:"organization"`
}

type organizationDTO struct {
	Name           string `json:"name"`
	PrimaryDomain  string `json:"primary_domain"`
	PubliclyTraded bool   `json:"publicly_traded"`
	CIK            string `json:"cik"`
}

type paginationDTO struct {
	Page         int `json:"page"`
	PerPage      int `json:"per_page"`
	TotalEntries int `json:"total_entries"`
	TotalPages   int `json:"total_pages"`
}

// Search implements search.Provider.
func (c *Client) Search(ctx context.Context, q search.Query) (search.Page, error) {
	req := searchRequest{
		PersonTitles:           q.Filters.Titles,
		PersonSeniorities:      q.Filters.Seniorities,
		OrganizationIndustries: q.Filters.Industries,
		PersonLocations:        q.Filters.Locations,
		EmployeeRanges:         q.Filters.CompanySizeRanges,
		Keywords:               q.Filters.Keywords,
		Page:                   q.Page,
		PerPage:                q.PageSize,
	}
	var resp searchResponse
	if err := c.http.DoJSON(ctx, httpx.Request{
		Op:     "mixedPeopleSearch",
		Method: http.MethodPost,
		Path:   "v1/mixed_people/search",
		Body:   req,
	}, &resp); err != nil {
		return search.Page{}, err
	}

	out := search.Page{
		People: make([]search.Person, 0, len(resp.People)),
		Pagination: search.Pagination{
			Page:         resp.Pagination.Page,
			PerPage:      resp.Pagination.PerPage,
			TotalEntries: resp.Pagination.TotalEntries,
			TotalPages:   resp.Pagination.TotalPages,
		},
	}
	for _, p := range resp.People {
		out.People = append(out.People, p.toPerson())
	}
	return out, nil
}

func (p personDTO) toPerson() search.Person {
	return search.Person{
		ExternalID:      p.ID,
		FirstName:       strings.TrimSpace(p.FirstName),
		LastName:        strings.TrimSpace(p.LastName),
		FullName:        strings.TrimSpace(p.Name),
		Title:           strings.TrimSpace(p.Title),
		Seniority:       p.Seniority,
		Company:         strings.TrimSpace(p.Organization.Name),
		CompanyDomain:   p.Organization.PrimaryDomain,
		Location:        joinLocation(p.City, p.State, p.Country),
		WorkEmail:       usableEmail(p.Email),
		ProfileURL:      p.LinkedInURL,
		IsPublicCompany: p.Organization.PubliclyTraded,
		CompanyFilingID: p.Organization.CIK,
	}
}

func joinLocation(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}

// usableEmail drops the placeholder the provider returns for locked emails.
func usableEmail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "email_not_unlocked") {
		return ""
	}
	return s
}
