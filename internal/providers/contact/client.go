// Package contact is the client for the professional-contact (email finder)
// provider.
package contact

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/providers/httpx"
	"github.com/shpitdev/prospect-enrichment/internal/prospect"
)

const Name = "contact"

// ErrInsufficientQuery is returned before any request when the query lacks a
// domain or a name.
var ErrInsufficientQuery = errors.New("contact: domain and name are required")

type Client struct {
	http *httpx.Client
	now  func() time.Time
}

type Option func(*Client)

func WithClock(fn func() time.Time) Option {
	return func(c *Client) { c.now = fn }
}

func New(cfg httpx.Config, opts ...Option) (*Client, error) {
	if cfg.Provider == "" {
		cfg.Provider = Name
	}
	hc, err := httpx.New(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{http: hc, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type finderResponse struct {
	Data struct {
		Email         string `json:"email"`
		Score         int    `json:"score"`
		PersonalEmail string `json:"personal_email"`
		PhoneNumber   string `json:"phone_number"`
		MobileNumber  string `json:"mobile_number"`
		Sources       []struct {
			URI string `json:"uri"`
		} `json:"sources"`
	} `json:"data"`
}

// FindContact implements enrich.ContactFinder. A response without an email is
// not an error: the payload simply carries what the provider knew.
func (c *Client) FindContact(ctx context.Context, q enrich.ContactQuery) (*prospect.ContactData, error) {
	first, last := q.FirstName, q.LastName
	if first == "" && last == "" {
		first, last = splitName(q.FullName)
	}
	domain := prospect.NormalizeDomain(q.Domain)
	if domain == "" || (first == "" && last == "") {
		return nil, ErrInsufficientQuery
	}

	params := url.Values{}
	params.Set("domain", domain)
	params.Set("first_name", first)
	params.Set("last_name", last)
	if q.Company != "" {
		params.Set("company", q.Company)
	}

	var resp finderResponse
	if err := c.http.DoJSON(ctx, httpx.Request{
		Op:    "emailFinder",
		Path:  "v2/email-finder",
		Query: params,
	}, &resp); err != nil {
		return nil, err
	}

	out := &prospect.ContactData{
		WorkEmail:     strings.TrimSpace(resp.Data.Email),
		PersonalEmail: strings.TrimSpace(resp.Data.PersonalEmail),
		WorkPhone:     strings.TrimSpace(resp.Data.PhoneNumber),
		PersonalPhone: strings.TrimSpace(resp.Data.MobileNumber),
		Confidence:    resp.Data.Score,
		RetrievedAt:   c.now().UTC(),
	}
	for _, s := range resp.Data.Sources {
		if s.URI != "" {
			out.Sources = append(out.Sources, s.URI)
		}
	}
	return out, nil
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], parts[len(parts)-1]
	}
}
