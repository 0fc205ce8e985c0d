// Package filings reads insider transactions from the regulatory-filings
// provider's issuer ownership page.
package filings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/cases"

	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/providers/httpx"
	"github.com/shpitdev/prospect-enrichment/internal/prospect"
)

const Name = "filings"

// ErrMissingIssuer is returned before any request when the query has no issuer ID.
var ErrMissingIssuer = errors.New("filings: company filing id is required")

type Client struct {
	http *httpx.Client
	now  func() time.Time
}

type Option func(*Client)

func WithClock(fn func() time.Time) Option {
	return func(c *Client) { c.now = fn }
}

// New builds a client. The provider identifies callers by User-Agent, so cfg
// should carry a contact address there.
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

// InsiderTransactions implements enrich.FilingsFetcher. Only rows whose
// reporting owner matches the prospect's name are returned.
func (c *Client) InsiderTransactions(ctx context.Context, q enrich.FilingsQuery) (*prospect.FilingsData, error) {
	cik := strings.TrimSpace(q.CompanyFilingID)
	if cik == "" {
		return nil, ErrMissingIssuer
	}
	params := url.Values{}
	params.Set("action", "getissuer")
	params.Set("CIK", cik)

	body, err := c.http.Do(ctx, httpx.Request{
		Op:     "ownershipByIssuer",
		Path:   "cgi-bin/own-disp",
		Query:  params,
		Accept: "text/html",
	})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("filings: parse document: %w", err)
	}

	first, last := q.FirstName, q.LastName
	if first == "" && last == "" {
		if parts := strings.Fields(q.FullName); len(parts) > 0 {
			first, last = parts[0], parts[len(parts)-1]
		}
	}

	out := &prospect.FilingsData{
		CompanyFilingID: cik,
		Transactions:    []prospect.InsiderTransaction{},
		RetrievedAt:     c.now().UTC(),
	}
	for _, tx := range ParseTransactions(doc) {
		if OwnerMatches(tx.ReportingOwner, first, last) {
			out.Transactions = append(out.Transactions, tx)
		}
	}
	return out, nil
}

// ParseTransactions extracts the transaction report table. Columns are located
// by header text so reordering upstream does not shift fields.
func ParseTransactions(doc *goquery.Document) []prospect.InsiderTransaction {
	table := doc.Find("table#transaction-report").First()
	if table.Length() == 0 {
		return nil
	}

	cols := map[string]int{}
	table.Find("tr").First().Find("th,td").Each(func(i int, s *goquery.Selection) {
		cols[headerKey(s.Text())] = i
	})
	if _, ok := cols["reporting owner"]; !ok {
		return nil
	}

	var out []prospect.InsiderTransaction
	table.Find("tr").Slice(1, goquery.ToEnd).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		cell := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= cells.Length() {
				return ""
			}
			return strings.Join(strings.Fields(cells.Eq(i).Text()), " ")
		}
		owner := cell("reporting owner")
		if owner == "" {
			return
		}
		out = append(out, prospect.InsiderTransaction{
			ReportingOwner:   owner,
			Form:             cell("form"),
			TransactionDate:  cell("transaction date"),
			TransactionType:  cell("transaction type"),
			AcquiredDisposed: cell("acquistion/disposition"),
			Shares:           number(cell("number of securities transacted")),
			SharesOwnedAfter: number(cell("number of securities owned")),
			SecurityName:     cell("security name"),
		})
	})
	return out
}

func headerKey(s string) string {
	k := strings.ToLower(strings.Join(strings.Fields(s), " "))
	switch k {
	case "a/d", "acquisition/disposition", "acquistion or disposition", "acquisition or disposition":
		return "acquistion/disposition"
	case "date", "transaction date":
		return "transaction date"
	}
	return k
}

func number(s string) float64 {
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// OwnerMatches reports whether a filing owner name ("LAST FIRST MIDDLE") refers
// to the person. The last name must appear, and the first name or its initial.
func OwnerMatches(owner, first, last string) bool {
	fold := cases.Fold()
	tokens := strings.FieldsFunc(fold.String(owner), func(r rune) bool {
		return r == ' ' || r == ',' || r == '.'
	})
	if len(tokens) == 0 || strings.TrimSpace(last) == "" {
		return false
	}
	last, first = fold.String(strings.TrimSpace(last)), fold.String(strings.TrimSpace(first))
	hasLast, hasFirst := false, first == ""
	for _, t := range tokens {
		switch {
		case t == last:
			hasLast = true
		case first != "" && (t == first || (len(t) == 1 && strings.HasPrefix(first, t))):
			hasFirst = true
		}
	}
	return hasLast && hasFirst
}
