// Package mockproviders serves deterministic fakes of every external provider
// prospectd talks to: people search, contact lookup, web intelligence, the
// filings ownership pages and the Gemini generateContent endpoint.
package mockproviders

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// Provider names used by Fail and Call.
const (
	PeopleSearch = "peoplesearch"
	Contact      = "contact"
	WebIntel     = "web_intel"
	Filings      = "filings"
	Gemini       = "gemini"
)

// Call records a request made to the mock.
type Call struct {
	Provider string
	Method   string
	Path     string
	Query    string
}

// Person is one entry of the mock directory.
type Person struct {
	ID             string
	FirstName      string
	LastName       string
	Title          string
	Seniority      string
	Company        string
	Domain         string
	Industry       string
	City           string
	Country        string
	Email          string
	Phone          string
	LinkedIn       string
	PubliclyTraded bool
	CIK            string
	// Mentions are returned by the web-intelligence endpoint for this person.
	Mentions []Mention
	// Trades are listed on the issuer's ownership page under this person.
	Trades []Trade
}

func (p Person) Name() string { return p.FirstName + " " + p.LastName }

type Mention struct {
	Title   string
	URL     string
	Content string
}

type Trade struct {
	Date   string
	Type   string
	AD     string
	Shares string
	Owned  string
}

// Directory is the default data set.
var Directory = []Person{
	{
		ID: "ps_001", FirstName: "Ada", LastName: "Lovelace", Title: "Chief Financial Officer", Seniority: "c_suite",
		Company: "Analytical Engines", Domain: "engines.example", Industry: "computer hardware",
		City: "London", Country: "United Kingdom", Email: "ada@engines.example", Phone: "+44 20 7946 0001",
		LinkedIn: "https://www.linkedin.com/in/ada-lovelace", PubliclyTraded: true, CIK: "0000123456",
		Mentions: []Mention{
			{Title: "Analytical Engines names Ada Lovelace CFO", URL: "https://news.example/engines-cfo",
				Content: "<p><b>Ada Lovelace</b> joins Analytical Engines as chief financial officer.</p>"},
			{Title: "Notes on the engine roadmap", URL: "https://blog.example/notes",
				Content: "Ada Lovelace outlined the company's plans for the next generation engine."},
		},
		Trades: []Trade{
			{Date: "2026-02-14", Type: "S-Sale", AD: "D", Shares: "12,500", Owned: "310,000"},
			{Date: "2026-01-03", Type: "M-Exempt", AD: "A", Shares: "4,000", Owned: "322,500"},
		},
	},
	{
		ID: "ps_002", FirstName: "Charles", LastName: "Babbage", Title: "Chief Executive Officer", Seniority: "c_suite",
		Company: "Analytical Engines", Domain: "engines.example", Industry: "computer hardware",
		City: "London", Country: "United Kingdom", Email: "charles@engines.example",
		LinkedIn: "https://www.linkedin.com/in/charles-babbage", PubliclyTraded: true, CIK: "0000123456",
		Trades: []Trade{
			{Date: "2026-01-03", Type: "A-Award", AD: "A", Shares: "1,000", Owned: "9,000"},
		},
	},
	{
		ID: "ps_003", FirstName: "Grace", LastName: "Hopper", Title: "VP Engineering", Seniority: "vp",
		Company: "Cobol Systems", Domain: "cobol.example", Industry: "computer software",
		City: "Arlington", Country: "United States", Email: "grace@cobol.example",
		LinkedIn: "https://www.linkedin.com/in/grace-hopper",
	},
	{
		ID: "ps_004", FirstName: "Alan", LastName: "Turing", Title: "Head of Research", Seniority: "head",
		Company: "Bletchley Labs", Domain: "bletchley.example", Industry: "research",
		City: "Manchester", Country: "United Kingdom", Email: "email_not_unlocked@domain.com",
		Mentions: []Mention{
			{Title: "Bletchley Labs publishes computability paper", URL: "https://journal.example/computable",
				Content: "Alan Turing and colleagues describe a universal machine."},
		},
	},
}

// Server is an in-memory fake of every provider.
type Server struct {
	people []Person

	mu          sync.Mutex
	calls       []Call
	failures    map[string]int
	expectedKey string
}

func New() *Server {
	return NewWithDirectory(Directory)
}

func NewWithDirectory(people []Person) *Server {
	return &Server{people: people, failures: make(map[string]int)}
}

// RequireAPIKey makes every endpoint demand key, via X-Api-Key, an
// Authorization bearer token or the key query parameter. An empty key
// disables the check.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedKey = strings.TrimSpace(key)
}

// Fail makes provider answer every request with status until Recover.
func (s *Server) Fail(provider string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[provider] = status
}

func (s *Server) Recover(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, provider)
}

// Calls returns a snapshot of requests, optionally limited to one provider.
func (s *Server) Calls(provider string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		if provider == "" || c.Provider == provider {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/mixed_people/search", s.wrap(PeopleSearch, s.handlePeopleSearch))
	mux.HandleFunc("GET /v2/email-finder", s.wrap(Contact, s.handleEmailFinder))
	mux.HandleFunc("POST /search", s.wrap(WebIntel, s.handleWebSearch))
	mux.HandleFunc("GET /cgi-bin/own-disp", s.wrap(Filings, s.handleOwnership))
	mux.HandleFunc("POST /v1beta/models/{action}", s.wrap(Gemini, s.handleGenerate))
	return mux
}

func (s *Server) wrap(provider string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Provider: provider, Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery})
		status, failing := s.failures[provider]
		expected := s.expectedKey
		s.mu.Unlock()

		if expected != "" && !hasKey(r, expected) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "invalid api key", "code": "unauthorized"}})
			return
		}
		if failing {
			writeJSON(w, status, map[string]any{"error": map[string]any{"message": "injected failure", "code": strconv.Itoa(status)}})
			return
		}
		next(w, r)
	}
}

func hasKey(r *http.Request, key string) bool {
	return r.Header.Get("X-Api-Key") == key ||
		r.Header.Get("X-Goog-Api-Key") == key ||
		r.Header.Get("Authorization") == "Bearer "+key ||
		r.URL.Query().Get("key") == key
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type peopleSearchRequest struct {
	PersonTitles []string `json:"person_titles"`
	Seniorities  []string `json:"person_seniorities"`
	Industries   []string `json:"organization_industries"`
	Locations    []string `json:"person_locations"`
	Keywords     string   `json:"q_keywords"`
	Page         int      `json:"page"`
	PerPage      int      `json:"per_page"`
}

func (s *Server) handlePeopleSearch(w http.ResponseWriter, r *http.Request) {
	var req peopleSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": map[string]any{"message": "invalid body"}})
		return
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PerPage < 1 {
		req.PerPage = 25
	}

	var matched []Person
	for _, p := range s.people {
		if matchesAny(p.Title, req.PersonTitles) && matchesAny(p.Seniority, req.Seniorities) &&
			matchesAny(p.Industry, req.Industries) && matchesAny(p.City+" "+p.Country, req.Locations) &&
			matchesAll(p.Name()+" "+p.Company+" "+p.Title, strings.Fields(req.Keywords)) {
			matched = append(matched, p)
		}
	}

	start := min((req.Page-1)*req.PerPage, len(matched))
	end := min(start+req.PerPage, len(matched))
	people := make([]map[string]any, 0, end-start)
	for _, p := range matched[start:end] {
		people = append(people, map[string]any{
			"id":           p.ID,
			"first_name":   p.FirstName,
			"last_name":    p.LastName,
			"name":         p.Name(),
			"title":        p.Title,
			"seniority":    p.Seniority,
			"email":        p.Email,
			"linkedin_url": p.LinkedIn,
			"city":         p.City,
			"country":      p.Country,
			"organization": map[string]any{
				"name":            p.Company,
				"primary_domain":  p.Domain,
				"publicly_traded": p.PubliclyTraded,
				"cik":             p.CIK,
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"people": people,
		"pagination": map[string]any{
			"page":          req.Page,
			"per_page":      req.PerPage,
			"total_entries": len(matched),
			"total_pages":   (len(matched) + req.PerPage - 1) / req.PerPage,
		},
	})
}

func (s *Server) handleEmailFinder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	domain, last := strings.ToLower(q.Get("domain")), strings.ToLower(q.Get("last_name"))
	if domain == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]any{{"details": "domain is required"}}})
		return
	}
	data := map[string]any{"email": nil, "score": 0}
	for _, p := range s.people {
		if strings.ToLower(p.Domain) == domain && strings.ToLower(p.LastName) == last {
			data = map[string]any{
				"email":        strings.ToLower(p.FirstName) + "@" + p.Domain,
				"score":        92,
				"phone_number": p.Phone,
				"sources":      []map[string]any{{"uri": "https://" + p.Domain + "/team"}},
			}
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) handleWebSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid body"})
		return
	}
	query := strings.ToLower(req.Query)
	results := []map[string]any{}
	for _, p := range s.people {
		if !strings.Contains(query, strings.ToLower(p.Name())) {
			continue
		}
		for i, m := range p.Mentions {
			results = append(results, map[string]any{
				"title":          m.Title,
				"url":            m.URL,
				"content":        m.Content,
				"published_date": "2026-01-1" + strconv.Itoa(i),
				"score":          0.9 - float64(i)/10,
			})
		}
	}
	if req.MaxResults > 0 && len(results) > req.MaxResults {
		results = results[:req.MaxResults]
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": req.Query, "results": results})
}

func (s *Server) handleOwnership(w http.ResponseWriter, r *http.Request) {
	cik := r.URL.Query().Get("CIK")
	var b strings.Builder
	company := ""
	for _, p := range s.people {
		if p.CIK == cik {
			company = p.Company
			break
		}
	}
	b.WriteString("<html><head><title>Ownership Information</title></head><body>\n")
	if company == "" {
		b.WriteString("<p>No matching CIK.</p></body></html>")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, b.String())
		return
	}
	fmt.Fprintf(&b, "<table><tr><td>%s (%s)</td></tr></table>\n", html.EscapeString(strings.ToUpper(company)), html.EscapeString(cik))
	b.WriteString(`<table id="transaction-report" border="1">` + "\n")
	b.WriteString("<tr><th>A/D</th><th>Date</th><th>Reporting Owner</th><th>Form</th><th>Transaction Type</th>" +
		"<th>Direct/Indirect Ownership</th><th>Number of Securities Transacted</th>" +
		"<th>Number of Securities Owned</th><th>Security Name</th></tr>\n")
	for _, p := range s.people {
		if p.CIK != cik {
			continue
		}
		owner := html.EscapeString(p.LastName + " " + p.FirstName)
		for _, t := range p.Trades {
			fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td><a href=\"#\">%s</a></td><td>4</td><td>%s</td><td>D</td><td>%s</td><td>%s</td><td>Common Stock</td></tr>\n",
				t.AD, t.Date, owner, html.EscapeString(t.Type), t.Shares, t.Owned)
		}
	}
	b.WriteString("</table></body></html>")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, b.String())
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	model, ok := strings.CutSuffix(action, ":generateContent")
	if !ok {
		http.NotFound(w, r)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	name := "this prospect"
	for _, p := range s.people {
		if strings.Contains(string(raw), p.Name()) {
			name = p.Name()
			break
		}
	}
	text, _ := json.Marshal(map[string]any{
		"summary":    fmt.Sprintf("%s is an active executive with recent public activity.", name),
		"key_points": []string{"Recent public mentions", "Generated by " + model},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": string(text)}}},
			"finishReason": "STOP",
		}},
		"modelVersion": model,
	})
}

func matchesAny(value string, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	v := strings.ToLower(value)
	for _, w := range wanted {
		if strings.Contains(v, strings.ToLower(strings.TrimSpace(w))) {
			return true
		}
	}
	return false
}

func matchesAll(value string, words []string) bool {
	v := strings.ToLower(value)
	for _, w := range words {
		if !strings.Contains(v, strings.ToLower(w)) {
			return false
		}
	}
	return true
}
