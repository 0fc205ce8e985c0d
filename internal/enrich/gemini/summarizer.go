// Package gemini implements enrich.Summarizer on the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/shpitdev/prospect-enrichment/internal/enrich"
)

const maxMentionsInPrompt = 8

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string
}

type Summarizer struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, cfg Config) (*Summarizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Summarizer{client: client, model: strings.TrimSpace(cfg.Model)}, nil
}

type responseSchema struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary":    {Type: genai.TypeString},
		"key_points": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"summary", "key_points"},
}

// Summarize implements enrich.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, in enrich.SummaryInput) (enrich.Summary, error) {
	base := enrich.Summary{Model: s.model}
	if strings.TrimSpace(in.Name) == "" {
		return base, errors.New("gemini: prospect name is required")
	}

	resp, err := s.client.Models.GenerateContent(
		ctx,
		s.model,
		genai.Text(buildPrompt(in)),
		&genai.GenerateContentConfig{
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema,
		},
	)
	if err != nil {
		return base, classifyErr(err)
	}

	var parsed responseSchema
	if err := json.Unmarshal([]byte(resp.Text()), &parsed); err != nil {
		return base, fmt.Errorf("gemini: parse structured json: %w", err)
	}
	text := strings.TrimSpace(parsed.Summary)
	if text == "" {
		return base, errors.New("gemini: empty summary")
	}

	out := enrich.Summary{Text: text, Model: s.model}
	for _, p := range parsed.KeyPoints {
		if p = strings.TrimSpace(p); p != "" {
			out.KeyPoints = append(out.KeyPoints, p)
		}
	}
	return out, nil
}

func buildPrompt(in enrich.SummaryInput) string {
	var b strings.Builder
	// Contact details stay out of the prompt; only whether they exist.
	b.WriteString(`You are a sales research assistant. Write a short, factual brief about the prospect below for a salesperson preparing outreach.

Return ONLY a single JSON object with these keys:
- summary (string; 2-4 sentences)
- key_points (array of strings; at most 5)

Rules:
- Use only the facts provided. Do not speculate.
- Do not include email addresses or phone numbers.

Prospect:
`)
	writeField(&b, "Name", in.Name)
	writeField(&b, "Title", in.Title)
	writeField(&b, "Company", in.Company)
	writeField(&b, "Location", in.Location)
	if in.Contact != nil && in.Contact.WorkEmail != "" {
		b.WriteString("Verified work email: yes\n")
	}

	b.WriteString("\nWeb mentions:\n")
	if in.WebIntel == nil || len(in.WebIntel.Mentions) == 0 {
		b.WriteString("none\n")
	} else {
		for i, m := range in.WebIntel.Mentions {
			if i == maxMentionsInPrompt {
				break
			}
			fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, m.Title, m.URL)
			if m.Snippet != "" {
				fmt.Fprintf(&b, "   %s\n", m.Snippet)
			}
		}
	}

	b.WriteString("\nInsider transactions:\n")
	if in.Filings == nil || len(in.Filings.Transactions) == 0 {
		b.WriteString("none\n")
	} else {
		for _, tx := range in.Filings.Transactions {
			fmt.Fprintf(&b, "- %s %s %s %s shares", tx.TransactionDate, tx.TransactionType, tx.AcquiredDisposed,
				strconv.FormatFloat(tx.Shares, 'f', -1, 64))
			if tx.SecurityName != "" {
				fmt.Fprintf(&b, " (%s)", tx.SecurityName)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func writeField(b *strings.Builder, label, value string) {
	if value = strings.TrimSpace(value); value != "" {
		fmt.Fprintf(b, "%s: %s\n", label, value)
	}
}

func classifyErr(err error) error {
	// Transient failures count against the provider's breaker.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &enrich.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
		return &enrich.TransientError{Err: err}
	}
	return err
}
