// Package httpx is the shared HTTP client for external providers.
//
// It owns the conventions every provider client follows: base URL resolution,
// API key header, user agent, per-request timeout and error classification.
// 429, 5xx and network failures come back as enrich.TransientError so the
// circuit breaker counts them; any other non-2xx is an *HTTPError business
// error.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/version"
)

const maxBodyBytes = 4 << 20

type Config struct {
	// Provider names the upstream in errors and logs.
	Provider string
	BaseURL  string
	APIKey   string
	// AuthHeader is the header that carries APIKey. "Authorization" sends a
	// bearer token. Defaults to X-Api-Key.
	AuthHeader string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	provider   string
	base       *url.URL
	apiKey     string
	authHeader string
	userAgent  string
	http       *http.Client
}

func New(cfg Config) (*Client, error) {
	base, err := ParseBaseURL(cfg.BaseURL, cfg.Provider)
	if err != nil {
		return nil, err
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			Timeout:   timeout,
		}
	}
	authHeader := strings.TrimSpace(cfg.AuthHeader)
	if authHeader == "" {
		authHeader = "X-Api-Key"
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = version.UserAgent()
	}
	return &Client{
		provider:   cfg.Provider,
		base:       base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		authHeader: authHeader,
		userAgent:  ua,
		http:       hc,
	}, nil
}

// ParseBaseURL normalises a provider base URL so relative paths resolve under it.
func ParseBaseURL(raw, name string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s base URL: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s base URL must include a host (got %q)", name, raw)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func (c *Client) Provider() string { return c.provider }

// Request describes one provider call.
type Request struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-encoded when non-nil.
	Body   any
	Accept string
}

// Do performs the request and returns the 2xx response body.
func (c *Client) Do(ctx context.Context, r Request) ([]byte, error) {
	u := c.base.ResolveReference(&url.URL{Path: strings.TrimLeft(r.Path, "/")})
	if len(r.Query) > 0 {
		u.RawQuery = r.Query.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode request: %w", c.provider, r.Op, err)
		}
		body = bytes.NewReader(b)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	accept := r.Accept
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		if strings.EqualFold(c.authHeader, "Authorization") {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		} else {
			req.Header.Set(c.authHeader, c.apiKey)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &enrich.TransientError{Err: fmt.Errorf("%s %s: %w", c.provider, r.Op, err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &enrich.TransientError{Err: fmt.Errorf("%s %s: read response: %w", c.provider, r.Op, err)}
	}
	if resp.StatusCode/100 != 2 {
		herr := newHTTPError(c.provider, r.Op, resp, b)
		if Retryable(resp.StatusCode) {
			return nil, &enrich.TransientError{Err: herr}
		}
		return nil, herr
	}
	return b, nil
}

// DoJSON performs the request and decodes the JSON response into out. A body
// that does not decode is a business error, not a transient one.
func (c *Client) DoJSON(ctx context.Context, r Request, out any) error {
	b, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", c.provider, r.Op, err)
	}
	return nil
}

// Retryable reports whether a status code indicates a transient upstream problem.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

// StatusCode extracts the upstream status from err, or 0.
func StatusCode(err error) int {
	var h *HTTPError
	if errors.As(err, &h) {
		return h.StatusCode
	}
	return 0
}
