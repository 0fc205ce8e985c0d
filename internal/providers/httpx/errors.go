package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/redact"
)

// providerErrorEnvelope covers the common {"error": {...}} and {"message": ...}
// shapes returned by the providers we call. Unknown fields are ignored.
type providerErrorEnvelope struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Error   struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// HTTPError is a sanitized summary of a non-2xx provider response.
//
// Raw bodies are never kept: they can carry PII or echoed credentials.
type HTTPError struct {
	Provider   string
	Op         string
	StatusCode int
	Status     string
	Code       string
	Message    string
	RetryAfter time.Duration

	// Snippet is a redacted, truncated hint for responses without an error envelope.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "provider http error"
	}
	parts := []string{
		fmt.Sprintf("%s api error: op=%s status=%s", e.Provider, strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, "message="+e.Message)
	}
	if e.Snippet != "" {
		parts = append(parts, "body="+e.Snippet)
	}
	return strings.Join(parts, " ")
}

func newHTTPError(provider, op string, resp *http.Response, body []byte) *HTTPError {
	h := &HTTPError{Provider: provider, Op: op}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
		h.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	var env providerErrorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil {
		msg := firstNonEmpty(env.Error.Message, env.Message)
		code := firstNonEmpty(env.Error.Code, env.Code)
		if msg != "" || code != "" {
			h.Message = redact.Truncate(msg, 200)
			h.Code = strings.TrimSpace(code)
			return h
		}
	}
	h.Snippet = redact.Truncate(string(body), 256)
	return h
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
