package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/prospect-enrichment/internal/enrich"
)

func newTestClient(t *testing.T, h http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL + "/api"
	if cfg.Provider == "" {
		cfg.Provider = "test"
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestDoJSON_SendsHeadersAndDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/search", r.URL.Path)
		assert.Equal(t, "acme.com", r.URL.Query().Get("domain"))
		assert.Equal(t, "k-123", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, r.Header.Get("User-Agent"), "prospectd/")
		_, _ = w.Write([]byte(`{"name":"Ada"}`))
	}, Config{APIKey: "k-123"})

	var out struct{ Name string }
	err := c.DoJSON(context.Background(), Request{
		Op:     "search",
		Method: http.MethodPost,
		Path:   "/v1/search",
		Query:  url.Values{"domain": {"acme.com"}},
		Body:   map[string]string{"q": "x"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "Ada", out.Name)
}

func TestDo_BearerAuth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}, Config{APIKey: "tok", AuthHeader: "Authorization"})

	_, err := c.Do(context.Background(), Request{Op: "ping", Path: "ping"})
	require.NoError(t, err)
}

func TestDo_ClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","code":"E1"}}`))
			}, Config{})

			_, err := c.Do(context.Background(), Request{Op: "lookup", Path: "x"})
			require.Error(t, err)
			assert.Equal(t, tc.transient, enrich.IsTransient(err))

			var h *HTTPError
			require.True(t, errors.As(err, &h))
			assert.Equal(t, tc.status, h.StatusCode)
			assert.Equal(t, "E1", h.Code)
			assert.Equal(t, "nope", h.Message)
			assert.Equal(t, 7*time.Second, h.RetryAfter)
			assert.Equal(t, tc.status, StatusCode(err))
		})
	}
}

func TestDo_RedactsSnippet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("denied for api_key=sk-secret-value\nbye"))
	}, Config{})

	_, err := c.Do(context.Background(), Request{Op: "lookup", Path: "x"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sk-secret-value")
	assert.NotContains(t, err.Error(), "\n")
}

func TestDoJSON_UndecodableIsBusinessError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}, Config{})

	var out map[string]any
	err := c.DoJSON(context.Background(), Request{Op: "lookup", Path: "x"}, &out)
	require.Error(t, err)
	assert.False(t, enrich.IsTransient(err))
}

func TestDo_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c, err := New(Config{Provider: "down", BaseURL: base})
	require.NoError(t, err)
	_, err = c.Do(context.Background(), Request{Op: "lookup", Path: "x"})
	require.Error(t, err)
	assert.True(t, enrich.IsTransient(err))
}

func TestParseBaseURL(t *testing.T) {
	u, err := ParseBaseURL("api.example.com/v2", "contact")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v2/", u.String())

	_, err = ParseBaseURL("", "contact")
	require.Error(t, err)
}
