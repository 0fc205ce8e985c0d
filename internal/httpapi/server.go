// Package httpapi exposes people search, prospect upsert and enrichment
// triggers over HTTP. The caller's identity comes from trusted headers set by
// the identity provider in front of the service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shpitdev/prospect-enrichment/internal/auth"
	"github.com/shpitdev/prospect-enrichment/internal/breaker"
	"github.com/shpitdev/prospect-enrichment/internal/enrich/orchestrator"
	"github.com/shpitdev/prospect-enrichment/internal/logging"
	"github.com/shpitdev/prospect-enrichment/internal/prospect"
	"github.com/shpitdev/prospect-enrichment/internal/ratelimit"
	"github.com/shpitdev/prospect-enrichment/internal/search"
	"github.com/shpitdev/prospect-enrichment/internal/version"
)

// Identity headers.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

const maxBodyBytes = 1 << 20

type Searcher interface {
	SearchPeople(ctx context.Context, p auth.Principal, filters search.Filters, page, pageSize int) (search.Result, error)
}

type Upserter interface {
	Upsert(ctx context.Context, tenantID string, c prospect.Candidate, listIDs []string) (prospect.Prospect, error)
}

type Prospects interface {
	Get(ctx context.Context, tenantID, id string) (prospect.Prospect, error)
	List(ctx context.Context, tenantID string, opts prospect.ListOptions) ([]prospect.Prospect, error)
}

type Enricher interface {
	Due(p prospect.Prospect) bool
	Trigger(ctx context.Context, prospectID, tenantID, userID string) (orchestrator.TriggerResult, error)
}

type BreakerSnapshots interface {
	Snapshots() []breaker.Snapshot
}

// Deps are the operations the API adapts.
type Deps struct {
	Search    Searcher
	Resolver  Upserter
	Prospects Prospects
	Enricher  Enricher
	Breakers  BreakerSnapshots
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Server) { s.now = fn }
}

func New(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps, logger: logging.Discard(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "httpapi")
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)
	r.Use(s.logRequests)

	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requirePrincipal)
		r.Post("/v1/people/search", s.handleSearch)
		r.Get("/v1/prospects", s.handleListProspects)
		r.Post("/v1/prospects", s.handleUpsert)
		r.Get("/v1/prospects/{id}", s.handleGetProspect)
		r.Post("/v1/prospects/{id}/enrich", s.handleEnrich)
	})
	return r
}

// requirePrincipal rejects requests without a tenant and user.
func requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := auth.Principal{
			TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
			UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
			Role:     strings.TrimSpace(r.Header.Get(HeaderUserRole)),
		}
		if !p.Valid() {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+HeaderTenantID+" or "+HeaderUserID)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panicked", "path", r.URL.Path, "panic", rec,
					"request_id", middleware.GetReqID(r.Context()))
				writeError(w, http.StatusInternalServerError, "internal", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
			"tenant_id", r.Header.Get(HeaderTenantID),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorBody{Error: kind, Message: msg})
}

// writeFailure maps the service error taxonomy onto HTTP.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr    *prospect.ValidationError
		limited *ratelimit.ExceededError
		perr    *prospect.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: verr.Message, Field: verr.Field})
	case errors.Is(err, search.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.As(err, &limited):
		retry := limited.RetryAfter(s.now())
		w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limited.Limit))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(limited.ResetAt.Unix(), 10))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded for "+limited.Scope)
	case errors.Is(err, prospect.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "prospect not found")
	case errors.As(err, &perr):
		s.logger.Error("persistence failure", "path", r.URL.Path, "op", perr.Op, "error", perr.Err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

type healthResponse struct {
	Status   string             `json:"status"`
	Version  string             `json:"version"`
	Breakers []breaker.Snapshot `json:"breakers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	out := healthResponse{Status: "ok", Version: version.Current, Breakers: []breaker.Snapshot{}}
	if s.deps.Breakers != nil {
		out.Breakers = s.deps.Breakers.Snapshots()
	}
	for _, b := range out.Breakers {
		if b.State != breaker.Closed {
			out.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, out)
}
