package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shpitdev/prospect-enrichment/internal/enrich/orchestrator"
	"github.com/shpitdev/prospect-enrichment/internal/prospect"
	"github.com/shpitdev/prospect-enrichment/internal/search"
)

type searchRequest struct {
	Filters  search.Filters `json:"filters"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Search == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "people search is not configured")
		return
	}
	var req searchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Search.SearchPeople(r.Context(), principal(r), req.Filters, req.Page, req.PageSize)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type upsertRequest struct {
	prospect.Candidate
	ListIDs []string `json:"list_ids,omitempty"`
	// Enrich triggers enrichment right after the save when the prospect is due.
	Enrich bool `json:"enrich,omitempty"`
}

type prospectResponse struct {
	Prospect   prospect.Prospect          `json:"prospect"`
	Enrichment orchestrator.TriggerResult `json:"enrichment,omitempty"`
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p := principal(r)
	c := req.Candidate
	c.CreatedBy = p.UserID

	saved, err := s.deps.Resolver.Upsert(r.Context(), p.TenantID, c, req.ListIDs)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	out := prospectResponse{Prospect: saved}
	if req.Enrich {
		out.Prospect, out.Enrichment = s.triggerIfDue(r, saved)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListProspects(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "offset must be an integer")
		return
	}
	list, err := s.deps.Prospects.List(r.Context(), principal(r).TenantID, prospect.ListOptions{
		ListID: r.URL.Query().Get("list_id"),
		Status: prospect.EnrichmentStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if list == nil {
		list = []prospect.Prospect{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prospects": list})
}

// handleGetProspect is the profile view. Opening a stale or never-enriched
// profile starts enrichment in the background.
func (s *Server) handleGetProspect(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	got, err := s.deps.Prospects.Get(r.Context(), p.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	out := prospectResponse{Prospect: got}
	out.Prospect, out.Enrichment = s.triggerIfDue(r, got)
	writeJSON(w, http.StatusOK, out)
}

// triggerIfDue starts enrichment for a due prospect and returns the prospect as
// it stands afterwards. Trigger failures are logged; the view still renders.
func (s *Server) triggerIfDue(r *http.Request, p prospect.Prospect) (prospect.Prospect, orchestrator.TriggerResult) {
	if s.deps.Enricher == nil || !s.deps.Enricher.Due(p) {
		return p, ""
	}
	pr := principal(r)
	res, err := s.deps.Enricher.Trigger(r.Context(), p.ID, pr.TenantID, pr.UserID)
	if err != nil {
		s.logger.Warn("enrichment trigger failed", "prospect_id", p.ID, "tenant_id", pr.TenantID, "error", err)
		return p, ""
	}
	if res == orchestrator.Started {
		if fresh, err := s.deps.Prospects.Get(r.Context(), pr.TenantID, p.ID); err == nil {
			p = fresh
		}
	}
	return p, res
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	if s.deps.Enricher == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "enrichment is not configured")
		return
	}
	p := principal(r)
	res, err := s.deps.Enricher.Trigger(r.Context(), chi.URLParam(r, "id"), p.TenantID, p.UserID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	code := http.StatusOK
	if res == orchestrator.Started {
		code = http.StatusAccepted
	}
	writeJSON(w, code, map[string]any{"result": res})
}
