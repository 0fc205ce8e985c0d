package prospect

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shpitdev/prospect-enrichment/internal/activity"
)

// Resolver maps inbound candidates onto prospect rows.
//
// Dedup precedence, first match wins: tenant + normalized work email, then
// tenant + normalized profile URL, otherwise a new row. A match overwrites the
// identity and contact fields with the incoming values. The resolver takes no
// locks; the partial unique indexes and ON CONFLICT upsert serialize concurrent
// writers for the same identity.
type Resolver struct {
	store    *Store
	activity activity.Recorder
	logger   *slog.Logger
}

// NewResolver creates a Resolver. rec may be nil.
func NewResolver(store *Store, rec activity.Recorder, logger *slog.Logger) *Resolver {
	if rec == nil {
		rec = activity.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, activity: rec, logger: logger.With("component", "resolver")}
}

// Upsert validates c and writes it for tenantID, adding the prospect to every list
// in listIDs.
func (r *Resolver) Upsert(ctx context.Context, tenantID string, c Candidate, listIDs []string) (Prospect, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Prospect{}, &ValidationError{Field: "tenant_id", Message: "required"}
	}
	if err := c.Validate(); err != nil {
		return Prospect{}, err
	}

	id, created, err := r.store.upsert(ctx, tenantID, c, listIDs)
	if err != nil {
		r.logger.Error("prospect upsert failed", "tenant_id", tenantID, "error", err)
		return Prospect{}, err
	}
	p, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		return Prospect{}, err
	}

	r.logger.Debug("prospect upserted", "tenant_id", tenantID, "prospect_id", id, "created", created)
	r.activity.Record(ctx, activity.Event{
		TenantID:   tenantID,
		UserID:     c.CreatedBy,
		Action:     activity.ActionProspectUpserted,
		EntityType: "prospect",
		EntityID:   id,
		Details:    map[string]any{"created": created, "lists": len(listIDs)},
	})
	return p, nil
}
