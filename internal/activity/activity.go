// Package activity records tenant-visible audit events (searches, saves,
// enrichment runs).
//
// Writes are telemetry: a failing store is logged and never breaks the caller.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/idgen"
)

// Actions recorded by the service.
const (
	ActionSearchPerformed     = "search.performed"
	ActionProspectUpserted    = "prospect.upserted"
	ActionEnrichmentStarted   = "enrichment.started"
	ActionEnrichmentCompleted = "enrichment.completed"
	ActionEnrichmentFailed    = "enrichment.failed"
)

// Event is one activity row.
type Event struct {
	TenantID   string
	UserID     string
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]any
}

// Recorder is what callers depend on; *Logger and Nop satisfy it.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Logger writes events to the activity_log table.
type Logger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option { return func(l *Logger) { l.now = fn } }

// WithLogger sets the slog logger used to report write failures.
func WithLogger(logger *slog.Logger) Option { return func(l *Logger) { l.logger = logger } }

// New creates a Logger over a migrated database.
func New(db *sql.DB, opts ...Option) *Logger {
	l := &Logger{
		db:     db,
		newID:  idgen.Prefixed("act_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record inserts ev. Errors are logged, not returned.
func (l *Logger) Record(ctx context.Context, ev Event) {
	details := "{}"
	if len(ev.Details) > 0 {
		if b, err := json.Marshal(ev.Details); err == nil {
			details = string(b)
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, tenant_id, user_id, action, entity_type, entity_id, details, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		l.newID(), ev.TenantID, ev.UserID, ev.Action, ev.EntityType, ev.EntityID, details, l.now().UnixMilli())
	if err != nil {
		l.logger.Error("activity log write failed", "error", err, "action", ev.Action, "tenant_id", ev.TenantID)
	}
}

// Recent returns the newest events for a tenant, newest first.
func (l *Logger) Recent(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT tenant_id, user_id, action, entity_type, entity_id, details
		FROM activity_log WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var details string
		if err := rows.Scan(&ev.TenantID, &ev.UserID, &ev.Action, &ev.EntityType, &ev.EntityID, &details); err != nil {
			return nil, err
		}
		if details != "" && details != "{}" {
			_ = json.Unmarshal([]byte(details), &ev.Details)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
