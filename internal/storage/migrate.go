package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Timestamps are stored as unix milliseconds.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS prospects (
		id                       TEXT PRIMARY KEY,
		tenant_id                TEXT NOT NULL,
		first_name               TEXT NOT NULL DEFAULT '',
		last_name                TEXT NOT NULL DEFAULT '',
		full_name                TEXT NOT NULL DEFAULT '',
		title                    TEXT NOT NULL DEFAULT '',
		company                  TEXT NOT NULL DEFAULT '',
		company_domain           TEXT NOT NULL DEFAULT '',
		location                 TEXT NOT NULL DEFAULT '',
		work_email               TEXT,
		work_email_key           TEXT,
		personal_email           TEXT,
		work_phone               TEXT,
		personal_phone           TEXT,
		profile_url              TEXT,
		profile_url_key          TEXT,
		external_ids             TEXT NOT NULL DEFAULT '{}',
		is_public_company        INTEGER NOT NULL DEFAULT 0,
		company_filing_id        TEXT,
		enrichment_status        TEXT NOT NULL DEFAULT 'none',
		enrichment_source_status TEXT NOT NULL DEFAULT '{}',
		enrichment_run_id        TEXT,
		enrichment_started_at    INTEGER,
		last_enriched_at         INTEGER,
		contact_data             TEXT,
		web_intel_data           TEXT,
		filings_data             TEXT,
		ai_summary               TEXT,
		created_by               TEXT NOT NULL DEFAULT '',
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_prospects_tenant_email
		ON prospects (tenant_id, work_email_key)
		WHERE work_email_key IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_prospects_tenant_profile
		ON prospects (tenant_id, profile_url_key)
		WHERE work_email_key IS NULL AND profile_url_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_prospects_tenant_profile_any
		ON prospects (tenant_id, profile_url_key)`,
	`CREATE TABLE IF NOT EXISTS prospect_list_members (
		list_id     TEXT NOT NULL,
		prospect_id TEXT NOT NULL REFERENCES prospects(id),
		tenant_id   TEXT NOT NULL,
		added_at    INTEGER NOT NULL,
		PRIMARY KEY (list_id, prospect_id)
	)`,
	`CREATE TABLE IF NOT EXISTS kv_entries (
		key        TEXT PRIMARY KEY,
		value      BLOB,
		expires_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_entries (expires_at)`,
	`CREATE TABLE IF NOT EXISTS queue_jobs (
		id         TEXT PRIMARY KEY,
		queue      TEXT NOT NULL DEFAULT '',
		payload    BLOB,
		visible_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_jobs (queue, visible_at)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		user_id     TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		entity_id   TEXT NOT NULL DEFAULT '',
		details     TEXT NOT NULL DEFAULT '{}',
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_tenant ON activity_log (tenant_id, created_at)`,
}

// Migrate creates every table and index used by the service. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	return RunTx(ctx, db, func(tx *sql.Tx) error {
		for i, stmt := range migrations {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("storage: migration %d: %w", i, err)
			}
		}
		return nil
	})
}
