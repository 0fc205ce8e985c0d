package prospect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/shpitdev/prospect-enrichment/internal/idgen"
	"github.com/shpitdev/prospect-enrichment/internal/storage"
)

// Store is the SQLite repository for prospects. Every query is filtered by tenant.
type Store struct {
	db    *sql.DB
	sb    sq.StatementBuilderType
	now   func() time.Time
	newID idgen.Generator
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock sets a custom clock function (for testing).
func WithStoreClock(fn func() time.Time) StoreOption {
	return func(s *Store) { s.now = fn }
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:    db,
		sb:    sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now:   time.Now,
		newID: idgen.Default,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var prospectColumns = []string{
	"id", "tenant_id",
	"first_name", "last_name", "full_name", "title", "company", "company_domain", "location",
	"work_email", "personal_email", "work_phone", "personal_phone", "profile_url",
	"external_ids", "is_public_company", "company_filing_id",
	"enrichment_status", "enrichment_source_status", "enrichment_run_id",
	"enrichment_started_at", "last_enriched_at",
	"contact_data", "web_intel_data", "filings_data", "ai_summary",
	"created_by", "created_at", "updated_at",
}

// Columns overwritten when an upsert matches an existing row.
var mutableColumns = []string{
	"first_name", "last_name", "full_name", "title", "company", "company_domain", "location",
	"work_email", "work_email_key", "personal_email", "work_phone", "personal_phone",
	"profile_url", "profile_url_key", "is_public_company", "company_filing_id", "updated_at",
}

var payloadColumns = map[SourceName]string{
	SourceContact:  "contact_data",
	SourceWebIntel: "web_intel_data",
	SourceFilings:  "filings_data",
}

// Get loads one prospect.
func (s *Store) Get(ctx context.Context, tenantID, id string) (Prospect, error) {
	q, args, err := s.sb.Select(prospectColumns...).
		From("prospects").
		Where(sq.Eq{"id": id, "tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return Prospect{}, err
	}
	p, err := scanProspect(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Prospect{}, ErrNotFound
	}
	if err != nil {
		return Prospect{}, persistErr("get", err)
	}
	return p, nil
}

// ListOptions filters List.
type ListOptions struct {
	ListID string
	Status EnrichmentStatus
	Limit  int
	Offset int
}

// List returns a tenant's prospects, newest first.
func (s *Store) List(ctx context.Context, tenantID string, opts ListOptions) ([]Prospect, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}
	cols := make([]string, len(prospectColumns))
	for i, c := range prospectColumns {
		cols[i] = "p." + c
	}
	b := s.sb.Select(cols...).
		From("prospects p").
		Where(sq.Eq{"p.tenant_id": tenantID}).
		OrderBy("p.created_at DESC", "p.id DESC").
		Limit(uint64(opts.Limit)).
		Offset(uint64(max(opts.Offset, 0)))
	if opts.Status != "" {
		b = b.Where(sq.Eq{"p.enrichment_status": string(opts.Status)})
	}
	if opts.ListID != "" {
		b = b.Join("prospect_list_members m ON m.prospect_id = p.id AND m.tenant_id = p.tenant_id").
			Where(sq.Eq{"m.list_id": opts.ListID})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, persistErr("list", err)
	}
	defer rows.Close()

	var out []Prospect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, persistErr("list", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list", err)
	}
	return out, nil
}

// upsert implements the dedup precedence: work email, then profile URL, then a new
// row. The insert path still goes through ON CONFLICT so two requests racing on
// the same identity key end up on one row.
func (s *Store) upsert(ctx context.Context, tenantID string, c Candidate, listIDs []string) (id string, created bool, err error) {
	emailKey := NormalizeEmail(c.WorkEmail)
	urlKey := NormalizeProfileURL(c.ProfileURL)
	now := s.now().UnixMilli()
	ext, err := externalIDsJSON(c.ExternalIDs)
	if err != nil {
		return "", false, err
	}

	err = storage.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		matched, err := s.match(ctx, tx, tenantID, emailKey, urlKey)
		if err != nil {
			return err
		}
		fields := candidateFields(c, emailKey, urlKey, now)

		if matched != "" {
			if emailKey == "" {
				// The email is the row's primary dedup key; a URL-only refresh
				// must not drop it.
				delete(fields, "work_email")
				delete(fields, "work_email_key")
			}
			q, args, err := s.sb.Update("prospects").
				SetMap(fields).
				Set("external_ids", sq.Expr("json_patch(external_ids, ?)", ext)).
				Where(sq.Eq{"id": matched, "tenant_id": tenantID}).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return err
			}
			id = matched
		} else {
			newID := s.newID()
			fields["id"] = newID
			fields["tenant_id"] = tenantID
			fields["external_ids"] = ext
			fields["created_by"] = c.CreatedBy
			fields["created_at"] = now
			fields["enrichment_status"] = string(StatusNone)
			fields["enrichment_source_status"] = "{}"

			ins := s.sb.Insert("prospects").SetMap(fields)
			switch {
			case emailKey != "":
				ins = ins.Suffix(onConflict("(tenant_id, work_email_key) WHERE work_email_key IS NOT NULL"))
			case urlKey != "":
				ins = ins.Suffix(onConflict("(tenant_id, profile_url_key) WHERE work_email_key IS NULL AND profile_url_key IS NOT NULL"))
			}
			q, args, err := ins.Suffix("RETURNING id").ToSql()
			if err != nil {
				return err
			}
			if err := tx.QueryRowContext(ctx, q, args...).Scan(&id); err != nil {
				return err
			}
			created = id == newID
		}

		for _, listID := range listIDs {
			listID = strings.TrimSpace(listID)
			if listID == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO prospect_list_members (list_id, prospect_id, tenant_id, added_at)
				VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				listID, id, tenantID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", false, persistErr("upsert", err)
	}
	return id, created, nil
}

func (s *Store) match(ctx context.Context, tx *sql.Tx, tenantID, emailKey, urlKey string) (string, error) {
	lookups := []sq.SelectBuilder{}
	if emailKey != "" {
		lookups = append(lookups, s.sb.Select("id").From("prospects").
			Where(sq.Eq{"tenant_id": tenantID, "work_email_key": emailKey}).
			Limit(1))
	}
	if urlKey != "" {
		lookups = append(lookups, s.sb.Select("id").From("prospects").
			Where(sq.Eq{"tenant_id": tenantID, "profile_url_key": urlKey}).
			OrderBy("work_email_key IS NULL DESC", "created_at ASC").
			Limit(1))
	}
	for _, b := range lookups {
		q, args, err := b.ToSql()
		if err != nil {
			return "", err
		}
		var id string
		err = tx.QueryRowContext(ctx, q, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", err
		}
		return id, nil
	}
	return "", nil
}

func onConflict(target string) string {
	sets := make([]string, 0, len(mutableColumns)+1)
	for _, c := range mutableColumns {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	sets = append(sets, "external_ids = json_patch(prospects.external_ids, excluded.external_ids)")
	return "ON CONFLICT " + target + " DO UPDATE SET " + strings.Join(sets, ", ")
}

func candidateFields(c Candidate, emailKey, urlKey string, now int64) map[string]any {
	domain := NormalizeDomain(c.CompanyDomain)
	if domain == "" && emailKey != "" {
		domain = NormalizeDomain(emailKey)
	}
	return map[string]any{
		"first_name":        strings.TrimSpace(c.FirstName),
		"last_name":         strings.TrimSpace(c.LastName),
		"full_name":         displayName(c.FullName, c.FirstName, c.LastName),
		"title":             strings.TrimSpace(c.Title),
		"company":           strings.TrimSpace(c.Company),
		"company_domain":    domain,
		"location":          strings.TrimSpace(c.Location),
		"work_email":        nullable(c.WorkEmail),
		"work_email_key":    nullable(emailKey),
		"personal_email":    nullable(c.PersonalEmail),
		"work_phone":        nullable(c.WorkPhone),
		"personal_phone":    nullable(c.PersonalPhone),
		"profile_url":       nullable(c.ProfileURL),
		"profile_url_key":   nullable(urlKey),
		"is_public_company": c.IsPublicCompany,
		"company_filing_id": nullable(c.CompanyFilingID),
		"updated_at":        now,
	}
}

// ClaimEnrichment atomically moves a due prospect to in_progress under runID and
// resets every source to pending. It reports false when the prospect is missing,
// not due, or already in progress.
//
// A prospect stuck in_progress for longer than stuckAfter can be claimed again;
// stuckAfter <= 0 disables that override.
func (s *Store) ClaimEnrichment(ctx context.Context, tenantID, id, runID string, staleAfter, stuckAfter time.Duration) (bool, error) {
	now := s.now()
	initial := make(map[SourceName]SourceStatus, len(Sources))
	for _, src := range Sources {
		initial[src] = SourceStatus{Status: StatePending}
	}
	statusJSON, err := json.Marshal(initial)
	if err != nil {
		return false, err
	}

	claimable := sq.Or{
		sq.And{
			sq.NotEq{"enrichment_status": string(StatusInProgress)},
			sq.Or{
				sq.NotEq{"enrichment_status": string(StatusComplete)},
				sq.Eq{"last_enriched_at": nil},
				sq.LtOrEq{"last_enriched_at": now.Add(-staleAfter).UnixMilli()},
			},
		},
	}
	if stuckAfter > 0 {
		claimable = append(claimable, sq.And{
			sq.Eq{"enrichment_status": string(StatusInProgress)},
			sq.Or{
				sq.Eq{"enrichment_started_at": nil},
				sq.Lt{"enrichment_started_at": now.Add(-stuckAfter).UnixMilli()},
			},
		})
	}

	q, args, err := s.sb.Update("prospects").
		Set("enrichment_status", string(StatusInProgress)).
		Set("enrichment_run_id", runID).
		Set("enrichment_started_at", now.UnixMilli()).
		Set("enrichment_source_status", string(statusJSON)).
		Set("updated_at", now.UnixMilli()).
		Where(sq.Eq{"id": id, "tenant_id": tenantID}).
		Where(claimable).
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := storage.Exec(ctx, s.db, q, args...)
	if err != nil {
		return false, persistErr("claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("claim", err)
	}
	return n == 1, nil
}

// SetSourceStatus records one source's status for runID, together with its payload
// when payload is non-nil. The status map is updated with json_set so concurrent
// writes for different sources do not overwrite each other.
func (s *Store) SetSourceStatus(ctx context.Context, tenantID, id, runID string, source SourceName, st SourceStatus, payload any) error {
	statusJSON, err := json.Marshal(st)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	b := s.sb.Update("prospects").
		Set("enrichment_source_status",
			sq.Expr("json_set(enrichment_source_status, ?, json(?))", "$."+string(source), string(statusJSON))).
		Set("updated_at", now)

	if payload != nil {
		col, ok := payloadColumns[source]
		if !ok {
			return fmt.Errorf("prospect: source %q has no payload column", source)
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		b = b.Set(col, string(raw))
		if cd, ok := payload.(*ContactData); ok && cd != nil {
			b = b.
				Set("personal_email", sq.Expr("COALESCE(personal_email, ?)", nullable(cd.PersonalEmail))).
				Set("work_phone", sq.Expr("COALESCE(work_phone, ?)", nullable(cd.WorkPhone))).
				Set("personal_phone", sq.Expr("COALESCE(personal_phone, ?)", nullable(cd.PersonalPhone)))
		}
	}
	return s.execRun(ctx, "set source status", b, tenantID, id, runID)
}

// CompleteEnrichment finishes runID with the aggregate summary.
func (s *Store) CompleteEnrichment(ctx context.Context, tenantID, id, runID, summary string) error {
	now := s.now().UnixMilli()
	b := s.sb.Update("prospects").
		Set("enrichment_status", string(StatusComplete)).
		Set("last_enriched_at", now).
		Set("ai_summary", nullable(summary)).
		Set("updated_at", now)
	return s.execRun(ctx, "complete enrichment", b, tenantID, id, runID)
}

// FailEnrichment marks runID failed.
func (s *Store) FailEnrichment(ctx context.Context, tenantID, id, runID string) error {
	b := s.sb.Update("prospects").
		Set("enrichment_status", string(StatusFailed)).
		Set("updated_at", s.now().UnixMilli())
	return s.execRun(ctx, "fail enrichment", b, tenantID, id, runID)
}

func (s *Store) execRun(ctx context.Context, op string, b sq.UpdateBuilder, tenantID, id, runID string) error {
	q, args, err := b.Where(sq.Eq{"id": id, "tenant_id": tenantID, "enrichment_run_id": runID}).ToSql()
	if err != nil {
		return err
	}
	res, err := storage.Exec(ctx, s.db, q, args...)
	if err != nil {
		return persistErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr(op, err)
	}
	if n == 0 {
		return ErrRunSuperseded
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProspect(r rowScanner) (Prospect, error) {
	var (
		p                                                  Prospect
		workEmail, personalEmail, workPhone, personalPhone sql.NullString
		profileURL, filingID, runID                        sql.NullString
		contact, webIntel, filings, summary                sql.NullString
		externalIDs, sourceStatus, status                  string
		startedAt, lastEnriched                            sql.NullInt64
		createdAt, updatedAt                               int64
	)
	err := r.Scan(
		&p.ID, &p.TenantID,
		&p.FirstName, &p.LastName, &p.FullName, &p.Title, &p.Company, &p.CompanyDomain, &p.Location,
		&workEmail, &personalEmail, &workPhone, &personalPhone, &profileURL,
		&externalIDs, &p.IsPublicCompany, &filingID,
		&status, &sourceStatus, &runID,
		&startedAt, &lastEnriched,
		&contact, &webIntel, &filings, &summary,
		&p.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return Prospect{}, err
	}

	p.WorkEmail = workEmail.String
	p.PersonalEmail = personalEmail.String
	p.WorkPhone = workPhone.String
	p.PersonalPhone = personalPhone.String
	p.ProfileURL = profileURL.String
	p.CompanyFilingID = filingID.String
	p.EnrichmentStatus = EnrichmentStatus(status)
	p.EnrichmentRunID = runID.String
	p.AISummary = summary.String
	p.EnrichmentStartedAt = fromMillis(startedAt)
	p.LastEnrichedAt = fromMillis(lastEnriched)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if err := decodeJSON(externalIDs, &p.ExternalIDs); err != nil {
		return Prospect{}, fmt.Errorf("decode external_ids: %w", err)
	}
	if err := decodeJSON(sourceStatus, &p.SourceStatus); err != nil {
		return Prospect{}, fmt.Errorf("decode enrichment_source_status: %w", err)
	}
	if contact.Valid {
		p.ContactData = new(ContactData)
		if err := decodeJSON(contact.String, p.ContactData); err != nil {
			return Prospect{}, fmt.Errorf("decode contact_data: %w", err)
		}
	}
	if webIntel.Valid {
		p.WebIntelData = new(WebIntelData)
		if err := decodeJSON(webIntel.String, p.WebIntelData); err != nil {
			return Prospect{}, fmt.Errorf("decode web_intel_data: %w", err)
		}
	}
	if filings.Valid {
		p.FilingsData = new(FilingsData)
		if err := decodeJSON(filings.String, p.FilingsData); err != nil {
			return Prospect{}, fmt.Errorf("decode filings_data: %w", err)
		}
	}
	if p.SourceStatus == nil {
		p.SourceStatus = map[SourceName]SourceStatus{}
	}
	return p, nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func externalIDsJSON(ids map[string]string) (string, error) {
	if len(ids) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullable(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
