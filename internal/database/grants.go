package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/dedup"
	"github.com/grantly/backend/internal/models"
)

// ============================================================================
// GRANTS - Reads, Listing, Dedup Upsert
// ============================================================================

// GetGrant loads one grant scoped to its owner.
func (s *Store) GetGrant(ctx context.Context, userID string, id int64) (*models.Grant, error) {
	var g models.Grant
	err := s.db.GetContext(ctx, &g,
		`SELECT * FROM grants WHERE id = $1 AND (user_id = $2 OR user_id IS NULL)`, id, userID)
	if err != nil {
		return nil, classify(err, "grant")
	}
	return &g, nil
}

// ListGrants returns a filtered page ordered by the ranking contract:
// composite desc, deadline asc with nulls last, title asc.
func (s *Store) ListGrants(ctx context.Context, userID string, f models.GrantFilter) ([]*models.Grant, error) {
	var (
		where = []string{"(user_id = $1 OR user_id IS NULL)"}
		args  = []interface{}{userID}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	status := f.Status
	if status == "" {
		status = string(models.RecordActive)
	}
	where = append(where, "record_status = "+arg(status))

	if f.MinScore != nil {
		where = append(where, "overall_composite_score >= "+arg(*f.MinScore))
	}
	if f.DeadlineBefore != nil {
		where = append(where, "deadline <= "+arg(*f.DeadlineBefore))
	}
	if f.DeadlineAfter != nil {
		where = append(where, "deadline >= "+arg(*f.DeadlineAfter))
	}
	if f.Category != "" {
		where = append(where, arg(f.Category)+" = ANY(project_categories)")
	}
	if f.FundingMin != nil {
		where = append(where, "COALESCE(funding_amount_max, funding_amount_exact, funding_amount_min) >= "+arg(*f.FundingMin))
	}
	if f.FundingMax != nil {
		where = append(where, "COALESCE(funding_amount_min, funding_amount_exact, funding_amount_max) <= "+arg(*f.FundingMax))
	}
	if f.SearchText != "" {
		pattern := "%" + strings.ToLower(f.SearchText) + "%"
		p := arg(pattern)
		where = append(where, fmt.Sprintf(
			"(LOWER(title) LIKE %s OR LOWER(description) LIKE %s OR LOWER(funder) LIKE %s)", p, p, p))
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := fmt.Sprintf(`
		SELECT * FROM grants
		WHERE %s
		ORDER BY overall_composite_score DESC, deadline ASC NULLS LAST, title ASC
		LIMIT %s OFFSET %s`,
		strings.Join(where, " AND "), arg(limit), arg(f.Offset))

	grants := []*models.Grant{}
	if err := s.db.SelectContext(ctx, &grants, query, args...); err != nil {
		return nil, classify(err, "grants")
	}
	return grants, nil
}

// CountGrants returns the filtered total for pagination headers.
func (s *Store) CountGrants(ctx context.Context, userID string, status models.RecordStatus) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM grants
		WHERE (user_id = $1 OR user_id IS NULL) AND record_status = $2`,
		userID, string(status))
	if err != nil {
		return 0, classify(err, "grants")
	}
	return n, nil
}

// UpsertGrant persists a scored candidate with duplicate detection. The
// whole match+merge runs in one transaction; the unique index on
// (user_id, normalized_url) backstops races, which surface as a retry.
// Returns the persisted row and whether the candidate merged into an
// existing one.
func (s *Store) UpsertGrant(ctx context.Context, userID string, candidate *models.Grant) (*models.Grant, bool, error) {
	grant, merged, err := s.upsertGrantOnce(ctx, userID, candidate)
	if apperr.IsConflict(err) {
		// Lost the insert race: a concurrent transaction persisted the same
		// URL. Rerun, which now finds and merges it.
		grant, merged, err = s.upsertGrantOnce(ctx, userID, candidate)
	}
	return grant, merged, err
}

func (s *Store) upsertGrantOnce(ctx context.Context, userID string, candidate *models.Grant) (*models.Grant, bool, error) {
	now := s.now().UTC()
	candidate.UserID = &userID
	if n := dedup.NormalizeURL(candidate.SourceURL); n != "" {
		candidate.NormalizedURL = &n
	}
	if candidate.RecordStatus == "" {
		candidate.RecordStatus = models.RecordActive
	}
	if candidate.RetrievedAt.IsZero() {
		candidate.RetrievedAt = now
	}
	if candidate.FirstFoundAt.IsZero() {
		candidate.FirstFoundAt = candidate.RetrievedAt
	}

	var (
		result *models.Grant
		merged bool
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// Lock the user's comparable rows so concurrent upserts for the
		// same user serialize here rather than on the unique index.
		existing := []*models.Grant{}
		err := tx.SelectContext(ctx, &existing, `
			SELECT * FROM grants
			WHERE user_id = $1 AND record_status <> 'ARCHIVED'
			FOR UPDATE`,
			userID)
		if err != nil {
			return classify(err, "grants")
		}

		hit, strategy := dedup.Match(candidate, existing)
		if hit == nil {
			inserted, err := insertGrant(ctx, tx, candidate)
			if err != nil {
				return err
			}
			result = inserted
			return nil
		}

		dedup.Merge(hit, candidate, strategy, now)
		updated, err := updateGrant(ctx, tx, hit)
		if err != nil {
			return err
		}
		result = updated
		merged = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, merged, nil
}

func insertGrant(ctx context.Context, tx *sqlx.Tx, g *models.Grant) (*models.Grant, error) {
	rows, err := sqlx.NamedQueryContext(ctx, tx, `
		INSERT INTO grants (
			user_id, external_id, title, description, llm_summary, eligibility_summary,
			funder, funding_amount_min, funding_amount_max, funding_amount_exact, funding_display,
			deadline, open_date, source_url, normalized_url, source_name,
			retrieved_at, first_found_at, sector, sub_sector, geographic_scope,
			keywords, project_categories, location_mentions, raw_source_data, enrichment_log, stale,
			sector_score, geographic_score, operational_score, business_score,
			feasibility_score, strategic_score, overall_composite_score, record_status
		) VALUES (
			:user_id, :external_id, :title, :description, :llm_summary, :eligibility_summary,
			:funder, :funding_amount_min, :funding_amount_max, :funding_amount_exact, :funding_display,
			:deadline, :open_date, :source_url, :normalized_url, :source_name,
			:retrieved_at, :first_found_at, :sector, :sub_sector, :geographic_scope,
			:keywords, :project_categories, :location_mentions, :raw_source_data, :enrichment_log, :stale,
			:sector_score, :geographic_score, :operational_score, :business_score,
			:feasibility_score, :strategic_score, :overall_composite_score, :record_status
		)
		RETURNING *`, g)
	if err != nil {
		return nil, classify(err, "grant")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, classify(rows.Err(), "grant")
	}
	var saved models.Grant
	if err := rows.StructScan(&saved); err != nil {
		return nil, classify(err, "grant")
	}
	return &saved, nil
}

func updateGrant(ctx context.Context, tx *sqlx.Tx, g *models.Grant) (*models.Grant, error) {
	rows, err := sqlx.NamedQueryContext(ctx, tx, `
		UPDATE grants SET
			external_id = :external_id, title = :title, description = :description,
			llm_summary = :llm_summary, eligibility_summary = :eligibility_summary,
			funder = :funder, funding_amount_min = :funding_amount_min,
			funding_amount_max = :funding_amount_max, funding_amount_exact = :funding_amount_exact,
			funding_display = :funding_display, deadline = :deadline, open_date = :open_date,
			source_url = :source_url, normalized_url = :normalized_url, source_name = :source_name,
			retrieved_at = :retrieved_at, sector = :sector, sub_sector = :sub_sector,
			geographic_scope = :geographic_scope, keywords = :keywords,
			project_categories = :project_categories, location_mentions = :location_mentions,
			raw_source_data = :raw_source_data, enrichment_log = :enrichment_log, stale = :stale,
			sector_score = :sector_score, geographic_score = :geographic_score,
			operational_score = :operational_score, business_score = :business_score,
			feasibility_score = :feasibility_score, strategic_score = :strategic_score,
			overall_composite_score = :overall_composite_score, updated_at = now()
		WHERE id = :id
		RETURNING *`, g)
	if err != nil {
		return nil, classify(err, "grant")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, apperr.NotFound("grant")
	}
	var saved models.Grant
	if err := rows.StructScan(&saved); err != nil {
		return nil, classify(err, "grant")
	}
	return &saved, nil
}
