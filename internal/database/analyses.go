package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/grantly/backend/internal/models"
)

// ============================================================================
// ANALYSES - Dated Score Snapshots
// ============================================================================

// SnapshotAnalysis records the grant's current scores as a dated analysis
// row. Called after every scoring pass so score history survives merges.
func (s *Store) SnapshotAnalysis(ctx context.Context, g *models.Grant, model string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses
			(grant_id, sector_score, geographic_score, operational_score,
			 business_score, feasibility_score, strategic_score,
			 overall_composite_score, model_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID, g.SectorScore, g.GeographicScore, g.OperationalScore,
		g.BusinessScore, g.FeasibilityScore, g.StrategicScore,
		g.CompositeScore, model)
	return classify(err, "analysis")
}

// LatestAnalysis returns the newest snapshot for a grant, or nil when the
// grant has never been analyzed.
func (s *Store) LatestAnalysis(ctx context.Context, grantID int64) (*models.Analysis, error) {
	var a models.Analysis
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM analyses
		WHERE grant_id = $1
		ORDER BY analyzed_at DESC
		LIMIT 1`,
		grantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "analysis")
	}
	return &a, nil
}
