package database

import (
	"context"
	"time"

	"github.com/grantly/backend/internal/models"
)

// ============================================================================
// BUSINESS PROFILES
// ============================================================================

// GetProfile loads a user's business profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (*models.BusinessProfile, error) {
	var p models.BusinessProfile
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM business_profiles WHERE user_id = $1`, userID)
	if err != nil {
		return nil, classify(err, "business profile")
	}
	return &p, nil
}

// UpsertProfile writes the one-to-one profile row. A narrative change
// invalidates embeddings, so embeddings_generated_at is cleared whenever
// the narrative differs from the stored one.
func (s *Store) UpsertProfile(ctx context.Context, p *models.BusinessProfile) (*models.BusinessProfile, error) {
	p.VectorNamespace = models.VectorNamespace(p.UserID)

	var saved models.BusinessProfile
	err := s.db.GetContext(ctx, &saved, `
		INSERT INTO business_profiles
			(user_id, narrative, sectors, revenue_band, team_size,
			 focus_areas, region, strategic_goals, vector_namespace)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			narrative       = EXCLUDED.narrative,
			sectors         = EXCLUDED.sectors,
			revenue_band    = EXCLUDED.revenue_band,
			team_size       = EXCLUDED.team_size,
			focus_areas     = EXCLUDED.focus_areas,
			region          = EXCLUDED.region,
			strategic_goals = EXCLUDED.strategic_goals,
			vector_namespace = EXCLUDED.vector_namespace,
			embeddings_generated_at = CASE
				WHEN business_profiles.narrative IS DISTINCT FROM EXCLUDED.narrative THEN NULL
				ELSE business_profiles.embeddings_generated_at
			END,
			updated_at = now()
		RETURNING *`,
		p.UserID, p.Narrative, p.Sectors, p.RevenueBand, p.TeamSize,
		p.FocusAreas, p.Region, p.StrategicGoals, p.VectorNamespace)
	if err != nil {
		return nil, classify(err, "business profile")
	}
	return &saved, nil
}

// MarkEmbeddingsGenerated stamps a successful embedding refresh.
func (s *Store) MarkEmbeddingsGenerated(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE business_profiles
		SET embeddings_generated_at = $2, updated_at = now()
		WHERE user_id = $1`,
		userID, at)
	if err != nil {
		return classify(err, "business profile")
	}
	return requireRow(res, "business profile")
}
