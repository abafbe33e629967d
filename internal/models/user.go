package models

import (
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ============================================================================
// USER & BUSINESS PROFILE
// ============================================================================

// User is one tenant. The primary key is the external identity subject
// claim, so a user row appears on first authenticated request.
type User struct {
	ID               string    `json:"id" db:"id"`
	Email            string    `json:"email,omitempty" db:"email"`
	SubscriptionTier string    `json:"subscription_tier" db:"subscription_tier"`
	IsActive         bool      `json:"is_active" db:"is_active"`

	SearchesUsed      int `json:"searches_used" db:"searches_used"`
	SearchesLimit     int `json:"searches_limit" db:"searches_limit"`
	ApplicationsUsed  int `json:"applications_used" db:"applications_used"`
	ApplicationsLimit int `json:"applications_limit" db:"applications_limit"`

	PeriodStart time.Time `json:"period_start" db:"period_start"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// VectorNamespace is the per-user partition name in the vector index.
func (u *User) VectorNamespace() string {
	return VectorNamespace(u.ID)
}

// VectorNamespace derives the index partition for a user id.
func VectorNamespace(userID string) string {
	return fmt.Sprintf("user_%s", userID)
}

// BusinessProfile is the one-to-one profile a user's searches and
// applications draw from. Narrative is the RAG source text.
type BusinessProfile struct {
	UserID    string `json:"user_id" db:"user_id"`
	Narrative string `json:"narrative" db:"narrative" validate:"max=2000"`

	Sectors        pq.StringArray `json:"sectors,omitempty" db:"sectors" validate:"omitempty,max=10,dive,max=100"`
	RevenueBand    string         `json:"revenue_band,omitempty" db:"revenue_band" validate:"omitempty,max=50"`
	TeamSize       int            `json:"team_size,omitempty" db:"team_size" validate:"omitempty,gte=0,lte=100000"`
	FocusAreas     pq.StringArray `json:"focus_areas,omitempty" db:"focus_areas" validate:"omitempty,max=10,dive,max=100"`
	Region         string         `json:"region,omitempty" db:"region" validate:"omitempty,max=100"`
	StrategicGoals pq.StringArray `json:"strategic_goals,omitempty" db:"strategic_goals" validate:"omitempty,max=20,dive,max=200"`

	VectorNamespace       string     `json:"vector_namespace,omitempty" db:"vector_namespace"`
	EmbeddingsGeneratedAt *time.Time `json:"embeddings_generated_at,omitempty" db:"embeddings_generated_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
