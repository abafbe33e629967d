// Package models holds the persisted entities shared by the store, the
// scoring agents, and the HTTP layer. Structs carry db tags for sqlx and
// json tags for the API; validation tags guard user-writable fields.
package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// ============================================================================
// GRANT RECORD
// ============================================================================

// RecordStatus is a grant's lifecycle state.
type RecordStatus string

const (
	RecordActive   RecordStatus = "ACTIVE"
	RecordExpired  RecordStatus = "EXPIRED"
	RecordDraft    RecordStatus = "DRAFT"
	RecordArchived RecordStatus = "ARCHIVED"
)

// Grant is the primary record: one funding opportunity as discovered and
// enriched for one user. UserID is nullable because legacy imports predate
// per-user ownership; queries treat those rows as system-owned.
type Grant struct {
	ID         int64   `json:"id" db:"id"`
	UserID     *string `json:"user_id,omitempty" db:"user_id"`
	ExternalID *string `json:"external_id,omitempty" db:"external_id"`

	Title              string `json:"title" db:"title"`
	Description        string `json:"description" db:"description"`
	LLMSummary         string `json:"llm_summary,omitempty" db:"llm_summary"`
	EligibilitySummary string `json:"eligibility_summary,omitempty" db:"eligibility_summary"`
	Funder             string `json:"funder,omitempty" db:"funder"`

	FundingAmountMin   *float64 `json:"funding_amount_min,omitempty" db:"funding_amount_min"`
	FundingAmountMax   *float64 `json:"funding_amount_max,omitempty" db:"funding_amount_max"`
	FundingAmountExact *float64 `json:"funding_amount_exact,omitempty" db:"funding_amount_exact"`
	FundingDisplay     string   `json:"funding_display,omitempty" db:"funding_display"`

	Deadline *time.Time `json:"deadline,omitempty" db:"deadline"`
	OpenDate *time.Time `json:"open_date,omitempty" db:"open_date"`

	SourceURL     string  `json:"source_url,omitempty" db:"source_url"`
	NormalizedURL *string `json:"-" db:"normalized_url"`
	SourceName    string  `json:"source_name,omitempty" db:"source_name"`

	RetrievedAt  time.Time `json:"retrieved_at" db:"retrieved_at"`
	FirstFoundAt time.Time `json:"first_found_at" db:"first_found_at"`

	Sector          string         `json:"sector,omitempty" db:"sector"`
	SubSector       string         `json:"sub_sector,omitempty" db:"sub_sector"`
	GeographicScope string         `json:"geographic_scope,omitempty" db:"geographic_scope"`
	Keywords        pq.StringArray `json:"keywords,omitempty" db:"keywords"`
	ProjectCategories pq.StringArray `json:"project_categories,omitempty" db:"project_categories"`
	LocationMentions  pq.StringArray `json:"location_mentions,omitempty" db:"location_mentions"`

	RawSourceData json.RawMessage `json:"-" db:"raw_source_data"`
	EnrichmentLog pq.StringArray  `json:"enrichment_log,omitempty" db:"enrichment_log"`
	Stale         bool            `json:"stale" db:"stale"`

	SectorScore      float64 `json:"sector_score" db:"sector_score"`
	GeographicScore  float64 `json:"geographic_score" db:"geographic_score"`
	OperationalScore float64 `json:"operational_score" db:"operational_score"`
	BusinessScore    float64 `json:"business_score" db:"business_score"`
	FeasibilityScore float64 `json:"feasibility_score" db:"feasibility_score"`
	StrategicScore   float64 `json:"strategic_score" db:"strategic_score"`
	CompositeScore   float64 `json:"overall_composite_score" db:"overall_composite_score"`

	RecordStatus RecordStatus `json:"record_status" db:"record_status"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// Scores bundles the grant's score vector for recomputation.
func (g *Grant) Scores() ScoreVector {
	return ScoreVector{
		Sector:      g.SectorScore,
		Geographic:  g.GeographicScore,
		Operational: g.OperationalScore,
		Business:    g.BusinessScore,
		Feasibility: g.FeasibilityScore,
		Strategic:   g.StrategicScore,
		Stale:       g.Stale,
	}
}

// ApplyScores writes the vector back and recomputes the composite. This is
// the only path that sets CompositeScore, so the stored value always equals
// the function of its parts.
func (g *Grant) ApplyScores(v ScoreVector) {
	g.SectorScore = v.Sector
	g.GeographicScore = v.Geographic
	g.OperationalScore = v.Operational
	g.BusinessScore = v.Business
	g.FeasibilityScore = v.Feasibility
	g.StrategicScore = v.Strategic
	g.Stale = v.Stale
	g.CompositeScore = v.Composite()
}

// ============================================================================
// SCORE VECTOR
// ============================================================================

// Composite weights. These are the ranking contract and are locked by unit
// tests; change them only together with the tests.
const (
	WeightSector      = 0.20
	WeightGeographic  = 0.10
	WeightOperational = 0.20
	WeightBusiness    = 0.20
	WeightFeasibility = 0.15
	WeightStrategic   = 0.15

	// StaleMultiplier down-weights grants whose source page has not been
	// observed for over 60 days.
	StaleMultiplier = 0.9
)

// StaleAfter is the observation age beyond which a grant counts as stale.
const StaleAfter = 60 * 24 * time.Hour

// ScoreVector is the six-dimension score of one grant. All components are
// in [0,1]; the composite is too.
type ScoreVector struct {
	Sector      float64 `json:"sector"`
	Geographic  float64 `json:"geographic"`
	Operational float64 `json:"operational"`
	Business    float64 `json:"business"`
	Feasibility float64 `json:"feasibility"`
	Strategic   float64 `json:"strategic"`
	Stale       bool    `json:"stale"`
}

// Composite is the weighted sum used for ranking. Pure: equal inputs give
// equal outputs.
func (v ScoreVector) Composite() float64 {
	c := WeightSector*v.Sector +
		WeightGeographic*v.Geographic +
		WeightOperational*v.Operational +
		WeightBusiness*v.Business +
		WeightFeasibility*v.Feasibility +
		WeightStrategic*v.Strategic
	if v.Stale {
		c *= StaleMultiplier
	}
	return Clamp01(c)
}

// Clamp01 bounds a score to [0,1].
func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// ============================================================================
// ANALYSIS SNAPSHOT
// ============================================================================

// Analysis is a dated snapshot of a grant's scores. The newest row per
// grant is authoritative for display history.
type Analysis struct {
	ID               int64     `json:"id" db:"id"`
	GrantID          int64     `json:"grant_id" db:"grant_id"`
	SectorScore      float64   `json:"sector_score" db:"sector_score"`
	GeographicScore  float64   `json:"geographic_score" db:"geographic_score"`
	OperationalScore float64   `json:"operational_score" db:"operational_score"`
	BusinessScore    float64   `json:"business_score" db:"business_score"`
	FeasibilityScore float64   `json:"feasibility_score" db:"feasibility_score"`
	StrategicScore   float64   `json:"strategic_score" db:"strategic_score"`
	CompositeScore   float64   `json:"overall_composite_score" db:"overall_composite_score"`
	ModelUsed        string    `json:"model_used,omitempty" db:"model_used"`
	AnalyzedAt       time.Time `json:"analyzed_at" db:"analyzed_at"`
}

// ============================================================================
// LIST FILTERS
// ============================================================================

// GrantFilter narrows grant listings. Zero values mean "no constraint".
type GrantFilter struct {
	MinScore       *float64   `json:"min_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	DeadlineBefore *time.Time `json:"deadline_before,omitempty"`
	DeadlineAfter  *time.Time `json:"deadline_after,omitempty"`
	Category       string     `json:"category,omitempty"`
	FundingMin     *float64   `json:"funding_min,omitempty" validate:"omitempty,gte=0"`
	FundingMax     *float64   `json:"funding_max,omitempty" validate:"omitempty,gte=0"`
	SearchText     string     `json:"search_text,omitempty" validate:"omitempty,max=200"`
	Status         string     `json:"status,omitempty" validate:"omitempty,oneof=ACTIVE EXPIRED DRAFT ARCHIVED"`
	Limit          int        `json:"limit,omitempty" validate:"omitempty,gte=1,lte=100"`
	Offset         int        `json:"offset,omitempty" validate:"omitempty,gte=0"`
}
