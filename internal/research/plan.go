// Package research is the first pipeline stage: it turns a user's profile
// and sector/geography configuration into enriched grant candidates with
// Layer-1 scores, by fanning out focused LLM queries.
package research

import (
	"fmt"

	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/models"
)

// maxChunksPerRun caps the search plan regardless of configuration.
const maxChunksPerRun = 16

// SearchChunk is one focused query: a (focus area, geographic tier) cell
// of the plan.
type SearchChunk struct {
	Index     int    `json:"index"`
	FocusArea string `json:"focus_area"`
	Tier      string `json:"tier"`
}

// Label identifies the chunk in logs and error details.
func (c SearchChunk) Label() string {
	return fmt.Sprintf("%s/%s", c.FocusArea, c.Tier)
}

// BuildPlan derives the deterministic chunk list: the Cartesian product of
// the profile's focus areas and the four geographic tiers, in configured
// order, capped at 16. Same profile and config always yield the same plan.
func BuildPlan(profile *models.BusinessProfile, docs *config.Documents, limit int) []SearchChunk {
	focusAreas := effectiveFocusAreas(profile, docs)
	if limit <= 0 || limit > maxChunksPerRun {
		limit = maxChunksPerRun
	}

	plan := make([]SearchChunk, 0, limit)
	for _, area := range focusAreas {
		for _, tier := range config.GeographicTiers {
			if len(plan) >= limit {
				return plan
			}
			plan = append(plan, SearchChunk{
				Index:     len(plan),
				FocusArea: area,
				Tier:      tier,
			})
		}
	}
	return plan
}

// effectiveFocusAreas prefers the saved profile and falls back to the
// configured defaults so a fresh user still gets a meaningful sweep.
func effectiveFocusAreas(profile *models.BusinessProfile, docs *config.Documents) []string {
	if profile != nil && len(profile.FocusAreas) > 0 {
		return profile.FocusAreas
	}
	if len(docs.Profile.FocusAreas) > 0 {
		return docs.Profile.FocusAreas
	}
	return []string{"community development"}
}

// effectiveRegion resolves the user's geographic anchor for prompts.
func effectiveRegion(profile *models.BusinessProfile, docs *config.Documents) string {
	if profile != nil && profile.Region != "" {
		return profile.Region
	}
	return docs.Profile.Region
}
