package research

import (
	"strings"

	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/models"
)

// Heuristic first-pass scoring. These three relevance scores are cheap
// keyword work over the candidate text; the compliance engine layers the
// alignment scores on top later.

// scoreCandidate stamps sector, geographic, and operational relevance on
// the grant and recomputes the composite. The remaining scores start
// neutral so a candidate that never reaches the compliance engine still
// sorts sensibly.
func scoreCandidate(g *models.Grant, chunk SearchChunk, profile *models.BusinessProfile, docs *config.Documents) {
	text := candidateText(g)

	sector, sub := sectorRelevance(text, chunk.FocusArea, docs.Sectors)
	g.Sector = chunk.FocusArea
	g.SubSector = sub
	g.GeographicScope = chunk.Tier

	scores := models.ScoreVector{
		Sector:      sector,
		Geographic:  geographicRelevance(text, chunk.Tier, docs.Geography),
		Operational: operationalAlignment(g, profile, docs),
		Business:    1.0,
		Feasibility: 1.0,
		Strategic:   0.5,
		Stale:       g.Stale,
	}
	g.ApplyScores(scores)
}

// sectorRelevance measures keyword overlap between the candidate text and
// the focus area's sector vocabulary. Sub-sector hits break ties upward
// and name the best-matching sub-sector.
func sectorRelevance(text, focusArea string, sectors *config.SectorConfig) (float64, string) {
	sector := sectors.Find(focusArea)
	if sector == nil || len(sector.Keywords) == 0 {
		// Unknown sector: fall back to matching the focus area itself.
		if focusArea != "" && strings.Contains(text, strings.ToLower(focusArea)) {
			return 0.6, ""
		}
		return 0.3, ""
	}

	hits := 0
	for _, kw := range sector.Keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			hits++
		}
	}
	score := float64(hits) / float64(len(sector.Keywords))
	// A couple of keyword hits already signal the right sector; scale so
	// 3+ hits saturate rather than demanding the whole vocabulary.
	score = models.Clamp01(score * 3)

	bestSub, bestSubHits := "", 0
	for _, sub := range sector.SubSectors {
		subHits := 0
		for _, kw := range sub.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				subHits++
			}
		}
		if subHits > bestSubHits {
			bestSub, bestSubHits = sub.Name, subHits
		}
	}
	if bestSubHits > 0 {
		score = models.Clamp01(score + 0.1)
	}
	return score, bestSub
}

// geographicRelevance starts from the chunk tier's priority and adjusts
// when the text names a different scope outright. A "statewide" grant
// found by a local-tier chunk scores as state, not local.
func geographicRelevance(text, tier string, geo *config.GeographicConfig) float64 {
	detected := ""
	for _, region := range geo.Regions {
		for _, kw := range region.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				if detected == "" || config.TierPriority(region.Tier) > config.TierPriority(detected) {
					detected = region.Tier
				}
				break
			}
		}
	}
	if detected != "" {
		return config.TierPriority(detected)
	}
	return config.TierPriority(tier)
}

// operationalAlignment compares the grant's demands against the profile's
// resource constraints: award size vs budget capacity and reporting load
// vs tolerance. Components average; no signals means neutral-high.
func operationalAlignment(g *models.Grant, profile *models.BusinessProfile, docs *config.Documents) float64 {
	constraints := docs.Profile.ResourceConstraints

	var components []float64

	if amount := grantAmount(g); amount > 0 && constraints.MaxBudget > 0 {
		if amount <= constraints.MaxBudget {
			components = append(components, 1.0)
		} else {
			// Linear falloff: double the budget cap scores zero.
			over := (amount - constraints.MaxBudget) / constraints.MaxBudget
			components = append(components, models.Clamp01(1.0-over))
		}
	}

	if load := reportingLoad(candidateText(g), docs.Compliance); load > 0 {
		tolerance := toleranceReports(constraints.ReportingTolerance, docs.Compliance)
		if load <= tolerance {
			components = append(components, 1.0)
		} else {
			components = append(components, models.Clamp01(float64(tolerance)/float64(load)))
		}
	}

	// Team-size hints are rare; only penalize explicit large-team asks.
	if profile != nil && profile.TeamSize > 0 && mentionsLargeTeam(candidateText(g), profile.TeamSize) {
		components = append(components, 0.5)
	}

	if len(components) == 0 {
		return 0.8
	}
	sum := 0.0
	for _, c := range components {
		sum += c
	}
	return sum / float64(len(components))
}

func grantAmount(g *models.Grant) float64 {
	switch {
	case g.FundingAmountExact != nil:
		return *g.FundingAmountExact
	case g.FundingAmountMax != nil:
		return *g.FundingAmountMax
	case g.FundingAmountMin != nil:
		return *g.FundingAmountMin
	default:
		return 0
	}
}

// reportingLoad infers reports-per-year from tolerance-band keywords in
// the text; 0 means no reporting language found.
func reportingLoad(text string, rules *config.ComplianceRules) int {
	load := 0
	for _, band := range rules.ToleranceBands {
		for _, kw := range band.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) && band.MaxReportsYear > load {
				load = band.MaxReportsYear
			}
		}
	}
	return load
}

func toleranceReports(name string, rules *config.ComplianceRules) int {
	for _, band := range rules.ToleranceBands {
		if strings.EqualFold(band.Name, name) {
			return band.MaxReportsYear
		}
	}
	return 4
}

func mentionsLargeTeam(text string, teamSize int) bool {
	if teamSize >= 10 {
		return false
	}
	for _, phrase := range []string{"large team", "dedicated staff of", "full-time staff of"} {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

func candidateText(g *models.Grant) string {
	parts := []string{g.Title, g.Description, g.EligibilitySummary, g.FundingDisplay}
	parts = append(parts, g.Keywords...)
	return strings.ToLower(strings.Join(parts, " "))
}
