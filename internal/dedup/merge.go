package dedup

import (
	"fmt"
	"time"

	"github.com/grantly/backend/internal/models"
)

// Merge folds a freshly discovered candidate into an existing grant row.
// Policy is "take the more informative value": non-empty beats empty,
// longer text beats shorter for free-text fields, funding bounds widen to
// the union. Scores are recomputed from the winning vector, never
// averaged. first_found_at is preserved; retrieved_at moves forward.
//
// Merge is idempotent: merging the same candidate twice leaves the row
// unchanged after the first application.
func Merge(existing *models.Grant, candidate *models.Grant, strategy Strategy, now time.Time) {
	existing.Title = longerText(existing.Title, candidate.Title)
	existing.Description = longerText(existing.Description, candidate.Description)
	existing.LLMSummary = longerText(existing.LLMSummary, candidate.LLMSummary)
	existing.EligibilitySummary = longerText(existing.EligibilitySummary, candidate.EligibilitySummary)
	existing.Funder = nonEmpty(existing.Funder, candidate.Funder)
	existing.SourceName = nonEmpty(existing.SourceName, candidate.SourceName)
	existing.FundingDisplay = nonEmpty(existing.FundingDisplay, candidate.FundingDisplay)
	existing.Sector = nonEmpty(existing.Sector, candidate.Sector)
	existing.SubSector = nonEmpty(existing.SubSector, candidate.SubSector)
	existing.GeographicScope = nonEmpty(existing.GeographicScope, candidate.GeographicScope)

	if existing.ExternalID == nil && candidate.ExternalID != nil {
		existing.ExternalID = candidate.ExternalID
	}

	// Prefer a real URL over none; keep the existing one otherwise so the
	// unique index key stays stable.
	if existing.SourceURL == "" && candidate.SourceURL != "" {
		existing.SourceURL = candidate.SourceURL
		if n := NormalizeURL(candidate.SourceURL); n != "" {
			existing.NormalizedURL = &n
		}
	}

	existing.FundingAmountMin = lowerBound(existing.FundingAmountMin, candidate.FundingAmountMin)
	existing.FundingAmountMax = upperBound(existing.FundingAmountMax, candidate.FundingAmountMax)
	if existing.FundingAmountExact == nil && candidate.FundingAmountExact != nil {
		existing.FundingAmountExact = candidate.FundingAmountExact
	}

	if existing.Deadline == nil && candidate.Deadline != nil {
		existing.Deadline = candidate.Deadline
	}
	if existing.OpenDate == nil && candidate.OpenDate != nil {
		existing.OpenDate = candidate.OpenDate
	}

	existing.Keywords = unionStrings(existing.Keywords, candidate.Keywords)
	existing.ProjectCategories = unionStrings(existing.ProjectCategories, candidate.ProjectCategories)
	existing.LocationMentions = unionStrings(existing.LocationMentions, candidate.LocationMentions)

	if len(candidate.RawSourceData) > len(existing.RawSourceData) {
		existing.RawSourceData = candidate.RawSourceData
	}

	// Recompute, never average: the candidate carries the newest scoring
	// pass, so its vector wins outright and the composite is rederived.
	existing.ApplyScores(candidate.Scores())

	existing.RetrievedAt = now
	existing.UpdatedAt = now

	entry := fmt.Sprintf("merged duplicate via %s at %s", strategy, now.UTC().Format(time.RFC3339))
	if n := len(existing.EnrichmentLog); n == 0 || existing.EnrichmentLog[n-1] != entry {
		existing.EnrichmentLog = append(existing.EnrichmentLog, entry)
	}
}

func nonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	return a
}

func longerText(a, b string) string {
	if len(b) > len(a) {
		return b
	}
	return a
}

func lowerBound(a, b *float64) *float64 {
	if a == nil {
		return b
	}
	if b != nil && *b < *a {
		return b
	}
	return a
}

func upperBound(a, b *float64) *float64 {
	if a == nil {
		return b
	}
	if b != nil && *b > *a {
		return b
	}
	return a
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a))
	out := a
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
