package dedup

import (
	"time"

	"github.com/grantly/backend/internal/models"
)

// Match finds the first existing grant the candidate duplicates, trying
// the strategies in contract order. existing must all belong to the same
// user as the candidate.
func Match(candidate *models.Grant, existing []*models.Grant) (*models.Grant, Strategy) {
	// Strategy 1: normalized source URL.
	if candURL := NormalizeURL(candidate.SourceURL); candURL != "" {
		for _, g := range existing {
			if g.NormalizedURL != nil && *g.NormalizedURL == candURL {
				return g, StrategyURL
			}
			if NormalizeURL(g.SourceURL) == candURL {
				return g, StrategyURL
			}
		}
	}

	// Strategy 2: exact title + same deadline date.
	if candidate.Deadline != nil {
		candTitle := NormalizeTitle(candidate.Title)
		if candTitle != "" {
			for _, g := range existing {
				if g.Deadline == nil {
					continue
				}
				if sameDate(*g.Deadline, *candidate.Deadline) && NormalizeTitle(g.Title) == candTitle {
					return g, StrategyTitleDeadline
				}
			}
		}
	}

	// Strategy 3: fuzzy title.
	if candidate.Title != "" {
		for _, g := range existing {
			if FuzzyTitleMatch(candidate.Title, g.Title) {
				return g, StrategyFuzzyTitle
			}
		}
	}

	return nil, StrategyNone
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
