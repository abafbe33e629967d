package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantly/backend/internal/models"
)

func grantWithScore(title string, score float64) *models.Grant {
	return &models.Grant{Title: title, CompositeScore: score, FundingDisplay: "$50,000"}
}

func TestCountBandsBoundaries(t *testing.T) {
	grants := []*models.Grant{
		grantWithScore("a", 0.95),
		grantWithScore("b", 0.7), // boundary: strong starts at 0.7
		grantWithScore("c", 0.69),
		grantWithScore("d", 0.4), // boundary: promising starts at 0.4
		grantWithScore("e", 0.39),
		grantWithScore("f", 0.0),
	}

	bands := countBands(grants)
	assert.Equal(t, 2, bands.Strong)
	assert.Equal(t, 2, bands.Promising)
	assert.Equal(t, 2, bands.Weak)
}

func TestRunSummaryRendersCountsAndTopGrants(t *testing.T) {
	user := &models.User{ID: "u1", Email: "founder@example.com"}
	deadline := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	grants := []*models.Grant{
		{Title: "Rural STEM Education Fund", CompositeScore: 0.88, FundingDisplay: "$100,000", Deadline: &deadline},
		{Title: "Community Makerspace Grant", CompositeScore: 0.61, FundingDisplay: "$25,000"},
		{Title: "Long Shot Award", CompositeScore: 0.2, FundingDisplay: "$5,000"},
	}

	msg := runSummary(user, grants, 2, 7, false)

	assert.Equal(t, []string{"founder@example.com"}, msg.To)
	assert.Equal(t, "Grant search complete: 7 new opportunities", msg.Subject)
	assert.Contains(t, msg.HTML, "1 strong, 1 promising, 1 weak")
	assert.Contains(t, msg.HTML, "Rural STEM Education Fund")
	assert.Contains(t, msg.HTML, "Oct 1, 2026")
	// Only the top two make the table.
	assert.NotContains(t, msg.HTML, "Long Shot Award")
	assert.Contains(t, msg.Text, "1. Rural STEM Education Fund (0.88)")
	assert.Contains(t, msg.Text, "rolling") // no deadline on the second grant
}

func TestRunSummaryDegradedAndEmptyVariants(t *testing.T) {
	user := &models.User{ID: "u1", Email: "founder@example.com"}

	degraded := runSummary(user, nil, 5, 3, true)
	assert.Contains(t, degraded.Subject, "(partial results)")
	assert.Contains(t, degraded.HTML, "results may be incomplete")

	empty := runSummary(user, nil, 5, 0, false)
	assert.Equal(t, "Grant search complete: no new opportunities this time", empty.Subject)
	assert.NotContains(t, empty.HTML, "<table>")
}

func TestRunSummaryEscapesGrantTitles(t *testing.T) {
	user := &models.User{ID: "u1", Email: "founder@example.com"}
	grants := []*models.Grant{grantWithScore("<script>alert(1)</script> Fund", 0.9)}

	msg := runSummary(user, grants, 5, 1, false)

	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.HTML, "&lt;script&gt;")
}

func TestWeeklyDigestCountsOnlyRecentRuns(t *testing.T) {
	user := &models.User{ID: "u1", Email: "founder@example.com"}
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	since := now.AddDate(0, 0, -7)

	runs := []*models.SearchRun{
		{ID: "r1", StartedAt: now.Add(-24 * time.Hour), GrantsFound: 4},
		{ID: "r2", StartedAt: now.Add(-3 * 24 * time.Hour), GrantsFound: 2},
		{ID: "r3", StartedAt: now.Add(-10 * 24 * time.Hour), GrantsFound: 9}, // outside the window
	}
	grants := []*models.Grant{grantWithScore("Rural STEM Education Fund", 0.8)}

	msg := weeklyDigest(user, runs, grants, 3, since)

	assert.Equal(t, "Weekly grant digest: 6 found across 2 searches", msg.Subject)
	assert.Contains(t, msg.HTML, "2 searches ran, surfacing 6 opportunities")
	assert.Contains(t, msg.Text, "1. Rural STEM Education Fund (0.80)")
}

func TestTopGrantsTrimsAndDefaults(t *testing.T) {
	grants := []*models.Grant{
		grantWithScore("a", 0.9),
		grantWithScore("b", 0.8),
		grantWithScore("c", 0.7),
	}

	require.Len(t, topGrants(grants, 2), 2)
	assert.Equal(t, "a", topGrants(grants, 2)[0].Title)
	// Zero falls back to the default of five, capped by what exists.
	require.Len(t, topGrants(grants, 0), 3)
}
