package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/grantly/backend/internal/email"
	"github.com/grantly/backend/internal/models"
)

// Composite bands used in summary emails.
const (
	bandStrongMin    = 0.7
	bandPromisingMin = 0.4
)

type bandCounts struct {
	Strong    int
	Promising int
	Weak      int
}

func countBands(grants []*models.Grant) bandCounts {
	var c bandCounts
	for _, g := range grants {
		switch {
		case g.CompositeScore >= bandStrongMin:
			c.Strong++
		case g.CompositeScore >= bandPromisingMin:
			c.Promising++
		default:
			c.Weak++
		}
	}
	return c
}

// topGrants assumes the store's composite-desc ordering and just trims.
func topGrants(grants []*models.Grant, n int) []*models.Grant {
	if n <= 0 {
		n = 5
	}
	if len(grants) < n {
		n = len(grants)
	}
	return grants[:n]
}

func deadlineLabel(g *models.Grant) string {
	if g.Deadline == nil {
		return "rolling"
	}
	return g.Deadline.Format("Jan 2, 2006")
}

// runSummary renders the per-run email: headline counts by band plus the
// current top matches.
func runSummary(user *models.User, grants []*models.Grant, topN, grantsFound int, degraded bool) email.Message {
	bands := countBands(grants)
	top := topGrants(grants, topN)

	subject := fmt.Sprintf("Grant search complete: %d new opportunities", grantsFound)
	if grantsFound == 0 {
		subject = "Grant search complete: no new opportunities this time"
	}
	if degraded {
		subject += " (partial results)"
	}

	var htmlBody strings.Builder
	htmlBody.WriteString("<h2>Your grant search finished</h2>")
	if degraded {
		htmlBody.WriteString("<p><em>Some sources were unavailable; results may be incomplete.</em></p>")
	}
	fmt.Fprintf(&htmlBody,
		"<p>%d new this run &middot; portfolio: %d strong, %d promising, %d weak</p>",
		grantsFound, bands.Strong, bands.Promising, bands.Weak)

	if len(top) > 0 {
		htmlBody.WriteString("<h3>Top matches</h3><table><tr><th>Grant</th><th>Score</th><th>Funding</th><th>Deadline</th></tr>")
		for _, g := range top {
			fmt.Fprintf(&htmlBody, "<tr><td>%s</td><td>%.2f</td><td>%s</td><td>%s</td></tr>",
				html.EscapeString(g.Title), g.CompositeScore,
				html.EscapeString(g.FundingDisplay), deadlineLabel(g))
		}
		htmlBody.WriteString("</table>")
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Your grant search finished: %d new this run.\n", grantsFound)
	fmt.Fprintf(&text, "Portfolio: %d strong, %d promising, %d weak.\n", bands.Strong, bands.Promising, bands.Weak)
	for i, g := range top {
		fmt.Fprintf(&text, "%d. %s (%.2f) %s, deadline %s\n",
			i+1, g.Title, g.CompositeScore, g.FundingDisplay, deadlineLabel(g))
	}

	return email.Message{
		To:      []string{user.Email},
		Subject: subject,
		HTML:    htmlBody.String(),
		Text:    text.String(),
	}
}

// weeklyDigest aggregates the last seven days of runs with the current top
// matches.
func weeklyDigest(user *models.User, runs []*models.SearchRun, grants []*models.Grant, topN int, since time.Time) email.Message {
	totalRuns, totalFound := 0, 0
	for _, r := range runs {
		if r.StartedAt.Before(since) {
			continue
		}
		totalRuns++
		totalFound += r.GrantsFound
	}
	bands := countBands(grants)
	top := topGrants(grants, topN)

	subject := fmt.Sprintf("Weekly grant digest: %d found across %d searches", totalFound, totalRuns)

	var htmlBody strings.Builder
	htmlBody.WriteString("<h2>Your week in grants</h2>")
	fmt.Fprintf(&htmlBody, "<p>%d searches ran, surfacing %d opportunities.</p>", totalRuns, totalFound)
	fmt.Fprintf(&htmlBody, "<p>Portfolio: %d strong, %d promising, %d weak.</p>",
		bands.Strong, bands.Promising, bands.Weak)
	if len(top) > 0 {
		htmlBody.WriteString("<h3>Worth a look</h3><ol>")
		for _, g := range top {
			fmt.Fprintf(&htmlBody, "<li>%s (%.2f), deadline %s</li>",
				html.EscapeString(g.Title), g.CompositeScore, deadlineLabel(g))
		}
		htmlBody.WriteString("</ol>")
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Your week in grants: %d searches, %d opportunities.\n", totalRuns, totalFound)
	fmt.Fprintf(&text, "Portfolio: %d strong, %d promising, %d weak.\n", bands.Strong, bands.Promising, bands.Weak)
	for i, g := range top {
		fmt.Fprintf(&text, "%d. %s (%.2f), deadline %s\n", i+1, g.Title, g.CompositeScore, deadlineLabel(g))
	}

	return email.Message{
		To:      []string{user.Email},
		Subject: subject,
		HTML:    htmlBody.String(),
		Text:    text.String(),
	}
}
