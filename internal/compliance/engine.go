// Package compliance applies the rule-driven second scoring layer:
// business-logic alignment, feasibility against resource constraints, and
// strategic synergy. Hard-blocked grants are rejected before persistence.
package compliance

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/models"
)

// neutralScore is used when a dimension has no signal to judge (no
// strategic goals configured, say). It neither rewards nor punishes.
const neutralScore = 0.5

// Rejection explains why a candidate was dropped from the run.
type Rejection struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// Engine evaluates candidates against one configuration snapshot. Build a
// new engine after a config reload.
type Engine struct {
	docs *config.Documents
}

// New builds an engine over the given document snapshot.
func New(docs *config.Documents) *Engine {
	return &Engine{docs: docs}
}

// Evaluate computes the Layer-2 scores for a candidate carrying Layer-1
// scores, writes the full vector back (recomputing the composite), and
// returns a Rejection when a hard-block rule matched. Rejected candidates
// must not be persisted.
func (e *Engine) Evaluate(g *models.Grant, profile *models.BusinessProfile) *Rejection {
	text := grantText(g)

	business, rejection := e.businessAlignment(g, text)
	if rejection != nil {
		return rejection
	}

	constraints := e.constraints(profile)
	feasibility := e.feasibility(g, text, constraints)
	strategic := e.strategicSynergy(g, e.goals(profile))

	v := g.Scores()
	v.Business = business
	v.Feasibility = feasibility
	v.Strategic = strategic
	g.ApplyScores(v)
	return nil
}

// businessAlignment starts at 1.0 and subtracts per failing rule.
func (e *Engine) businessAlignment(g *models.Grant, text string) (float64, *Rejection) {
	rules := e.docs.Compliance
	score := 1.0

	for _, rule := range rules.Rules {
		if !ruleApplies(rule, g) {
			continue
		}

		if len(rule.ExcludeKeywords) > 0 && anyKeyword(text, rule.ExcludeKeywords) {
			if rule.HardBlock {
				return 0, &Rejection{
					RuleID: rule.ID,
					Reason: fmt.Sprintf("hard block: %s", rule.Description),
				}
			}
			score -= rules.HardRejectPenalty
			g.EnrichmentLog = append(g.EnrichmentLog,
				fmt.Sprintf("compliance %s: exclude match, -%.2f", rule.ID, rules.HardRejectPenalty))
			continue
		}

		if len(rule.IncludeKeywords) > 0 && !anyKeyword(text, rule.IncludeKeywords) {
			penalty := rule.Penalty
			if penalty == 0 {
				penalty = rules.IncludePenalty
			}
			score -= penalty
			g.EnrichmentLog = append(g.EnrichmentLog,
				fmt.Sprintf("compliance %s: include miss, -%.2f", rule.ID, penalty))
		}
	}

	return models.Clamp01(score), nil
}

// durationPattern catches "24 months", "2-year", "three years" is out of
// scope; numeric mentions only.
var durationPattern = regexp.MustCompile(`(\d+)[\s-]*(month|year)`)

// feasibility compares what the grant demands with what the organization
// can absorb. Each out-of-bounds dimension contributes a linear penalty;
// all-in-bounds returns 1.0.
func (e *Engine) feasibility(g *models.Grant, text string, constraints config.ResourceConstraints) float64 {
	var components []float64

	// Budget: an award far above the organization's absorption capacity
	// signals an infeasible administrative load.
	if amount := grantAmount(g); amount > 0 && constraints.MaxBudget > 0 {
		if amount > constraints.MaxBudget {
			overshoot := (amount - constraints.MaxBudget) / constraints.MaxBudget
			components = append(components, models.Clamp01(1-overshoot))
		} else {
			components = append(components, 1.0)
		}
	}

	// Duration mentions against the maximum the team can commit to.
	if months := impliedDurationMonths(text); months > 0 && constraints.MaxDurationMonths > 0 {
		if months > constraints.MaxDurationMonths {
			overshoot := float64(months-constraints.MaxDurationMonths) / float64(constraints.MaxDurationMonths)
			components = append(components, models.Clamp01(1-overshoot))
		} else {
			components = append(components, 1.0)
		}
	}

	// Reporting burden mentions against the configured tolerance band.
	if band := e.docs.Compliance.Band(constraints.ReportingTolerance); band != nil {
		if implied := e.impliedReportsPerYear(text); implied > 0 {
			if implied > band.MaxReportsYear {
				overshoot := float64(implied-band.MaxReportsYear) / float64(band.MaxReportsYear)
				components = append(components, models.Clamp01(1-overshoot))
			} else {
				components = append(components, 1.0)
			}
		}
	}

	if len(components) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, c := range components {
		sum += c
	}
	return sum / float64(len(components))
}

// impliedReportsPerYear maps reporting-keyword mentions to the highest
// implied annual report count across all bands.
func (e *Engine) impliedReportsPerYear(text string) int {
	implied := 0
	for _, band := range e.docs.Compliance.ToleranceBands {
		if anyKeyword(text, band.Keywords) && band.MaxReportsYear > implied {
			implied = band.MaxReportsYear
		}
	}
	return implied
}

// strategicSynergy is the token-overlap match between the grant's keyword
// surface and the profile's strategic goals, normalized cosine-style.
func (e *Engine) strategicSynergy(g *models.Grant, goals []string) float64 {
	goalTokens := tokenSet(strings.Join(goals, " "))
	grantTokens := tokenSet(strings.Join(g.Keywords, " ") + " " +
		strings.Join(g.ProjectCategories, " ") + " " + g.Title)

	if len(goalTokens) == 0 || len(grantTokens) == 0 {
		return neutralScore
	}

	overlap := 0
	for tok := range goalTokens {
		if grantTokens[tok] {
			overlap++
		}
	}
	norm := math.Sqrt(float64(len(goalTokens)) * float64(len(grantTokens)))
	return models.Clamp01(float64(overlap) / norm)
}

// constraints prefers the user's profile-derived limits and falls back to
// the configured defaults.
func (e *Engine) constraints(profile *models.BusinessProfile) config.ResourceConstraints {
	c := e.docs.Profile.ResourceConstraints
	if profile != nil && profile.TeamSize > 0 {
		c.TeamSize = profile.TeamSize
	}
	return c
}

func (e *Engine) goals(profile *models.BusinessProfile) []string {
	if profile != nil && len(profile.StrategicGoals) > 0 {
		return profile.StrategicGoals
	}
	return e.docs.Profile.StrategicGoals
}

// ruleApplies evaluates the rule's "field=value" gate against the grant.
func ruleApplies(rule config.ComplianceRule, g *models.Grant) bool {
	cond := strings.TrimSpace(rule.AppliesIf)
	if cond == "" {
		return true
	}
	parts := strings.SplitN(cond, "=", 2)
	if len(parts) != 2 {
		return false
	}
	field, want := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

	var got string
	switch strings.ToLower(field) {
	case "sector":
		got = g.Sector
	case "sub_sector":
		got = g.SubSector
	case "geographic_scope":
		got = g.GeographicScope
	case "source_name":
		got = g.SourceName
	default:
		return false
	}
	return strings.EqualFold(got, want)
}

func grantText(g *models.Grant) string {
	parts := []string{g.Title, g.Description, g.EligibilitySummary, g.LLMSummary}
	parts = append(parts, g.Keywords...)
	return strings.ToLower(strings.Join(parts, " "))
}

func grantAmount(g *models.Grant) float64 {
	switch {
	case g.FundingAmountExact != nil:
		return *g.FundingAmountExact
	case g.FundingAmountMax != nil:
		return *g.FundingAmountMax
	case g.FundingAmountMin != nil:
		return *g.FundingAmountMin
	}
	return 0
}

func impliedDurationMonths(text string) int {
	months := 0
	for _, m := range durationPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if m[2] == "year" {
			n *= 12
		}
		if n > months {
			months = n
		}
	}
	return months
}

func anyKeyword(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenSplit.Split(strings.ToLower(s), -1) {
		if len(tok) > 2 {
			set[tok] = true
		}
	}
	return set
}
