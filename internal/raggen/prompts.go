package raggen

import (
	"fmt"
	"strings"

	"github.com/grantly/backend/internal/models"
	"github.com/grantly/backend/internal/vector"
)

const generationSystemPrompt = `You are a professional grant writer. You draft one section of a grant application at a time.

Rules:
- Ground every claim in the ORGANIZATION CONTEXT provided. Do not invent programs, staff, budgets, or outcomes.
- Write in confident, plain professional prose. No markdown headers, no bullet lists unless the section calls for a budget breakdown.
- Stay within the requested length.`

// sectionSpec drives one generation call.
type sectionSpec struct {
	Title       string
	Instruction string
	MaxTokens   int
}

// sectionSpecs is keyed by the canonical section slugs in
// models.SectionOrder. Token budgets bound the requested word counts.
var sectionSpecs = map[string]sectionSpec{
	"executive_summary": {
		Title:       "Executive Summary",
		Instruction: "Write an executive summary (200-300 words): who the organization is, what it proposes, the amount requested, and the expected outcome.",
		MaxTokens:   500,
	},
	"needs_statement": {
		Title:       "Needs Statement",
		Instruction: "Write a needs statement (300-400 words): the specific community problem this project addresses, with the urgency grounded in the organization's service area.",
		MaxTokens:   650,
	},
	"project_description": {
		Title:       "Project Description",
		Instruction: "Write a project description (400-600 words): activities, timeline, milestones, and how the work will be carried out.",
		MaxTokens:   950,
	},
	"budget_narrative": {
		Title:       "Budget Narrative",
		Instruction: "Write a budget narrative (200-400 words): how the requested funds map to major cost categories and why each is necessary.",
		MaxTokens:   650,
	},
	"organizational_capacity": {
		Title:       "Organizational Capacity",
		Instruction: "Write an organizational capacity section (200-300 words): track record, team, and systems that make the organization able to deliver.",
		MaxTokens:   500,
	},
	"impact_statement": {
		Title:       "Impact Statement",
		Instruction: "Write an impact statement (200-400 words): measurable outcomes, who benefits, and how results will be evaluated and sustained.",
		MaxTokens:   650,
	},
}

// sectionTitle maps a slug to its display heading.
func sectionTitle(key string) string {
	if spec, ok := sectionSpecs[key]; ok {
		return spec.Title
	}
	return key
}

func sectionUserPrompt(key string, grant *models.Grant, profile *models.BusinessProfile, context []vector.Match) string {
	var b strings.Builder

	b.WriteString("GRANT OPPORTUNITY\n")
	fmt.Fprintf(&b, "Title: %s\n", grant.Title)
	if grant.Funder != "" {
		fmt.Fprintf(&b, "Funder: %s\n", grant.Funder)
	}
	if grant.FundingDisplay != "" {
		fmt.Fprintf(&b, "Funding: %s\n", grant.FundingDisplay)
	}
	if grant.Deadline != nil {
		fmt.Fprintf(&b, "Deadline: %s\n", grant.Deadline.Format("2006-01-02"))
	}
	if grant.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", grant.Description)
	}
	if grant.EligibilitySummary != "" {
		fmt.Fprintf(&b, "Eligibility: %s\n", grant.EligibilitySummary)
	}

	b.WriteString("\nORGANIZATION CONTEXT\n")
	if profile != nil {
		if len(profile.Sectors) > 0 {
			fmt.Fprintf(&b, "Sectors: %s\n", strings.Join(profile.Sectors, ", "))
		}
		if profile.Region != "" {
			fmt.Fprintf(&b, "Region: %s\n", profile.Region)
		}
		if profile.TeamSize > 0 {
			fmt.Fprintf(&b, "Team size: %d\n", profile.TeamSize)
		}
	}
	if len(context) == 0 {
		b.WriteString("(no stored narrative available; write conservatively and avoid specifics)\n")
	}
	for i, m := range context {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, m.Text)
	}

	b.WriteString("\nTASK\n")
	b.WriteString(sectionSpecs[key].Instruction)
	return b.String()
}
