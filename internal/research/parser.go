package research

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/grantly/backend/internal/llm"
	"github.com/grantly/backend/internal/models"
)

// rawCandidate mirrors the schema the system prompt fixes, plus the
// refine-pass extras. Numbers arrive as strings often enough that funding
// bounds are parsed defensively.
type rawCandidate struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	SourceURL   string      `json:"source_url"`
	Deadline    string      `json:"deadline"`
	Funding     string      `json:"funding"`
	FundingMin  json.Number `json:"funding_min"`
	FundingMax  json.Number `json:"funding_max"`
	Eligibility string      `json:"eligibility"`
	SourceName  string      `json:"source_name"`
	SectorTags  []string    `json:"sector_tags"`
	LastUpdated string      `json:"last_updated"`
}

// parseCandidates extracts grant candidates from one model response.
// Strict JSON first; then the tolerant extractor; finally labeled-line
// heuristics for models that answer in prose. Never returns an error: an
// unreadable response is simply zero candidates.
func parseCandidates(text string, now time.Time) []*models.Grant {
	raws := parseStrict(text)
	if raws == nil {
		if extracted := llm.ExtractJSONArray(text); extracted != "" {
			raws = parseStrict(extracted)
		}
	}
	if raws == nil {
		raws = parseLabeledLines(text)
	}

	out := make([]*models.Grant, 0, len(raws))
	for _, raw := range raws {
		g := raw.toGrant(now)
		if lacksIdentity(g) {
			continue
		}
		out = append(out, g)
	}
	return out
}

func parseStrict(text string) []rawCandidate {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	var raws []rawCandidate
	if err := json.Unmarshal([]byte(trimmed), &raws); err != nil {
		// A single object is close enough to honor.
		var one rawCandidate
		if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
			return nil
		}
		return []rawCandidate{one}
	}
	return raws
}

// labeled-line heuristics: "Title: ...", "Deadline: ...", etc. Entries are
// separated by blank lines or numbered headings.
var (
	labelPattern = regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*)?(title|name|description|summary|deadline|due date|url|link|source|funding|amount|award|eligibility|funder|organization)\s*[:\-]\s*(.+)$`)
	urlPattern   = regexp.MustCompile(`https?://[^\s)\]"']+`)
)

func parseLabeledLines(text string) []rawCandidate {
	var (
		raws    []rawCandidate
		current *rawCandidate
	)
	flush := func() {
		if current != nil && (current.Title != "" || current.SourceURL != "") {
			raws = append(raws, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}

		m := labelPattern.FindStringSubmatch(line)
		if m == nil {
			// A bare URL still anchors the current entry.
			if current != nil && current.SourceURL == "" {
				if u := urlPattern.FindString(line); u != "" {
					current.SourceURL = u
				}
			}
			continue
		}

		label, value := strings.ToLower(m[1]), strings.TrimSpace(m[2])
		switch label {
		case "title", "name":
			// A new title starts a new entry.
			if current != nil && current.Title != "" {
				flush()
			}
			if current == nil {
				current = &rawCandidate{}
			}
			current.Title = value
		default:
			if current == nil {
				current = &rawCandidate{}
			}
			switch label {
			case "description", "summary":
				current.Description = value
			case "deadline", "due date":
				current.Deadline = value
			case "url", "link", "source":
				if u := urlPattern.FindString(value); u != "" {
					current.SourceURL = u
				} else if current.SourceName == "" {
					current.SourceName = value
				}
			case "funding", "amount", "award":
				current.Funding = value
			case "eligibility":
				current.Eligibility = value
			case "funder", "organization":
				current.SourceName = value
			}
		}
	}
	flush()
	return raws
}

// toGrant converts a parsed candidate to the canonical record.
func (r rawCandidate) toGrant(now time.Time) *models.Grant {
	g := &models.Grant{
		Title:              strings.TrimSpace(r.Title),
		Description:        strings.TrimSpace(r.Description),
		EligibilitySummary: strings.TrimSpace(r.Eligibility),
		SourceURL:          strings.TrimSpace(r.SourceURL),
		SourceName:         strings.TrimSpace(r.SourceName),
		FundingDisplay:     strings.TrimSpace(r.Funding),
		RetrievedAt:        now,
		FirstFoundAt:       now,
		RecordStatus:       models.RecordActive,
	}

	if d := parseDate(r.Deadline); d != nil {
		g.Deadline = d
	}

	gmin, gmax, exact := parseFunding(r.Funding)
	if v, err := r.FundingMin.Float64(); err == nil && v > 0 {
		gmin = &v
	}
	if v, err := r.FundingMax.Float64(); err == nil && v > 0 {
		gmax = &v
	}
	g.FundingAmountMin, g.FundingAmountMax, g.FundingAmountExact = gmin, gmax, exact

	for _, tag := range r.SectorTags {
		if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
			g.Keywords = append(g.Keywords, tag)
		}
	}

	// Source pages not observed for over 60 days are kept but flagged so
	// the composite down-weights them.
	if lu := parseDate(r.LastUpdated); lu != nil && now.Sub(*lu) > models.StaleAfter {
		g.Stale = true
	}

	if raw, err := json.Marshal(r); err == nil {
		g.RawSourceData = raw
	}
	return g
}

// lacksIdentity rejects candidates with no title and no locator at all.
func lacksIdentity(g *models.Grant) bool {
	return g.Title == "" && g.SourceURL == "" && g.Deadline == nil
}

var dateLayouts = []string{
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
	"2006/01/02",
	time.RFC3339,
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "rolling") || strings.EqualFold(s, "ongoing") {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// amountPattern picks dollar figures with optional k/m suffixes out of a
// display string like "$10,000 - $50,000" or "up to $2.5M".
var amountPattern = regexp.MustCompile(`\$?\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*([kKmM])?`)

func parseFunding(display string) (min, max, exact *float64) {
	display = strings.TrimSpace(display)
	if display == "" {
		return nil, nil, nil
	}

	var amounts []float64
	for _, m := range amountPattern.FindAllStringSubmatch(display, -1) {
		numStr := strings.ReplaceAll(m[1], ",", "")
		v, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "k":
			v *= 1_000
		case "m":
			v *= 1_000_000
		}
		// Bare small numbers ("5 awards") are noise, not dollar amounts.
		if v >= 100 {
			amounts = append(amounts, v)
		}
	}

	switch len(amounts) {
	case 0:
		return nil, nil, nil
	case 1:
		if strings.Contains(strings.ToLower(display), "up to") {
			return nil, &amounts[0], nil
		}
		return nil, nil, &amounts[0]
	default:
		lo, hi := amounts[0], amounts[0]
		for _, v := range amounts[1:] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		return &lo, &hi, nil
	}
}
