package research

import (
	"fmt"
	"strings"
)

// searchSystemPrompt fixes the output schema. Keeping the schema in the
// system prompt (not the user prompt) makes refine passes cheaper: only
// the user prompt changes per chunk.
const searchSystemPrompt = `You are a grant research assistant. You find real, currently open funding opportunities and report them as structured data.

Respond ONLY with a JSON array. Each element must have exactly these fields:
{
  "title": "grant program name",
  "description": "what the grant funds, 2-4 sentences",
  "source_url": "https://... direct link to the opportunity",
  "deadline": "YYYY-MM-DD or empty string if rolling",
  "funding": "amount or range as published, e.g. $10,000-$50,000",
  "eligibility": "who may apply, 1-2 sentences",
  "source_name": "publishing organization"
}

Rules:
- Only include opportunities that are plausibly open now.
- Never invent URLs; omit the grant if you cannot cite a source.
- An empty array is a valid answer.`

// chunkUserPrompt builds the per-chunk query.
func chunkUserPrompt(chunk SearchChunk, region string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Find grant opportunities for organizations working on %q.\n", chunk.FocusArea)

	switch chunk.Tier {
	case "local":
		fmt.Fprintf(&b, "Scope: local/municipal programs in or near %s.\n", region)
	case "state":
		fmt.Fprintf(&b, "Scope: state-level programs covering %s.\n", region)
	case "regional":
		fmt.Fprintf(&b, "Scope: regional or multi-state programs that include %s.\n", region)
	default:
		b.WriteString("Scope: federal/national programs.\n")
	}

	b.WriteString("Return up to 5 opportunities as the JSON array described in the system prompt.")
	return b.String()
}

// refineSystemPrompt normalizes fields on a second pass.
const refineSystemPrompt = `You normalize grant data. Given a JSON array of grants, return the SAME array with:
- "deadline" reformatted to YYYY-MM-DD (empty string if unknown or rolling)
- "funding" kept verbatim plus best-effort numeric bounds in new fields "funding_min" and "funding_max"
- a new "sector_tags" field: up to 3 lowercase topical tags per grant

Return ONLY the JSON array. Do not add or remove grants.`

func refineUserPrompt(rawJSON string) string {
	return "Normalize this grant data:\n" + rawJSON
}
