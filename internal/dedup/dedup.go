// Package dedup detects duplicate grants and merges them. Three strategies
// run in order against a user's existing grants: normalized source URL,
// exact title + deadline, then fuzzy title. The store invokes this inside
// the upsert transaction so matching and merging are atomic per candidate.
package dedup

import (
	"net/url"
	"strings"
)

// fuzzyThreshold is the minimum normalized Levenshtein ratio for two
// titles to count as the same grant.
const fuzzyThreshold = 0.85

// Strategy names the matcher that identified a duplicate. Persisted into
// the enrichment log so merges stay explainable.
type Strategy string

const (
	StrategyNone          Strategy = ""
	StrategyURL           Strategy = "url"
	StrategyTitleDeadline Strategy = "title_deadline"
	StrategyFuzzyTitle    Strategy = "fuzzy_title"
)

// NormalizeURL canonicalizes a source URL for equality: lowercase host,
// no trailing slash, tracking params (utm_*) dropped. Returns "" when the
// input is empty or unparsable, which callers treat as "no URL".
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}

	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// NormalizeTitle collapses whitespace and lowercases for comparison.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// TitleRatio is the normalized Levenshtein similarity of two titles in
// [0,1]. 1.0 means identical after normalization.
func TitleRatio(a, b string) float64 {
	na, nb := NormalizeTitle(a), NormalizeTitle(b)
	if na == "" && nb == "" {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}
	if na == nb {
		return 1.0
	}

	dist := levenshteinDistance([]rune(na), []rune(nb))
	longest := len([]rune(na))
	if l := len([]rune(nb)); l > longest {
		longest = l
	}
	return 1.0 - float64(dist)/float64(longest)
}

// FuzzyTitleMatch reports whether two titles are close enough to be the
// same grant.
func FuzzyTitleMatch(a, b string) bool {
	return TitleRatio(a, b) >= fuzzyThreshold
}

// levenshteinDistance computes the edit distance between two rune sequences.
func levenshteinDistance(a, b []rune) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	// Dynamic programming matrix
	dp := make([][]int, la+1)
	for i := range dp {
		dp[i] = make([]int, lb+1)
		dp[i][0] = i
	}
	for j := 0; j <= lb; j++ {
		dp[0][j] = j
	}

	for i := 1; i <= la; i++ {
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			dp[i][j] = minOf3(
				dp[i-1][j]+1,      // deletion
				dp[i][j-1]+1,      // insertion
				dp[i-1][j-1]+cost, // substitution
			)
		}
	}

	return dp[la][lb]
}

func minOf3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
