package research

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantly/backend/internal/circuitbreaker"
	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/llm"
	_ "github.com/grantly/backend/internal/llm/providers"
	"github.com/grantly/backend/internal/models"
)

const twoGrantsJSON = `[
	{"title": "STEM Classroom Grant", "description": "funding for school students and classroom teachers", "source_url": "https://grants.example.gov/stem", "deadline": "2025-09-30", "funding": "$10,000 - $50,000"},
	{"title": "Digital Learning Fund", "description": "edtech and digital learning for education", "source_url": "https://grants.example.gov/digital", "deadline": "2025-11-15", "funding": "up to $25,000"}
]`

func completionBody(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":    "cmpl-1",
		"model": "gpt-test",
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 34, "total_tokens": 46},
	})
	require.NoError(t, err)
	return body
}

func testBreakers() *circuitbreaker.ServiceBreakers {
	return circuitbreaker.NewServiceBreakers(config.BreakersConfig{
		Database: config.BreakerConfig{FailureThreshold: 3, RecoverySeconds: 30, SuccessThreshold: 2},
		LLM:      config.BreakerConfig{FailureThreshold: 5, RecoverySeconds: 60, SuccessThreshold: 2},
		Vector:   config.BreakerConfig{FailureThreshold: 5, RecoverySeconds: 60, SuccessThreshold: 2},
		Email:    config.BreakerConfig{FailureThreshold: 5, RecoverySeconds: 60, SuccessThreshold: 2},
	})
}

func newTestAgent(t *testing.T, serverURL string, cache *llm.Cache, search config.SearchConfig) *Agent {
	t.Helper()
	client, err := llm.NewClient(config.LLMConfig{
		Provider:    "openai",
		APIKey:      "test-key",
		Model:       "gpt-test",
		BaseURL:     serverURL,
		TimeoutSecs: 5,
	})
	require.NoError(t, err)

	retry := circuitbreaker.NewRetryPolicy(1, time.Millisecond, time.Millisecond)
	agent := New(client, cache, testBreakers(), retry, testDocs(t), search)
	agent.now = func() time.Time { return parseNow }
	return agent
}

func searchCfg() config.SearchConfig {
	return config.SearchConfig{
		MaxChunks:        16,
		ChunkConcurrency: 2,
		ChunkMaxTokens:   2000,
		RefineMaxTokens:  1500,
	}
}

func eduProfile() *models.BusinessProfile {
	return &models.BusinessProfile{
		UserID:     "user-1",
		FocusAreas: []string{"education"},
		Region:     "Louisiana",
	}
}

func TestDiscoverSuccess(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req["model"])
		assert.Equal(t, float64(2000), req["max_tokens"])

		w.Write(completionBody(t, twoGrantsJSON))
	}))
	defer server.Close()

	agent := newTestAgent(t, server.URL, nil, searchCfg())
	result, err := agent.Discover(context.Background(), eduProfile())
	require.NoError(t, err)

	// One focus area across four tiers.
	assert.Equal(t, int64(4), atomic.LoadInt64(&calls))
	assert.Equal(t, 4, result.APICalls)
	assert.Equal(t, 4*46, result.TokensUsed)
	assert.Equal(t, models.RunSuccess, result.Status)
	assert.False(t, result.Degraded)
	assert.Nil(t, result.ErrorDetails())

	// The same two grants from every chunk collapse to two candidates.
	require.Len(t, result.Candidates, 2)
	for _, g := range result.Candidates {
		assert.Greater(t, g.CompositeScore, 0.0)
		assert.Equal(t, "education", g.Sector)
	}
	assert.GreaterOrEqual(t, result.Candidates[0].CompositeScore, result.Candidates[1].CompositeScore)
}

func TestDiscoverAllDegradedIsPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "upstream down"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	agent := newTestAgent(t, server.URL, nil, searchCfg())
	result, err := agent.Discover(context.Background(), eduProfile())
	require.NoError(t, err)

	// Every chunk fell back to the empty result set: the run completed but
	// is known-incomplete, so it reports PARTIAL with zero grants.
	assert.Equal(t, models.RunPartial, result.Status)
	assert.True(t, result.Degraded)
	assert.Empty(t, result.Candidates)
	assert.Equal(t, 4, result.APICalls)

	details := result.ErrorDetails()
	require.NotNil(t, details)
	assert.Equal(t, "llm", details["fallback"])
	degraded, ok := details["degraded_chunks"].([]string)
	require.True(t, ok)
	assert.Len(t, degraded, 4)
	for _, o := range result.Outcomes {
		assert.True(t, o.Degraded)
		assert.Empty(t, o.Error)
	}
}

func TestDiscoverServesCachedResultsWhenProviderDies(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, `{"error": "upstream down"}`, http.StatusBadGateway)
			return
		}
		w.Write(completionBody(t, twoGrantsJSON))
	}))
	defer server.Close()

	mr := miniredis.RunT(t)
	cache := llm.NewCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	agent := newTestAgent(t, server.URL, cache, searchCfg())

	warm, err := agent.Discover(context.Background(), eduProfile())
	require.NoError(t, err)
	require.Equal(t, models.RunSuccess, warm.Status)
	require.Len(t, warm.Candidates, 2)

	failing.Store(true)

	degraded, err := agent.Discover(context.Background(), eduProfile())
	require.NoError(t, err)
	assert.Equal(t, models.RunPartial, degraded.Status)
	assert.True(t, degraded.Degraded)

	// The cached responses carry the same grants the healthy pass found.
	require.Len(t, degraded.Candidates, 2)
	assert.Equal(t, warm.Candidates[0].Title, degraded.Candidates[0].Title)
}

func TestDiscoverCollapsesDuplicatesAcrossChunks(t *testing.T) {
	// Each call returns the same opportunity behind different tracking
	// params; normalization makes them one grant.
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		content := `[{"title": "Statewide Literacy Grant", "source_url": "https://grants.example.gov/literacy?utm_source=chunk` + string(rune('a'+n-1)) + `", "deadline": "2025-10-01"}]`
		w.Write(completionBody(t, content))
	}))
	defer server.Close()

	agent := newTestAgent(t, server.URL, nil, searchCfg())
	result, err := agent.Discover(context.Background(), eduProfile())
	require.NoError(t, err)

	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "Statewide Literacy Grant", result.Candidates[0].Title)
	assert.NotEmpty(t, result.Candidates[0].EnrichmentLog)
}

func TestDiscoverCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionBody(t, twoGrantsJSON))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	agent := newTestAgent(t, server.URL, nil, searchCfg())
	result, err := agent.Discover(ctx, eduProfile())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The partial result still comes back so callers can commit it; with
	// nothing finished it classifies as a full failure.
	require.NotNil(t, result)
	assert.Equal(t, models.RunFailed, result.Status)
	assert.Empty(t, result.Candidates)
}

func TestDiscoverRefinePass(t *testing.T) {
	refined := `[{"title": "STEM Classroom Grant", "source_url": "https://grants.example.gov/stem", "deadline": "2025-09-30", "funding_min": 10000, "funding_max": 50000}]`

	var searchCalls, refineCalls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages    []struct{ Role, Content string } `json:"messages"`
			Temperature *float64                         `json:"temperature"`
			MaxTokens   int                              `json:"max_tokens"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if len(req.Messages) > 0 && req.Messages[0].Content == refineSystemPrompt {
			atomic.AddInt64(&refineCalls, 1)
			require.NotNil(t, req.Temperature)
			assert.Equal(t, 0.5, *req.Temperature)
			assert.Equal(t, 1500, req.MaxTokens)
			w.Write(completionBody(t, refined))
			return
		}

		atomic.AddInt64(&searchCalls, 1)
		w.Write(completionBody(t, `[{"title": "STEM Classroom Grant", "source_url": "https://grants.example.gov/stem", "deadline": "2025-09-30", "funding": "ten to fifty thousand dollars"}]`))
	}))
	defer server.Close()

	cfg := searchCfg()
	cfg.Refine = true
	agent := newTestAgent(t, server.URL, nil, cfg)

	result, err := agent.Discover(context.Background(), eduProfile())
	require.NoError(t, err)

	assert.Equal(t, int64(4), atomic.LoadInt64(&searchCalls))
	assert.Equal(t, int64(4), atomic.LoadInt64(&refineCalls))
	assert.Equal(t, 8, result.APICalls)

	require.Len(t, result.Candidates, 1)
	g := result.Candidates[0]
	require.NotNil(t, g.FundingAmountMin)
	require.NotNil(t, g.FundingAmountMax)
	assert.Equal(t, 10000.0, *g.FundingAmountMin)
	assert.Equal(t, 50000.0, *g.FundingAmountMax)
}

func TestClassifyOutcomes(t *testing.T) {
	ok := ChunkOutcome{Label: "a/local"}
	deg := ChunkOutcome{Label: "b/state", Degraded: true}
	bad := ChunkOutcome{Label: "c/federal", Error: "boom"}

	tests := []struct {
		name     string
		outcomes []ChunkOutcome
		status   models.RunStatus
		degraded bool
	}{
		{"all ok", []ChunkOutcome{ok, ok, ok}, models.RunSuccess, false},
		{"one degraded", []ChunkOutcome{ok, deg, ok}, models.RunPartial, true},
		{"all degraded", []ChunkOutcome{deg, deg}, models.RunPartial, true},
		{"one failed", []ChunkOutcome{ok, bad}, models.RunPartial, false},
		{"failed and degraded", []ChunkOutcome{bad, deg}, models.RunPartial, true},
		{"all failed", []ChunkOutcome{bad, bad, bad}, models.RunFailed, false},
		{"empty plan", nil, models.RunFailed, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, degraded := classifyOutcomes(tc.outcomes)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.degraded, degraded)
		})
	}
}

func TestSortCandidates(t *testing.T) {
	day := func(d int) *time.Time {
		t := time.Date(2025, 9, d, 0, 0, 0, 0, time.UTC)
		return &t
	}
	mk := func(title string, composite float64, deadline *time.Time) *models.Grant {
		return &models.Grant{Title: title, CompositeScore: composite, Deadline: deadline}
	}

	grants := []*models.Grant{
		mk("zeta", 0.9, nil),
		mk("beta", 0.5, day(1)),
		mk("alpha", 0.9, day(20)),
		mk("gamma", 0.9, day(5)),
		mk("delta", 0.9, nil),
	}

	SortCandidates(grants)

	titles := make([]string, len(grants))
	for i, g := range grants {
		titles[i] = g.Title
	}
	// Composite first; equal composites by soonest deadline, missing
	// deadlines after dated ones, title as the last tiebreak.
	assert.Equal(t, []string{"gamma", "alpha", "delta", "zeta", "beta"}, titles)
}
