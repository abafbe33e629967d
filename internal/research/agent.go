package research

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grantly/backend/internal/circuitbreaker"
	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/dedup"
	"github.com/grantly/backend/internal/llm"
	"github.com/grantly/backend/internal/models"
)

// ============================================================================
// RESEARCH AGENT
// ============================================================================

// Agent fans a search plan out across the LLM and returns scored, deduplicated
// candidates. Every provider call goes through the llm breaker; a chunk whose
// call degrades to cache or the empty schema still counts as completed.
type Agent struct {
	llm      *llm.Client
	cache    *llm.Cache
	breakers *circuitbreaker.ServiceBreakers
	retry    *circuitbreaker.RetryPolicy
	docs     *config.Documents
	cfg      config.SearchConfig
	logger   *log.Logger
	now      func() time.Time
}

// New builds the agent. cache may be nil; degraded chunks then fall straight
// to the schema-empty response.
func New(client *llm.Client, cache *llm.Cache, breakers *circuitbreaker.ServiceBreakers, retry *circuitbreaker.RetryPolicy, docs *config.Documents, cfg config.SearchConfig) *Agent {
	return &Agent{
		llm:      client,
		cache:    cache,
		breakers: breakers,
		retry:    retry,
		docs:     docs,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
		now:      time.Now,
	}
}

// ChunkOutcome records how one plan chunk finished.
type ChunkOutcome struct {
	Label      string `json:"label"`
	Candidates int    `json:"candidates"`
	Degraded   bool   `json:"degraded,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Result aggregates a full discovery pass.
type Result struct {
	Candidates []*models.Grant
	Outcomes   []ChunkOutcome
	Status     models.RunStatus
	APICalls   int
	TokensUsed int
	Degraded   bool
}

// ErrorDetails renders failed and degraded chunks for run bookkeeping.
// Returns nil when every chunk completed cleanly.
func (r *Result) ErrorDetails() models.JSONMap {
	failed := map[string]string{}
	var degraded []string
	for _, o := range r.Outcomes {
		if o.Error != "" {
			failed[o.Label] = o.Error
		}
		if o.Degraded {
			degraded = append(degraded, o.Label)
		}
	}
	if len(failed) == 0 && len(degraded) == 0 {
		return nil
	}
	details := models.JSONMap{}
	if len(failed) > 0 {
		details["failed_chunks"] = failed
	}
	if len(degraded) > 0 {
		details["degraded_chunks"] = degraded
		details["fallback"] = "llm"
	}
	return details
}

// Discover runs the plan for one profile. The error return is reserved for
// context cancellation; provider failures surface per chunk in the result.
func (a *Agent) Discover(ctx context.Context, profile *models.BusinessProfile) (*Result, error) {
	plan := BuildPlan(profile, a.docs, a.cfg.MaxChunks)
	region := effectiveRegion(profile, a.docs)
	a.logger.Printf("🔍 starting discovery: %d chunks, concurrency %d", len(plan), a.cfg.ChunkConcurrency)

	var (
		mu       sync.Mutex
		apiCalls int64
		tokens   int64
	)
	outcomes := make([]ChunkOutcome, len(plan))
	candidatesByChunk := make([][]*models.Grant, len(plan))
	for i, chunk := range plan {
		// Overwritten as chunks finish; anything left means the run was
		// cut short before the chunk ran.
		outcomes[i] = ChunkOutcome{Label: chunk.Label(), Error: "canceled before completion"}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.ChunkConcurrency)

	for i, chunk := range plan {
		i, chunk := i, chunk
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			parsed, usedTokens, degraded, err := a.searchChunk(gctx, chunk, region, &apiCalls)
			atomic.AddInt64(&tokens, int64(usedTokens))

			outcome := ChunkOutcome{Label: chunk.Label(), Candidates: len(parsed), Degraded: degraded}
			if err != nil {
				// Cancellation aborts the run; anything else is a chunk-local
				// failure the rest of the plan survives.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				outcome.Error = err.Error()
				a.logger.Printf("❌ chunk %s failed: %v", chunk.Label(), err)
			}

			for _, c := range parsed {
				scoreCandidate(c, chunk, profile, a.docs)
			}

			mu.Lock()
			outcomes[i] = outcome
			candidatesByChunk[i] = parsed
			mu.Unlock()
			return nil
		})
	}

	waitErr := g.Wait()

	var all []*models.Grant
	for _, batch := range candidatesByChunk {
		all = append(all, batch...)
	}
	all = a.collapseDuplicates(all)
	SortCandidates(all)

	result := &Result{
		Candidates: all,
		Outcomes:   outcomes,
		APICalls:   int(atomic.LoadInt64(&apiCalls)),
		TokensUsed: int(atomic.LoadInt64(&tokens)),
	}
	result.Status, result.Degraded = classifyOutcomes(outcomes)

	if waitErr != nil {
		// Soft-canceled run: hand back what the finished chunks produced so
		// the caller can still commit partials.
		a.logger.Printf("⚠️ discovery cut short: %d candidates from completed chunks: %v", len(all), waitErr)
		return result, waitErr
	}

	a.logger.Printf("✅ discovery complete: %d candidates, %d api calls, status %s", len(all), result.APICalls, result.Status)
	return result, nil
}

// searchChunk issues one chunk's completion through the breaker, with the
// cached-or-empty fallback, and optionally refines the raw JSON.
func (a *Agent) searchChunk(ctx context.Context, chunk SearchChunk, region string, apiCalls *int64) ([]*models.Grant, int, bool, error) {
	req := llm.Request{
		SystemPrompt: searchSystemPrompt,
		UserPrompt:   chunkUserPrompt(chunk, region),
		MaxTokens:    a.cfg.ChunkMaxTokens,
	}
	cacheKey := llm.Key(a.llm.Model(), req)

	resp, degraded, err := circuitbreaker.ExecuteWithFallback(ctx, a.breakers.LLM, a.retry,
		func(ctx context.Context) (*llm.Response, error) {
			atomic.AddInt64(apiCalls, 1)
			return a.llm.Complete(ctx, req)
		},
		func(ctx context.Context, cause error) (*llm.Response, error) {
			// A dead context is an aborted run, not a degradable failure.
			if ctx.Err() != nil {
				return nil, cause
			}
			if a.cache != nil {
				if cached, cerr := a.cache.Get(ctx, cacheKey); cerr == nil && cached != nil {
					a.logger.Printf("⚠️ chunk %s degraded to cached response", chunk.Label())
					return cached, nil
				}
			}
			a.logger.Printf("⚠️ chunk %s degraded to empty result set", chunk.Label())
			return &llm.Response{Text: "[]"}, nil
		},
	)
	if err != nil {
		return nil, 0, false, err
	}

	tokens := resp.TotalTokens()
	if !degraded && a.cache != nil {
		a.cache.Put(ctx, cacheKey, resp)
	}

	text := resp.Text
	if a.cfg.Refine && !degraded && strings.TrimSpace(text) != "" && strings.TrimSpace(text) != "[]" {
		refined, refineTokens := a.refine(ctx, text, apiCalls)
		tokens += refineTokens
		if refined != "" {
			text = refined
		}
	}

	return parseCandidates(text, a.now()), tokens, degraded, nil
}

// refine asks the model to normalize its own output. Best effort: any
// failure keeps the raw text.
func (a *Agent) refine(ctx context.Context, raw string, apiCalls *int64) (string, int) {
	temp := 0.5
	req := llm.Request{
		SystemPrompt: refineSystemPrompt,
		UserPrompt:   refineUserPrompt(raw),
		Temperature:  &temp,
		MaxTokens:    a.cfg.RefineMaxTokens,
	}

	atomic.AddInt64(apiCalls, 1)
	resp, err := a.llm.Complete(ctx, req)
	if err != nil {
		a.logger.Printf("⚠️ refine pass failed, keeping raw output: %v", err)
		return "", 0
	}

	// Only adopt output that still parses as an array.
	text := resp.Text
	if arr := llm.ExtractJSONArray(text); arr != "" {
		text = arr
	}
	var probe []json.RawMessage
	if json.Unmarshal([]byte(strings.TrimSpace(text)), &probe) != nil {
		return "", resp.TotalTokens()
	}
	return text, resp.TotalTokens()
}

// collapseDuplicates merges within-run duplicates so one opportunity found
// by several chunks persists once. The store repeats the same matching
// against prior runs at upsert time.
func (a *Agent) collapseDuplicates(candidates []*models.Grant) []*models.Grant {
	var kept []*models.Grant
	now := a.now()
	for _, c := range candidates {
		if match, strategy := dedup.Match(c, kept); match != nil {
			dedup.Merge(match, c, strategy, now)
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// classifyOutcomes maps chunk outcomes to a run status. Hard-failed chunks
// pull toward FAILED; degraded chunks cap the run at PARTIAL because the
// results are known-incomplete.
func classifyOutcomes(outcomes []ChunkOutcome) (models.RunStatus, bool) {
	total := len(outcomes)
	failed, degraded := 0, 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		} else if o.Degraded {
			degraded++
		}
	}

	anyDegraded := degraded > 0
	switch {
	case total == 0:
		return models.RunFailed, false
	case failed == total:
		return models.RunFailed, false
	case failed > 0 || anyDegraded:
		return models.RunPartial, anyDegraded
	default:
		return models.RunSuccess, false
	}
}

// SortCandidates orders grants for presentation: composite score descending,
// then deadline ascending with missing deadlines last, then title.
func SortCandidates(grants []*models.Grant) {
	sort.SliceStable(grants, func(i, j int) bool {
		a, b := grants[i], grants[j]
		if a.CompositeScore != b.CompositeScore {
			return a.CompositeScore > b.CompositeScore
		}
		switch {
		case a.Deadline == nil && b.Deadline == nil:
			// fall through to title
		case a.Deadline == nil:
			return false
		case b.Deadline == nil:
			return true
		case !a.Deadline.Equal(*b.Deadline):
			return a.Deadline.Before(*b.Deadline)
		}
		return a.Title < b.Title
	})
}
