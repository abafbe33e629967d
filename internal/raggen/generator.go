// Package raggen generates grant application drafts section by section,
// grounding each section in the user's business profile narrative via
// retrieval over the vector index. Generation always runs in a background
// worker; handlers only open the task row.
package raggen

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/circuitbreaker"
	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/database"
	"github.com/grantly/backend/internal/events"
	"github.com/grantly/backend/internal/llm"
	"github.com/grantly/backend/internal/models"
	"github.com/grantly/backend/internal/vector"
)

// ============================================================================
// DEPENDENCIES
// ============================================================================

// Completer is the slice of the LLM client generation needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
	Model() string
}

// Embedder turns text into vectors for indexing and retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the slice of the index the generator touches.
type VectorStore interface {
	Upsert(ctx context.Context, namespace string, chunks []vector.Chunk) error
	Query(ctx context.Context, namespace string, query []float32, topK int) ([]vector.Match, error)
	QueryDegraded(ctx context.Context, namespace string, topK int) ([]vector.Match, error)
}

// Store is the slice of the database the generator writes through.
type Store interface {
	CompleteApplicationTask(ctx context.Context, taskID string, res database.ApplicationResult) error
	MarkEmbeddingsGenerated(ctx context.Context, userID string, at time.Time) error
	RefundApplicationQuota(ctx context.Context, userID string) error
}

// ============================================================================
// GENERATOR
// ============================================================================

// Generator owns profile indexing and application drafting.
type Generator struct {
	store    Store
	llm      Completer
	embedder Embedder
	index    VectorStore
	breakers *circuitbreaker.ServiceBreakers
	retry    *circuitbreaker.RetryPolicy
	bus      events.Emitter
	cfg      config.RAGConfig
	logger   *log.Logger
	now      func() time.Time
}

func NewGenerator(
	store Store,
	completer Completer,
	embedder Embedder,
	index VectorStore,
	breakers *circuitbreaker.ServiceBreakers,
	retry *circuitbreaker.RetryPolicy,
	bus events.Emitter,
	cfg config.RAGConfig,
) *Generator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = 50
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Generator{
		store:    store,
		llm:      completer,
		embedder: embedder,
		index:    index,
		breakers: breakers,
		retry:    retry,
		bus:      bus,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[RAGGEN] ", log.LstdFlags),
		now:      time.Now,
	}
}

// ============================================================================
// PROFILE INDEXING
// ============================================================================

// IndexProfile (re)embeds a profile narrative into the user's namespace.
// Chunk ids are derived from (namespace, position, text), so indexing an
// unchanged narrative rewrites the same rows. Returns the chunk count.
func (g *Generator) IndexProfile(ctx context.Context, profile *models.BusinessProfile) (int, error) {
	narrative := strings.TrimSpace(profile.Narrative)
	if narrative == "" {
		return 0, apperr.Validation("business profile has no narrative to index", nil)
	}

	namespace := models.VectorNamespace(profile.UserID)
	pieces := SplitNarrative(narrative, g.cfg.ChunkSize, g.cfg.ChunkOverlap)

	count, err := g.indexPieces(ctx, namespace, namespace, "", pieces)
	if err != nil {
		return 0, err
	}

	if err := g.store.MarkEmbeddingsGenerated(ctx, profile.UserID, g.now()); err != nil {
		g.logger.Printf("⚠️ embeddings written but profile flag not updated for %s: %v", profile.UserID, err)
	}
	g.logger.Printf("✅ indexed %d chunks into %s", count, namespace)
	return count, nil
}

// IndexText embeds supporting text (pulled out of an uploaded document)
// into the user's namespace alongside the narrative chunks. source keys
// the chunk ids, so re-uploading the same content rewrites the same rows.
func (g *Generator) IndexText(ctx context.Context, userID, source, text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}

	namespace := models.VectorNamespace(userID)
	pieces := SplitNarrative(text, g.cfg.ChunkSize, g.cfg.ChunkOverlap)

	count, err := g.indexPieces(ctx, namespace, namespace+"/"+source, source, pieces)
	if err != nil {
		return 0, err
	}
	g.logger.Printf("✅ indexed %d chunks from %s into %s", count, source, namespace)
	return count, nil
}

// indexPieces embeds pieces and upserts them under namespace. idSeed keys
// the content-addressed chunk ids; source, when non-empty, lands in chunk
// metadata so retrieval hits can say where they came from.
func (g *Generator) indexPieces(ctx context.Context, namespace, idSeed, source string, pieces []string) (int, error) {
	vecs, _, err := circuitbreaker.ExecuteWithFallback(ctx, g.breakers.LLM, g.retry,
		func(ctx context.Context) ([][]float32, error) {
			return g.embedder.EmbedBatch(ctx, pieces)
		}, nil)
	if err != nil {
		return 0, err
	}
	if len(vecs) != len(pieces) {
		return 0, apperr.Internal(fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(pieces), len(vecs)))
	}

	chunks := make([]vector.Chunk, len(pieces))
	for i, text := range pieces {
		meta := models.JSONMap{"position": i}
		if source != "" {
			meta["source"] = source
		}
		chunks[i] = vector.Chunk{
			ID:        ChunkID(idSeed, i, text),
			Namespace: namespace,
			ChunkText: text,
			Embedding: pgvector.NewVector(vecs[i]),
			Metadata:  meta,
		}
	}

	_, _, err = circuitbreaker.ExecuteWithFallback(ctx, g.breakers.Vector, g.retry,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, g.index.Upsert(ctx, namespace, chunks)
		}, nil)
	if err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// ============================================================================
// APPLICATION GENERATION
// ============================================================================

// Generate drafts every section for an open task and records the outcome.
// A failed section leaves a nil entry and marks the draft partial; the task
// still completes as GENERATED while at least one section succeeded. When
// every section fails the row stays DRAFT with the error recorded and the
// consumed application quota is refunded.
func (g *Generator) Generate(ctx context.Context, task *models.GeneratedApplication, grant *models.Grant, profile *models.BusinessProfile) (*database.ApplicationResult, error) {
	started := g.now()
	g.logger.Printf("🚀 generating task=%s grant=%d user=%s", task.TaskID, grant.ID, task.UserID)

	matches, degraded := g.retrieve(ctx, task.UserID, grant)
	if degraded {
		g.logger.Printf("⚠️ task=%s drafting without retrieval context", task.TaskID)
	}

	sections := models.Sections{}
	tokens := 0
	succeeded := 0
	var firstErr error
	for _, key := range models.SectionOrder {
		resp, err := g.generateSection(ctx, key, grant, profile, matches)
		if err != nil {
			g.logger.Printf("❌ task=%s section=%s failed: %v", task.TaskID, key, err)
			sections[key] = nil
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		text := strings.TrimSpace(resp.Text)
		sections[key] = &text
		tokens += resp.TotalTokens()
		succeeded++
	}

	res := database.ApplicationResult{
		Sections:   sections,
		TokensUsed: tokens,
		DurationMS: g.now().Sub(started).Milliseconds(),
	}

	switch {
	case succeeded == 0:
		res.Status = models.AppDraft
		res.ErrorMessage = fmt.Sprintf("all sections failed: %v", firstErr)
	case succeeded < len(models.SectionOrder):
		res.Status = models.AppGenerated
		res.Partial = true
		res.FullText = assembleFullText(sections)
	default:
		res.Status = models.AppGenerated
		res.FullText = assembleFullText(sections)
	}

	// Persist on a fresh deadline so a near-timeout generation still lands.
	commitCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := g.store.CompleteApplicationTask(commitCtx, task.TaskID, res); err != nil {
		g.logger.Printf("❌ task=%s result not persisted: %v", task.TaskID, err)
		return &res, err
	}

	if succeeded == 0 {
		if err := g.store.RefundApplicationQuota(commitCtx, task.UserID); err != nil {
			g.logger.Printf("⚠️ task=%s quota refund failed: %v", task.TaskID, err)
		}
		g.logger.Printf("❌ task=%s no sections generated, quota refunded", task.TaskID)
		return &res, fmt.Errorf("application generation produced no sections: %w", firstErr)
	}

	g.bus.Emit(events.TypeApplicationReady, "raggen", task.TaskID, map[string]interface{}{
		"user_id":  task.UserID,
		"task_id":  task.TaskID,
		"grant_id": grant.ID,
		"partial":  res.Partial,
		"sections": succeeded,
	})
	g.logger.Printf("✅ task=%s status=%s sections=%d/%d tokens=%d duration=%dms",
		task.TaskID, res.Status, succeeded, len(models.SectionOrder), tokens, res.DurationMS)
	return &res, nil
}

// retrieve embeds the grant text and pulls the user's nearest profile
// chunks. Every failure downgrades rather than aborts: embedding or search
// trouble falls back to recency-ordered chunks, and if even that fails the
// draft proceeds with no context. The bool reports the no-context case.
func (g *Generator) retrieve(ctx context.Context, userID string, grant *models.Grant) ([]vector.Match, bool) {
	namespace := models.VectorNamespace(userID)
	queryText := strings.TrimSpace(strings.Join([]string{grant.Title, grant.Description, grant.EligibilitySummary}, "\n"))

	queryVec, _, embedErr := circuitbreaker.ExecuteWithFallback(ctx, g.breakers.LLM, g.retry,
		func(ctx context.Context) ([]float32, error) {
			return g.embedder.Embed(ctx, queryText)
		}, nil)

	if embedErr == nil {
		matches, _, err := circuitbreaker.ExecuteWithFallback(ctx, g.breakers.Vector, g.retry,
			func(ctx context.Context) ([]vector.Match, error) {
				return g.index.Query(ctx, namespace, queryVec, g.cfg.TopK)
			},
			func(ctx context.Context, cause error) ([]vector.Match, error) {
				return g.index.QueryDegraded(ctx, namespace, g.cfg.TopK)
			})
		if err == nil {
			return matches, false
		}
		g.logger.Printf("⚠️ retrieval failed for %s: %v", namespace, err)
		return nil, true
	}

	g.logger.Printf("⚠️ query embedding failed for %s, using recency retrieval: %v", namespace, embedErr)
	matches, _, err := circuitbreaker.ExecuteWithFallback(ctx, g.breakers.Vector, g.retry,
		func(ctx context.Context) ([]vector.Match, error) {
			return g.index.QueryDegraded(ctx, namespace, g.cfg.TopK)
		}, nil)
	if err != nil {
		return nil, true
	}
	return matches, false
}

// generateSection runs one bounded completion through the LLM breaker. No
// fallback: a section either generates or is recorded as failed.
func (g *Generator) generateSection(ctx context.Context, key string, grant *models.Grant, profile *models.BusinessProfile, matches []vector.Match) (*llm.Response, error) {
	spec, ok := sectionSpecs[key]
	if !ok {
		return nil, apperr.Internal(fmt.Errorf("unknown application section %q", key))
	}
	req := llm.Request{
		SystemPrompt: generationSystemPrompt,
		UserPrompt:   sectionUserPrompt(key, grant, profile, matches),
		MaxTokens:    spec.MaxTokens,
	}
	resp, _, err := circuitbreaker.ExecuteWithFallback(ctx, g.breakers.LLM, g.retry,
		func(ctx context.Context) (*llm.Response, error) {
			return g.llm.Complete(ctx, req)
		}, nil)
	return resp, err
}

// assembleFullText joins the successful sections, in order, under their
// display headings.
func assembleFullText(sections models.Sections) string {
	var parts []string
	for _, key := range models.SectionOrder {
		text := sections[key]
		if text == nil || *text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", sectionTitle(key), *text))
	}
	return strings.Join(parts, "\n\n")
}
