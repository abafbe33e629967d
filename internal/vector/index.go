// Package vector is the per-user nearest-neighbor index over business
// profile chunks. It lives in the relational database via pgvector but is
// guarded by its own breaker: vector search can fail independently of
// plain SQL (missing extension, dimension drift) and has its own degraded
// mode.
package vector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/models"
)

// DegradedScore is the uniform similarity served when vector search is
// unavailable. Results are then ordered by chunk id so degraded retrieval
// stays deterministic.
const DegradedScore = 0.5

// Chunk is one embedded slice of a profile narrative.
type Chunk struct {
	ID        string          `db:"id"`
	Namespace string          `db:"namespace"`
	ChunkText string          `db:"chunk_text"`
	Embedding pgvector.Vector `db:"embedding"`
	Metadata  models.JSONMap  `db:"metadata"`
	CreatedAt time.Time       `db:"created_at"`
}

// Match is one retrieval result.
type Match struct {
	ID       string         `db:"id" json:"id"`
	Text     string         `db:"chunk_text" json:"text"`
	Score    float64        `db:"score" json:"score"`
	Metadata models.JSONMap `db:"metadata" json:"metadata,omitempty"`
}

// Index wraps the shared pool with namespace-scoped vector operations.
type Index struct {
	db        *sqlx.DB
	dimension int
	logger    *log.Logger
}

// New binds the index to the shared pool. dimension must match the
// embedding adapter and the column type.
func New(db *sqlx.DB, dimension int) *Index {
	return &Index{
		db:        db,
		dimension: dimension,
		logger:    log.New(log.Writer(), "[VECTOR] ", log.LstdFlags),
	}
}

// Dimension returns the fixed vector width.
func (ix *Index) Dimension() int {
	return ix.dimension
}

// Upsert writes chunks into a namespace. Chunk ids are content-derived
// upstream, so re-upserting an unchanged narrative is a no-op row-wise.
func (ix *Index) Upsert(ctx context.Context, namespace string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for i := range chunks {
		if got := len(chunks[i].Embedding.Slice()); got != ix.dimension {
			return apperr.Validation(
				fmt.Sprintf("vector dimension mismatch: expected %d, got %d", ix.dimension, got), nil)
		}
		chunks[i].Namespace = namespace
	}

	tx, err := ix.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Transient("vector upsert begin", err)
	}
	defer tx.Rollback()

	for _, c := range chunks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO profile_chunks (id, namespace, chunk_text, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				chunk_text = EXCLUDED.chunk_text,
				embedding  = EXCLUDED.embedding,
				metadata   = EXCLUDED.metadata`,
			c.ID, c.Namespace, c.ChunkText, c.Embedding, c.Metadata)
		if err != nil {
			return apperr.Transient("vector upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Transient("vector upsert commit", err)
	}
	return nil
}

// Query returns the namespace's topK nearest chunks by cosine similarity.
func (ix *Index) Query(ctx context.Context, namespace string, query []float32, topK int) ([]Match, error) {
	if len(query) != ix.dimension {
		return nil, apperr.Validation(
			fmt.Sprintf("query dimension mismatch: expected %d, got %d", ix.dimension, len(query)), nil)
	}
	if topK <= 0 {
		topK = 5
	}

	matches := []Match{}
	err := ix.db.SelectContext(ctx, &matches, `
		SELECT id, chunk_text, metadata, 1 - (embedding <=> $2) AS score
		FROM profile_chunks
		WHERE namespace = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		namespace, pgvector.NewVector(query), topK)
	if err != nil {
		return nil, apperr.Transient("vector query", err)
	}
	return matches, nil
}

// QueryDegraded serves retrieval without the vector operator: every chunk
// scores DegradedScore and ordering falls back to chunk id. Wired as the
// vector breaker's fallback.
func (ix *Index) QueryDegraded(ctx context.Context, namespace string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	matches := []Match{}
	err := ix.db.SelectContext(ctx, &matches, `
		SELECT id, chunk_text, metadata, $3::float8 AS score
		FROM profile_chunks
		WHERE namespace = $1
		ORDER BY id
		LIMIT $2`,
		namespace, topK, DegradedScore)
	if err != nil {
		return nil, apperr.Transient("vector degraded query", err)
	}
	return matches, nil
}

// DeleteNamespace drops every vector a user owns. Called on user deletion.
func (ix *Index) DeleteNamespace(ctx context.Context, namespace string) (int64, error) {
	res, err := ix.db.ExecContext(ctx,
		`DELETE FROM profile_chunks WHERE namespace = $1`, namespace)
	if err != nil {
		return 0, apperr.Transient("vector delete namespace", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Transient("vector delete namespace", err)
	}
	return n, nil
}

// CountNamespace reports how many vectors a namespace holds.
func (ix *Index) CountNamespace(ctx context.Context, namespace string) (int, error) {
	var n int
	err := ix.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM profile_chunks WHERE namespace = $1`, namespace)
	if err != nil {
		return 0, apperr.Transient("vector count", err)
	}
	return n, nil
}

// SweepOrphans deletes vectors whose owning user no longer exists. Runs
// inside the weekly cleanup job.
func (ix *Index) SweepOrphans(ctx context.Context) (int64, error) {
	res, err := ix.db.ExecContext(ctx, `
		DELETE FROM profile_chunks
		WHERE namespace NOT IN (SELECT 'user_' || id FROM users)`)
	if err != nil {
		return 0, apperr.Transient("vector orphan sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Transient("vector orphan sweep", err)
	}
	if n > 0 {
		ix.logger.Printf("🧹 Swept %d orphaned vectors", n)
	}
	return n, nil
}

// Health verifies the chunk table answers a trivial query.
func (ix *Index) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var one int
	err := ix.db.GetContext(ctx, &one, `SELECT 1 FROM profile_chunks LIMIT 1`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return apperr.Transient("vector index unreachable", err)
	}
	return nil
}
