package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ============================================================================
// MIGRATIONS
// ============================================================================

type migration struct {
	Version int
	Name    string
	SQL     string
}

// Ordered, append-only. Never edit an applied migration; add a new one.
var migrations = []migration{
	{
		Version: 1,
		Name:    "users",
		SQL: `
CREATE TABLE IF NOT EXISTS users (
	id                 TEXT PRIMARY KEY,
	email              TEXT NOT NULL DEFAULT '',
	subscription_tier  TEXT NOT NULL DEFAULT 'free',
	is_active          BOOLEAN NOT NULL DEFAULT TRUE,
	searches_used      INTEGER NOT NULL DEFAULT 0,
	searches_limit     INTEGER NOT NULL DEFAULT 10,
	applications_used  INTEGER NOT NULL DEFAULT 0,
	applications_limit INTEGER NOT NULL DEFAULT 3,
	period_start       TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		Version: 2,
		Name:    "business_profiles",
		SQL: `
CREATE TABLE IF NOT EXISTS business_profiles (
	user_id                 TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	narrative               TEXT NOT NULL DEFAULT '',
	sectors                 TEXT[] NOT NULL DEFAULT '{}',
	revenue_band            TEXT NOT NULL DEFAULT '',
	team_size               INTEGER NOT NULL DEFAULT 0,
	focus_areas             TEXT[] NOT NULL DEFAULT '{}',
	region                  TEXT NOT NULL DEFAULT '',
	strategic_goals         TEXT[] NOT NULL DEFAULT '{}',
	vector_namespace        TEXT NOT NULL DEFAULT '',
	embeddings_generated_at TIMESTAMPTZ,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		Version: 3,
		Name:    "grants",
		SQL: `
CREATE TABLE IF NOT EXISTS grants (
	id                      BIGSERIAL PRIMARY KEY,
	user_id                 TEXT REFERENCES users(id) ON DELETE CASCADE,
	external_id             TEXT,
	title                   TEXT NOT NULL,
	description             TEXT NOT NULL DEFAULT '',
	llm_summary             TEXT NOT NULL DEFAULT '',
	eligibility_summary     TEXT NOT NULL DEFAULT '',
	funder                  TEXT NOT NULL DEFAULT '',
	funding_amount_min      DOUBLE PRECISION,
	funding_amount_max      DOUBLE PRECISION,
	funding_amount_exact    DOUBLE PRECISION,
	funding_display         TEXT NOT NULL DEFAULT '',
	deadline                DATE,
	open_date               DATE,
	source_url              TEXT NOT NULL DEFAULT '',
	normalized_url          TEXT,
	source_name             TEXT NOT NULL DEFAULT '',
	retrieved_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	first_found_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	sector                  TEXT NOT NULL DEFAULT '',
	sub_sector              TEXT NOT NULL DEFAULT '',
	geographic_scope        TEXT NOT NULL DEFAULT '',
	keywords                TEXT[] NOT NULL DEFAULT '{}',
	project_categories      TEXT[] NOT NULL DEFAULT '{}',
	location_mentions       TEXT[] NOT NULL DEFAULT '{}',
	raw_source_data         JSONB,
	enrichment_log          TEXT[] NOT NULL DEFAULT '{}',
	stale                   BOOLEAN NOT NULL DEFAULT FALSE,
	sector_score            DOUBLE PRECISION NOT NULL DEFAULT 0,
	geographic_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	operational_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	business_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
	feasibility_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	strategic_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
	overall_composite_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	record_status           TEXT NOT NULL DEFAULT 'ACTIVE',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS grants_user_url_key
	ON grants (user_id, normalized_url) WHERE normalized_url IS NOT NULL;
CREATE INDEX IF NOT EXISTS grants_user_status_idx ON grants (user_id, record_status);
CREATE INDEX IF NOT EXISTS grants_deadline_idx ON grants (deadline);
CREATE INDEX IF NOT EXISTS grants_composite_idx ON grants (overall_composite_score DESC);`,
	},
	{
		Version: 4,
		Name:    "analyses",
		SQL: `
CREATE TABLE IF NOT EXISTS analyses (
	id                      BIGSERIAL PRIMARY KEY,
	grant_id                BIGINT NOT NULL REFERENCES grants(id) ON DELETE CASCADE,
	sector_score            DOUBLE PRECISION NOT NULL DEFAULT 0,
	geographic_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	operational_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	business_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
	feasibility_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	strategic_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
	overall_composite_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	model_used              TEXT NOT NULL DEFAULT '',
	analyzed_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS analyses_grant_idx ON analyses (grant_id, analyzed_at DESC);`,
	},
	{
		Version: 5,
		Name:    "search_runs",
		SQL: `
CREATE TABLE IF NOT EXISTS search_runs (
	id               UUID PRIMARY KEY,
	user_id          TEXT REFERENCES users(id) ON DELETE CASCADE,
	trigger_type     TEXT NOT NULL DEFAULT 'MANUAL',
	status           TEXT NOT NULL DEFAULT 'IN_PROGRESS',
	started_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at     TIMESTAMPTZ,
	duration_ms      BIGINT,
	grants_found     INTEGER NOT NULL DEFAULT 0,
	sources_searched INTEGER NOT NULL DEFAULT 0,
	api_calls_made   INTEGER NOT NULL DEFAULT 0,
	error_kind       TEXT,
	error_message    TEXT,
	error_details    JSONB,
	query            TEXT NOT NULL DEFAULT '',
	degraded         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS search_runs_user_idx ON search_runs (user_id, started_at DESC);
CREATE INDEX IF NOT EXISTS search_runs_status_idx ON search_runs (status) WHERE status = 'IN_PROGRESS';`,
	},
	{
		Version: 6,
		Name:    "generated_applications",
		SQL: `
CREATE TABLE IF NOT EXISTS generated_applications (
	task_id       UUID PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	grant_id      BIGINT NOT NULL REFERENCES grants(id) ON DELETE CASCADE,
	status        TEXT NOT NULL DEFAULT 'DRAFT',
	sections      JSONB,
	full_text     TEXT NOT NULL DEFAULT '',
	partial       BOOLEAN NOT NULL DEFAULT FALSE,
	tokens_used   INTEGER NOT NULL DEFAULT 0,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	model_used    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS generated_applications_user_idx ON generated_applications (user_id, created_at DESC);`,
	},
	{
		Version: 7,
		Name:    "application_history",
		SQL: `
CREATE TABLE IF NOT EXISTS application_history (
	id             BIGSERIAL PRIMARY KEY,
	user_id        TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	grant_id       BIGINT NOT NULL REFERENCES grants(id) ON DELETE CASCADE,
	submitted_at   TIMESTAMPTZ,
	status         TEXT NOT NULL,
	outcome_notes  TEXT NOT NULL DEFAULT '',
	feedback       TEXT NOT NULL DEFAULT '',
	amount_awarded DOUBLE PRECISION,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS application_history_user_idx ON application_history (user_id, created_at DESC);`,
	},
	{
		Version: 8,
		Name:    "profile_chunks",
		SQL: `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS profile_chunks (
	id         UUID PRIMARY KEY,
	namespace  TEXT NOT NULL,
	chunk_text TEXT NOT NULL,
	embedding  vector(1536) NOT NULL,
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS profile_chunks_namespace_idx ON profile_chunks (namespace);`,
	},
	{
		Version: 9,
		Name:    "api_keys",
		SQL: `
CREATE TABLE IF NOT EXISTS api_keys (
	key_id       TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name         TEXT NOT NULL DEFAULT '',
	secret_hash  TEXT NOT NULL,
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at   TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS api_keys_user_idx ON api_keys (user_id);`,
	},
	{
		Version: 10,
		Name:    "profile_documents",
		SQL: `
CREATE TABLE IF NOT EXISTS profile_documents (
	id             UUID PRIMARY KEY,
	user_id        TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	file_name      TEXT NOT NULL,
	content_type   TEXT NOT NULL,
	size_bytes     BIGINT NOT NULL,
	storage_path   TEXT NOT NULL,
	extracted_text TEXT NOT NULL DEFAULT '',
	uploaded_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS profile_documents_user_idx ON profile_documents (user_id, uploaded_at DESC);`,
	},
}

// Migrate applies pending migrations in order, each in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return classify(err, "schema_migrations")
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return classify(err, fmt.Sprintf("migration %d (%s)", m.Version, m.Name))
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return classify(err, "schema_migrations")
		})
		if err != nil {
			return err
		}
		s.logger.Printf("✅ Applied migration %d: %s", m.Version, m.Name)
	}
	return nil
}

// PendingMigrations counts unapplied migrations. Pre-deploy checks map a
// non-zero count to exit code 3.
func (s *Store) PendingMigrations(ctx context.Context) (int, error) {
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}
	pending := 0
	for _, m := range migrations {
		if !applied[m.Version] {
			pending++
		}
	}
	return pending, nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	var versions []int
	err := s.db.SelectContext(ctx, &versions, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		// A fresh database has no bookkeeping table yet.
		if isUndefinedTable(err) {
			return map[int]bool{}, nil
		}
		return nil, classify(err, "schema_migrations")
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}
