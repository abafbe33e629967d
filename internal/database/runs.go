package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/grantly/backend/internal/models"
)

// ============================================================================
// SEARCH RUNS
// ============================================================================

// CreateRun opens a run in IN_PROGRESS. The id is generated here so the
// handler can return it from the 202 immediately.
func (s *Store) CreateRun(ctx context.Context, userID *string, trigger models.TriggerType, query string) (*models.SearchRun, error) {
	run := &models.SearchRun{
		ID:          uuid.New().String(),
		UserID:      userID,
		TriggerType: trigger,
		Status:      models.RunInProgress,
		StartedAt:   s.now().UTC(),
		Query:       query,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_runs (id, user_id, trigger_type, status, started_at, query)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.UserID, run.TriggerType, run.Status, run.StartedAt, run.Query)
	if err != nil {
		return nil, classify(err, "search run")
	}
	return run, nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (*models.SearchRun, error) {
	var run models.SearchRun
	if err := s.db.GetContext(ctx, &run, `SELECT * FROM search_runs WHERE id = $1`, id); err != nil {
		return nil, classify(err, "search run")
	}
	return &run, nil
}

// RunOutcome carries everything a finishing run writes back.
type RunOutcome struct {
	Status          models.RunStatus
	GrantsFound     int
	SourcesSearched int
	APICallsMade    int
	ErrorKind       string
	ErrorMessage    string
	ErrorDetails    models.JSONMap
	Degraded        bool
}

// CompleteRun transitions a run to a terminal state, stamping duration.
// Completing an already-terminal run is a no-op so the watchdog and the
// worker cannot fight over the row.
func (s *Store) CompleteRun(ctx context.Context, id string, out RunOutcome) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE search_runs SET
			status = $2,
			completed_at = $3,
			duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint,
			grants_found = $4,
			sources_searched = $5,
			api_calls_made = $6,
			error_kind = NULLIF($7, ''),
			error_message = NULLIF($8, ''),
			error_details = $9,
			degraded = $10
		WHERE id = $1 AND status = 'IN_PROGRESS'`,
		id, out.Status, now, out.GrantsFound, out.SourcesSearched,
		out.APICallsMade, out.ErrorKind, out.ErrorMessage, out.ErrorDetails, out.Degraded)
	if err != nil {
		return classify(err, "search run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "search run")
	}
	if n == 0 {
		s.logger.Printf("⚠️  Run %s already terminal, outcome dropped", id)
	}
	return nil
}

// RunningRunForUser returns the user's in-flight run, or nil. The worker
// pool uses it to coalesce duplicate submissions.
func (s *Store) RunningRunForUser(ctx context.Context, userID string) (*models.SearchRun, error) {
	var run models.SearchRun
	err := s.db.GetContext(ctx, &run, `
		SELECT * FROM search_runs
		WHERE user_id = $1 AND status = 'IN_PROGRESS'
		ORDER BY started_at DESC
		LIMIT 1`,
		userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "search run")
	}
	return &run, nil
}

// RecentRuns lists a user's latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, userID string, limit int) ([]*models.SearchRun, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	runs := []*models.SearchRun{}
	err := s.db.SelectContext(ctx, &runs, `
		SELECT * FROM search_runs
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, classify(err, "search runs")
	}
	return runs, nil
}

// FailStuckRuns force-fails IN_PROGRESS runs older than the hard timeout.
// The watchdog calls this so a crashed worker cannot leave a run pinned
// open forever. Returns the ids it transitioned.
func (s *Store) FailStuckRuns(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE search_runs SET
			status = 'FAILED',
			completed_at = now(),
			duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::bigint,
			error_kind = 'TRANSIENT',
			error_message = 'run exceeded hard timeout'
		WHERE status = 'IN_PROGRESS' AND started_at < $1
		RETURNING id`,
		cutoff)
	if err != nil {
		return nil, classify(err, "search runs")
	}
	return ids, nil
}
