package database

import (
	"context"

	"github.com/google/uuid"

	"github.com/grantly/backend/internal/models"
)

// ============================================================================
// GENERATED APPLICATIONS & FEEDBACK
// ============================================================================

// CreateApplicationTask opens a DRAFT row for a generation job and returns
// the task id the poll endpoint will use.
func (s *Store) CreateApplicationTask(ctx context.Context, userID string, grantID int64, model string) (*models.GeneratedApplication, error) {
	app := &models.GeneratedApplication{
		TaskID:    uuid.New().String(),
		UserID:    userID,
		GrantID:   grantID,
		Status:    models.AppDraft,
		ModelUsed: model,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generated_applications (task_id, user_id, grant_id, status, model_used)
		VALUES ($1, $2, $3, $4, $5)`,
		app.TaskID, app.UserID, app.GrantID, app.Status, app.ModelUsed)
	if err != nil {
		return nil, classify(err, "application task")
	}
	return app, nil
}

// ApplicationResult is what a finished generation writes back.
type ApplicationResult struct {
	Status       models.ApplicationStatus
	Sections     models.Sections
	FullText     string
	Partial      bool
	TokensUsed   int
	DurationMS   int64
	ErrorMessage string
}

// CompleteApplicationTask records the generation outcome.
func (s *Store) CompleteApplicationTask(ctx context.Context, taskID string, res ApplicationResult) error {
	out, err := s.db.ExecContext(ctx, `
		UPDATE generated_applications SET
			status = $2, sections = $3, full_text = $4, partial = $5,
			tokens_used = $6, duration_ms = $7, error_message = $8, updated_at = now()
		WHERE task_id = $1`,
		taskID, res.Status, res.Sections, res.FullText, res.Partial,
		res.TokensUsed, res.DurationMS, res.ErrorMessage)
	if err != nil {
		return classify(err, "application task")
	}
	return requireRow(out, "application task")
}

// GetApplicationTask loads a task scoped to its owner.
func (s *Store) GetApplicationTask(ctx context.Context, userID, taskID string) (*models.GeneratedApplication, error) {
	var app models.GeneratedApplication
	err := s.db.GetContext(ctx, &app, `
		SELECT * FROM generated_applications
		WHERE task_id = $1 AND user_id = $2`,
		taskID, userID)
	if err != nil {
		return nil, classify(err, "application task")
	}
	return &app, nil
}

// UpdateApplicationStatus moves a draft through its editorial lifecycle
// (EDITED, SUBMITTED, AWARDED, REJECTED).
func (s *Store) UpdateApplicationStatus(ctx context.Context, userID, taskID string, status models.ApplicationStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generated_applications SET status = $3, updated_at = now()
		WHERE task_id = $1 AND user_id = $2`,
		taskID, userID, status)
	if err != nil {
		return classify(err, "application task")
	}
	return requireRow(res, "application task")
}

// InsertFeedback records a user-submitted application outcome.
func (s *Store) InsertFeedback(ctx context.Context, h *models.ApplicationHistory) (*models.ApplicationHistory, error) {
	var saved models.ApplicationHistory
	err := s.db.GetContext(ctx, &saved, `
		INSERT INTO application_history
			(user_id, grant_id, submitted_at, status, outcome_notes, feedback, amount_awarded)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *`,
		h.UserID, h.GrantID, h.SubmittedAt, h.Status, h.OutcomeNotes, h.Feedback, h.AmountAwarded)
	if err != nil {
		return nil, classify(err, "application feedback")
	}
	return &saved, nil
}

// ListFeedback returns a user's outcome records, newest first.
func (s *Store) ListFeedback(ctx context.Context, userID string, limit int) ([]*models.ApplicationHistory, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	hist := []*models.ApplicationHistory{}
	err := s.db.SelectContext(ctx, &hist, `
		SELECT * FROM application_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, classify(err, "application feedback")
	}
	return hist, nil
}
