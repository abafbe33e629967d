package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/database"
	"github.com/grantly/backend/internal/models"
	"github.com/grantly/backend/internal/scheduler"
)

// ApplicationStore is the slice of the database layer the application
// routes need.
type ApplicationStore interface {
	GetGrant(ctx context.Context, userID string, id int64) (*models.Grant, error)
	GetProfile(ctx context.Context, userID string) (*models.BusinessProfile, error)
	ConsumeApplicationQuota(ctx context.Context, userID string) error
	RefundApplicationQuota(ctx context.Context, userID string) error
	CreateApplicationTask(ctx context.Context, userID string, grantID int64, model string) (*models.GeneratedApplication, error)
	CompleteApplicationTask(ctx context.Context, taskID string, res database.ApplicationResult) error
	GetApplicationTask(ctx context.Context, userID, taskID string) (*models.GeneratedApplication, error)
	InsertFeedback(ctx context.Context, h *models.ApplicationHistory) (*models.ApplicationHistory, error)
	ListFeedback(ctx context.Context, userID string, limit int) ([]*models.ApplicationHistory, error)
}

// DraftGenerator runs one generation task end to end, including result
// persistence and the zero-section quota refund.
type DraftGenerator interface {
	Generate(ctx context.Context, task *models.GeneratedApplication, grant *models.Grant, profile *models.BusinessProfile) (*database.ApplicationResult, error)
}

// JobQueue admits background work.
type JobQueue interface {
	Submit(job scheduler.Job) error
}

// GenerateRequest is the POST /api/applications/generate body.
type GenerateRequest struct {
	GrantID int64 `json:"grant_id" validate:"required,gt=0"`
}

// HandleGenerateApplication admits a draft-generation task. Quota is
// consumed before the task row exists; every later failure refunds it, so
// a rejected request leaves no trace.
func HandleGenerateApplication(store ApplicationStore, gen DraftGenerator, queue JobQueue, model string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		var req GenerateRequest
		if err := decodeJSON(r, &req); err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		grant, err := store.GetGrant(r.Context(), id.UserID, req.GrantID)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		profile, err := store.GetProfile(r.Context(), id.UserID)
		if err != nil {
			if apperr.IsNotFound(err) {
				err = apperr.Validation("a business profile is required before generating applications", nil)
			}
			apperr.WriteError(w, r, err)
			return
		}
		if profile.Narrative == "" {
			apperr.WriteError(w, r, apperr.Validation("the business profile narrative is empty; applications draw on it", nil))
			return
		}

		if err := store.ConsumeApplicationQuota(r.Context(), id.UserID); err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		task, err := store.CreateApplicationTask(r.Context(), id.UserID, grant.ID, model)
		if err != nil {
			refundApplication(r.Context(), store, id.UserID)
			apperr.WriteError(w, r, err)
			return
		}

		job := scheduler.Job{
			Name: "generate:" + task.TaskID,
			Run: func(jctx context.Context) {
				if _, err := gen.Generate(jctx, task, grant, profile); err != nil {
					slog.Error("application generation failed",
						"task_id", task.TaskID, "user_id", task.UserID, "err", err)
				}
			},
		}
		if err := queue.Submit(job); err != nil {
			refundApplication(r.Context(), store, id.UserID)
			res := database.ApplicationResult{
				Status:       models.AppDraft,
				ErrorMessage: "task was never queued: " + err.Error(),
			}
			if cerr := store.CompleteApplicationTask(r.Context(), task.TaskID, res); cerr != nil {
				slog.Warn("orphaned generation task", "task_id", task.TaskID, "err", cerr)
			}
			apperr.WriteError(w, r, err)
			return
		}

		respond(w, http.StatusAccepted, map[string]interface{}{
			"task_id":  task.TaskID,
			"grant_id": grant.ID,
			"status":   task.Status,
		})
	}
}

// HandleApplicationStatus serves GET /api/applications/status/{task_id}.
// Partial drafts answer 200 with the degraded marker so clients can flag
// missing sections.
func HandleApplicationStatus(store ApplicationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		task, err := store.GetApplicationTask(r.Context(), id.UserID, mux.Vars(r)["task_id"])
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		if task.Partial {
			apperr.MarkDegraded(w)
		}
		respond(w, http.StatusOK, task)
	}
}

// HandleSubmitFeedback serves POST /api/applications/feedback: outcomes
// users report back on grants they pursued.
func HandleSubmitFeedback(store ApplicationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		var entry models.ApplicationHistory
		if err := decodeJSON(r, &entry); err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		// Ownership comes from the credential, never the body.
		entry.UserID = id.UserID

		saved, err := store.InsertFeedback(r.Context(), &entry)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		respond(w, http.StatusCreated, saved)
	}
}

// HandleListFeedback serves GET /api/applications/feedback.
func HandleListFeedback(store ApplicationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		entries, err := store.ListFeedback(r.Context(), id.UserID, 50)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{
			"feedback": entries,
			"count":    len(entries),
		})
	}
}

func refundApplication(ctx context.Context, store ApplicationStore, userID string) {
	if err := store.RefundApplicationQuota(ctx, userID); err != nil {
		slog.Warn("application quota refund failed", "user_id", userID, "err", err)
	}
}
