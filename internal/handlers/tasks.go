package handlers

import (
	"context"
	"net/http"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/notify"
)

// RunSummaryDeliverer executes one queued run-summary delivery.
type RunSummaryDeliverer interface {
	DeliverRunSummary(ctx context.Context, userID, runID string, grantsFound int, degraded bool) error
}

// HandleRunSummaryTask is the internal callback Cloud Tasks posts to. It
// sits behind the shared-token middleware, never user auth. A delivery
// error answers 5xx so the queue retries; duplicate deliveries are settled
// inside the dispatcher and answer 200.
func HandleRunSummaryTask(dispatcher RunSummaryDeliverer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload notify.RunTaskPayload
		if err := decodeJSON(r, &payload); err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		if payload.UserID == "" || payload.RunID == "" {
			apperr.WriteError(w, r, apperr.Validation("user_id and run_id are required", nil))
			return
		}

		err := dispatcher.DeliverRunSummary(r.Context(), payload.UserID, payload.RunID, payload.GrantsFound, payload.Degraded)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{"delivered": true})
	}
}
