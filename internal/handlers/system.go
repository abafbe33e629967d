package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/circuitbreaker"
	"github.com/grantly/backend/internal/models"
)

// SearchCoordinator admits search runs (quota, coalescing, queue).
type SearchCoordinator interface {
	TriggerSearch(ctx context.Context, userID string, trigger models.TriggerType, query string) (*models.SearchRun, bool, error)
}

// RunSearchRequest is the POST /api/system/run-search body.
type RunSearchRequest struct {
	Query string `json:"query,omitempty" validate:"omitempty,max=200"`
}

// HandleRunSearch starts a manual search. A user with a run already in
// flight gets that run back (200) instead of a second one; a freshly
// admitted run answers 202. When the LLM breaker is open the run will be
// served by fallbacks, so the admission itself answers 200 with the
// X-Degraded header and a degraded flag in the body.
func HandleRunSearch(coord SearchCoordinator, llm *circuitbreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		var req RunSearchRequest
		if err := decodeJSON(r, &req); err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		run, coalesced, err := coord.TriggerSearch(r.Context(), id.UserID, models.TriggerManual, req.Query)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		degraded := llm != nil && llm.State() == circuitbreaker.StateOpen
		status := http.StatusAccepted
		if coalesced || degraded {
			status = http.StatusOK
		}
		if degraded {
			apperr.MarkDegraded(w)
		}
		respond(w, status, map[string]interface{}{
			"run":       run,
			"coalesced": coalesced,
			"degraded":  degraded,
		})
	}
}

// HandleSystemInfo serves GET /api/system/info: build and environment
// facts safe to show unauthenticated.
func HandleSystemInfo(service, version, env string, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]interface{}{
			"service":        service,
			"version":        version,
			"environment":    env,
			"uptime_seconds": int64(time.Since(startedAt).Seconds()),
		})
	}
}
