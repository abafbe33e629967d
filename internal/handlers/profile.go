package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/models"
)

// ProfileStore reads and writes the one-to-one business profile.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*models.BusinessProfile, error)
	UpsertProfile(ctx context.Context, p *models.BusinessProfile) (*models.BusinessProfile, error)
}

// ProfileIndexer pushes a profile narrative into the vector index.
type ProfileIndexer interface {
	IndexProfile(ctx context.Context, profile *models.BusinessProfile) (int, error)
}

// HandleGetProfile serves GET /api/business-profile.
func HandleGetProfile(store ProfileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		profile, err := store.GetProfile(r.Context(), id.UserID)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		respond(w, http.StatusOK, profile)
	}
}

// HandleUpsertProfile serves PUT /api/business-profile. The profile row is
// the durable outcome; embedding the narrative rides along and a failure
// there degrades the response instead of failing it.
func HandleUpsertProfile(store ProfileStore, indexer ProfileIndexer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		var profile models.BusinessProfile
		if err := decodeJSON(r, &profile); err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		profile.UserID = id.UserID
		if err := validateStruct(&profile); err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		saved, err := store.UpsertProfile(r.Context(), &profile)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		body := map[string]interface{}{"profile": saved}
		if strings.TrimSpace(saved.Narrative) != "" {
			chunks, ierr := indexer.IndexProfile(r.Context(), saved)
			if ierr != nil {
				slog.Warn("profile saved but not indexed", "user_id", id.UserID, "err", ierr)
				apperr.MarkDegraded(w)
				body["embeddings_pending"] = true
			} else {
				body["chunks_indexed"] = chunks
			}
		}
		respond(w, http.StatusOK, body)
	}
}
