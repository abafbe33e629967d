package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/models"
)

// APIKeyIssuer mints service keys.
type APIKeyIssuer interface {
	CreateKey(ctx context.Context, userID, name string, ttl time.Duration) (*models.APIKey, string, error)
}

// APIKeyStore lists and revokes stored keys.
type APIKeyStore interface {
	ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID, userID string) error
}

// CreateKeyRequest is the POST /api/account/api-keys body.
type CreateKeyRequest struct {
	Name    string `json:"name" validate:"required,max=100"`
	TTLDays int    `json:"ttl_days,omitempty" validate:"omitempty,gte=1,lte=365"`
}

// HandleCreateAPIKey mints a key and returns the plaintext exactly once.
func HandleCreateAPIKey(issuer APIKeyIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		var req CreateKeyRequest
		if err := decodeJSON(r, &req); err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		if err := validateStruct(&req); err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		ttl := time.Duration(req.TTLDays) * 24 * time.Hour
		key, plaintext, err := issuer.CreateKey(r.Context(), id.UserID, req.Name, ttl)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		respond(w, http.StatusCreated, map[string]interface{}{
			"key":        plaintext, // not retrievable later
			"key_id":     key.KeyID,
			"name":       key.Name,
			"expires_at": key.ExpiresAt,
		})
	}
}

// HandleListAPIKeys serves GET /api/account/api-keys. Hashes never leave
// the store; the model hides them from JSON.
func HandleListAPIKeys(store APIKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		keys, err := store.ListAPIKeys(r.Context(), id.UserID)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{
			"keys":  keys,
			"count": len(keys),
		})
	}
}

// HandleRevokeAPIKey serves DELETE /api/account/api-keys/{key_id}.
func HandleRevokeAPIKey(store APIKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		if err := store.RevokeAPIKey(r.Context(), mux.Vars(r)["key_id"], id.UserID); err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
