package handlers

import (
	"context"
	"net/http"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/events"
	"github.com/grantly/backend/internal/models"
)

// AccountStore deletes the user row; relational cascades take every owned
// row with it.
type AccountStore interface {
	DeleteUser(ctx context.Context, id string) error
}

// NamespaceDeleter drops a user's partition of the vector index.
type NamespaceDeleter interface {
	DeleteNamespace(ctx context.Context, namespace string) (int64, error)
}

// HandleDeleteAccount serves DELETE /api/account. The user row goes first
// (cascading grants, runs, applications, documents, and keys), then the
// vector namespace. A namespace failure cannot resurrect the account, so
// it degrades the response instead of failing it; the weekly orphan sweep
// collects whatever was left behind.
func HandleDeleteAccount(store AccountStore, vectors NamespaceDeleter, bus events.Emitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		if err := store.DeleteUser(r.Context(), id.UserID); err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		removed := int64(0)
		if n, err := vectors.DeleteNamespace(r.Context(), models.VectorNamespace(id.UserID)); err != nil {
			apperr.MarkDegraded(w)
		} else {
			removed = n
		}

		if bus != nil {
			bus.Emit(events.TypeUserDeleted, "/api", id.UserID, map[string]interface{}{
				"user_id":         id.UserID,
				"vectors_removed": removed,
			})
		}

		respond(w, http.StatusOK, map[string]interface{}{
			"deleted":         true,
			"vectors_removed": removed,
		})
	}
}
