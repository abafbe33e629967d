package middleware

import (
	"net/http"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
)

// Authenticate resolves the Authorization header and attaches the
// identity to the request context. Routes behind it can rely on
// auth.IdentityFrom succeeding.
func Authenticate(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				apperr.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireTaskToken guards internal callback routes. The dispatcher stamps
// outbound tasks with the shared token; anything else is rejected before
// the body is read.
func RequireTaskToken(header, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Header.Get(header) != token {
				apperr.WriteError(w, r, apperr.Auth("invalid task token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
