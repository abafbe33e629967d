package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grantly/backend/internal/auth"
)

// authed stamps a test identity onto the request, standing in for the
// auth middleware.
func authed(r *http.Request, userID string) *http.Request {
	id := &auth.Identity{
		UserID: userID,
		Email:  userID + "@example.com",
		Tier:   "free",
		Method: auth.MethodToken,
	}
	return r.WithContext(auth.WithIdentity(r.Context(), id))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

// errorEnvelope pulls the uniform error shape out of a failed response.
func errorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	body := decodeBody(t, rec)
	require.Contains(t, body, "error", "body: %s", rec.Body.String())
	require.Contains(t, body, "error_id")
	require.Contains(t, body, "message")
	return body
}
