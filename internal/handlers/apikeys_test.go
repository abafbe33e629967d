package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/models"
)

type fakeKeyIssuer struct {
	lastName string
	lastTTL  time.Duration
}

func (f *fakeKeyIssuer) CreateKey(ctx context.Context, userID, name string, ttl time.Duration) (*models.APIKey, string, error) {
	f.lastName = name
	f.lastTTL = ttl
	key := &models.APIKey{KeyID: "ab12cd34ef56ab78", UserID: userID, Name: name, IsActive: true}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		key.ExpiresAt = &exp
	}
	return key, "gr_ab12cd34ef56ab78.deadbeef", nil
}

type fakeKeyLister struct {
	keys    []*models.APIKey
	revoked []string
}

func (f *fakeKeyLister) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	return f.keys, nil
}

func (f *fakeKeyLister) RevokeAPIKey(ctx context.Context, keyID, userID string) error {
	for _, k := range f.keys {
		if k.KeyID == keyID && k.UserID == userID {
			f.revoked = append(f.revoked, keyID)
			return nil
		}
	}
	return apperr.NotFound("api_key")
}

func TestCreateAPIKeyReturnsPlaintextOnce(t *testing.T) {
	issuer := &fakeKeyIssuer{}
	h := HandleCreateAPIKey(issuer)

	body := `{"name":"ci-pipeline","ttl_days":30}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/account/api-keys", strings.NewReader(body)), "u1")
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ci-pipeline", issuer.lastName)
	assert.Equal(t, 30*24*time.Hour, issuer.lastTTL)

	resp := decodeBody(t, rec)
	assert.Equal(t, "gr_ab12cd34ef56ab78.deadbeef", resp["key"])
	assert.Equal(t, "ab12cd34ef56ab78", resp["key_id"])
	assert.NotNil(t, resp["expires_at"])
}

func TestCreateAPIKeyRequiresName(t *testing.T) {
	h := HandleCreateAPIKey(&fakeKeyIssuer{})

	req := authed(httptest.NewRequest(http.MethodPost, "/api/account/api-keys", strings.NewReader(`{}`)), "u1")
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	details, ok := errorEnvelope(t, rec)["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, details, "name")
}

func TestCreateAPIKeyBoundsTTL(t *testing.T) {
	h := HandleCreateAPIKey(&fakeKeyIssuer{})

	req := authed(httptest.NewRequest(http.MethodPost, "/api/account/api-keys",
		strings.NewReader(`{"name":"k","ttl_days":4000}`)), "u1")
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListAPIKeysHidesHashes(t *testing.T) {
	store := &fakeKeyLister{keys: []*models.APIKey{
		{KeyID: "k1", UserID: "u1", Name: "ci", SecretHash: "$2a$10$secret", IsActive: true},
	}}
	h := HandleListAPIKeys(store)

	rec := httptest.NewRecorder()
	h(rec, authed(httptest.NewRequest(http.MethodGet, "/api/account/api-keys", nil), "u1"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "$2a$10$secret")
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])
}

func TestRevokeAPIKeyScopedToOwner(t *testing.T) {
	store := &fakeKeyLister{keys: []*models.APIKey{
		{KeyID: "k1", UserID: "u1"},
		{KeyID: "k2", UserID: "other"},
	}}

	router := mux.NewRouter()
	router.HandleFunc("/api/account/api-keys/{key_id}", HandleRevokeAPIKey(store)).Methods(http.MethodDelete)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodDelete, "/api/account/api-keys/k1", nil), "u1"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"k1"}, store.revoked)

	// Another user's key looks like it does not exist.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodDelete, "/api/account/api-keys/k2", nil), "u1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
