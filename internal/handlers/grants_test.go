package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/models"
)

type fakeGrantStore struct {
	grants []*models.Grant
	total  int

	lastUser   string
	lastFilter models.GrantFilter
	lastStatus models.RecordStatus
	listErr    error
}

func (f *fakeGrantStore) GetGrant(ctx context.Context, userID string, id int64) (*models.Grant, error) {
	f.lastUser = userID
	for _, g := range f.grants {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, apperr.NotFound("grant")
}

func (f *fakeGrantStore) ListGrants(ctx context.Context, userID string, fl models.GrantFilter) ([]*models.Grant, error) {
	f.lastUser = userID
	f.lastFilter = fl
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.grants, nil
}

func (f *fakeGrantStore) CountGrants(ctx context.Context, userID string, status models.RecordStatus) (int, error) {
	f.lastStatus = status
	return f.total, nil
}

func sampleGrants() []*models.Grant {
	return []*models.Grant{
		{ID: 1, Title: "Rural Robotics Fund", Funder: "Plains Foundation"},
		{ID: 2, Title: "STEM Outreach Grant", Funder: "Vector Labs"},
	}
}

func TestListGrantsParsesQueryIntoFilter(t *testing.T) {
	store := &fakeGrantStore{grants: sampleGrants(), total: 14}
	h := HandleListGrants(store)

	req := authed(httptest.NewRequest(http.MethodGet,
		"/api/grants?min_score=0.7&status=ACTIVE&limit=10&deadline_before=2026-12-31&search_text=robotics", nil), "u1")
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", store.lastUser)
	require.NotNil(t, store.lastFilter.MinScore)
	assert.InDelta(t, 0.7, *store.lastFilter.MinScore, 1e-9)
	assert.Equal(t, "ACTIVE", store.lastFilter.Status)
	assert.Equal(t, 10, store.lastFilter.Limit)
	assert.Equal(t, "robotics", store.lastFilter.SearchText)
	require.NotNil(t, store.lastFilter.DeadlineBefore)
	assert.Equal(t, "2026-12-31", store.lastFilter.DeadlineBefore.Format("2006-01-02"))

	body := decodeBody(t, rec)
	assert.Len(t, body["grants"], 2)
	assert.EqualValues(t, 2, body["count"])
	assert.EqualValues(t, 14, body["total"])
}

func TestListGrantsCountsActiveWhenUnfiltered(t *testing.T) {
	store := &fakeGrantStore{grants: sampleGrants(), total: 2}
	h := HandleListGrants(store)

	rec := httptest.NewRecorder()
	h(rec, authed(httptest.NewRequest(http.MethodGet, "/api/grants", nil), "u1"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RecordActive, store.lastStatus)
}

func TestListGrantsRejectsBadQueryValues(t *testing.T) {
	store := &fakeGrantStore{}
	h := HandleListGrants(store)

	for _, qs := range []string{
		"min_score=high",
		"limit=ten",
		"deadline_before=31-12-2026",
		"min_score=1.5", // fails validation, not parsing
		"status=LIVE",
	} {
		rec := httptest.NewRecorder()
		h(rec, authed(httptest.NewRequest(http.MethodGet, "/api/grants?"+qs, nil), "u1"))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "query %q", qs)
		env := errorEnvelope(t, rec)
		assert.Equal(t, "VALIDATION", env["error"], "query %q", qs)
	}
}

func TestListGrantsWithoutIdentityFails(t *testing.T) {
	h := HandleListGrants(&fakeGrantStore{})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/grants", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "AUTH", errorEnvelope(t, rec)["error"])
}

func TestGetGrantByID(t *testing.T) {
	store := &fakeGrantStore{grants: sampleGrants()}

	router := mux.NewRouter()
	router.HandleFunc("/api/grants/{id}", HandleGetGrant(store))

	req := authed(httptest.NewRequest(http.MethodGet, "/api/grants/2", nil), "u1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "STEM Outreach Grant", decodeBody(t, rec)["title"])
}

func TestGetGrantUnknownIDIs404(t *testing.T) {
	store := &fakeGrantStore{grants: sampleGrants()}

	router := mux.NewRouter()
	router.HandleFunc("/api/grants/{id}", HandleGetGrant(store))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/grants/99", nil), "u1"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorEnvelope(t, rec)["error"])
}

func TestGetGrantNonNumericIDIsValidation(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/api/grants/{id}", HandleGetGrant(&fakeGrantStore{}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/grants/not-a-number", nil), "u1"))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSearchGrantsPostsFilterBody(t *testing.T) {
	store := &fakeGrantStore{grants: sampleGrants()}
	h := HandleSearchGrants(store)

	body := `{"search_text":"robotics","min_score":0.5,"limit":25}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/grants/search", strings.NewReader(body)), "u1")
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "robotics", store.lastFilter.SearchText)
	assert.Equal(t, 25, store.lastFilter.Limit)
}

func TestSearchGrantsRejectsMalformedJSON(t *testing.T) {
	h := HandleSearchGrants(&fakeGrantStore{})

	req := authed(httptest.NewRequest(http.MethodPost, "/api/grants/search", strings.NewReader("{")), "u1")
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	env := errorEnvelope(t, rec)
	assert.Equal(t, "VALIDATION", env["error"])
	assert.Equal(t, "invalid JSON body", env["message"])
}

func TestSearchGrantsRejectsOutOfRangeFilter(t *testing.T) {
	h := HandleSearchGrants(&fakeGrantStore{})

	body := `{"min_score":2.0,"limit":500}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/grants/search", strings.NewReader(body)), "u1")
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	env := errorEnvelope(t, rec)
	details, ok := env["details"].(map[string]interface{})
	require.True(t, ok, "details: %v", env["details"])
	assert.Contains(t, details, "min_score")
	assert.Contains(t, details, "limit")
}
