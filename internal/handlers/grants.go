package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/models"
)

// GrantStore is the slice of the database layer the grant routes need.
type GrantStore interface {
	GetGrant(ctx context.Context, userID string, id int64) (*models.Grant, error)
	ListGrants(ctx context.Context, userID string, f models.GrantFilter) ([]*models.Grant, error)
	CountGrants(ctx context.Context, userID string, status models.RecordStatus) (int, error)
}

// HandleListGrants serves GET /api/grants: the user's portfolio ordered by
// composite score, narrowed by query parameters.
func HandleListGrants(store GrantStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		filter, err := grantFilterFromQuery(r)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		grants, err := store.ListGrants(r.Context(), id.UserID, filter)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		status := models.RecordStatus(filter.Status)
		if status == "" {
			status = models.RecordActive
		}
		total, err := store.CountGrants(r.Context(), id.UserID, status)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{
			"grants": grants,
			"count":  len(grants),
			"total":  total,
		})
	}
}

// HandleGetGrant serves GET /api/grants/{id}.
func HandleGetGrant(store GrantStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		grantID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			apperr.WriteError(w, r, apperr.Validation("grant id must be an integer", nil))
			return
		}

		grant, err := store.GetGrant(r.Context(), id.UserID, grantID)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		respond(w, http.StatusOK, grant)
	}
}

// HandleSearchGrants serves POST /api/grants/search: the same filters as
// the listing route, but as a JSON body for clients composing rich
// queries (text, score floor, deadline window).
func HandleSearchGrants(store GrantStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		var filter models.GrantFilter
		if err := decodeJSON(r, &filter); err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		grants, err := store.ListGrants(r.Context(), id.UserID, filter)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{
			"grants": grants,
			"count":  len(grants),
		})
	}
}

// grantFilterFromQuery maps listing query parameters onto the filter
// struct, then runs the same validation the search body gets.
func grantFilterFromQuery(r *http.Request) (models.GrantFilter, error) {
	var f models.GrantFilter
	q := r.URL.Query()

	f.Status = q.Get("status")
	f.Category = q.Get("category")
	f.SearchText = q.Get("search_text")

	var parseErr error
	number := func(key string) *float64 {
		v := q.Get(key)
		if v == "" {
			return nil
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil && parseErr == nil {
			parseErr = apperr.Validation(key+" must be a number", nil)
		}
		return &n
	}
	integer := func(key string) int {
		v := q.Get(key)
		if v == "" {
			return 0
		}
		n, err := strconv.Atoi(v)
		if err != nil && parseErr == nil {
			parseErr = apperr.Validation(key+" must be an integer", nil)
		}
		return n
	}
	date := func(key string) *time.Time {
		v := q.Get(key)
		if v == "" {
			return nil
		}
		t, err := time.Parse("2006-01-02", v)
		if err != nil && parseErr == nil {
			parseErr = apperr.Validation(key+" must be YYYY-MM-DD", nil)
		}
		return &t
	}

	f.MinScore = number("min_score")
	f.FundingMin = number("funding_min")
	f.FundingMax = number("funding_max")
	f.Limit = integer("limit")
	f.Offset = integer("offset")
	f.DeadlineBefore = date("deadline_before")
	f.DeadlineAfter = date("deadline_after")
	if parseErr != nil {
		return f, parseErr
	}
	return f, validateStruct(&f)
}
