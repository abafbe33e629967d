package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/events"
	"github.com/grantly/backend/internal/models"
)

type fakeRunStore struct {
	runs map[string]*models.SearchRun
}

func (f *fakeRunStore) GetRun(ctx context.Context, id string) (*models.SearchRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, apperr.NotFound("search run")
	}
	return run, nil
}

func testRun(id, userID string, status models.RunStatus) *models.SearchRun {
	run := &models.SearchRun{ID: id, TriggerType: models.TriggerManual, Status: status}
	if userID != "" {
		run.UserID = &userID
	}
	return run
}

// progressServer mounts the streamer behind a stub that stamps the
// identity the way the auth middleware would.
func progressServer(t *testing.T, ps *ProgressStreamer, userID string) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc("/api/system/search-progress/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		id := &auth.Identity{UserID: userID, Method: auth.MethodToken}
		ps.HandleProgress(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dialProgress(t *testing.T, srv *httptest.Server, runID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/system/search-progress/" + runID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestProgressPollAnswersSnapshot(t *testing.T) {
	store := &fakeRunStore{runs: map[string]*models.SearchRun{
		"run-1": testRun("run-1", "u1", models.RunInProgress),
	}}
	ps := NewProgressStreamer(store, events.NewBus())
	srv := progressServer(t, ps, "u1")

	resp, err := http.Get(srv.URL + "/api/system/search-progress/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var frame Frame
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	assert.Equal(t, "snapshot", frame.Type)
	assert.Equal(t, "run-1", frame.RunID)
}

func TestProgressUnknownRunIs404(t *testing.T) {
	ps := NewProgressStreamer(&fakeRunStore{runs: map[string]*models.SearchRun{}}, events.NewBus())
	srv := progressServer(t, ps, "u1")

	resp, err := http.Get(srv.URL + "/api/system/search-progress/run-x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgressForeignRunLooksMissing(t *testing.T) {
	store := &fakeRunStore{runs: map[string]*models.SearchRun{
		"run-1": testRun("run-1", "someone-else", models.RunInProgress),
	}}
	ps := NewProgressStreamer(store, events.NewBus())
	srv := progressServer(t, ps, "u1")

	resp, err := http.Get(srv.URL + "/api/system/search-progress/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "ownership failures look like 404")
}

func TestProgressStreamsFilteredRunEvents(t *testing.T) {
	store := &fakeRunStore{runs: map[string]*models.SearchRun{
		"run-1": testRun("run-1", "u1", models.RunInProgress),
	}}
	bus := events.NewBus()
	ps := NewProgressStreamer(store, bus)
	srv := progressServer(t, ps, "u1")

	conn := dialProgress(t, srv, "run-1")

	snap := readFrame(t, conn)
	assert.Equal(t, "snapshot", snap.Type)

	// A grant for another run must not leak into this stream.
	bus.Emit(events.TypeGrantDiscovered, "pipeline", "", map[string]interface{}{
		"user_id": "u1", "run_id": "run-other", "grant_id": float64(3), "score": 0.4,
	})
	bus.Emit(events.TypeGrantDiscovered, "pipeline", "", map[string]interface{}{
		"user_id": "u1", "run_id": "run-1", "grant_id": float64(7), "score": 0.81,
	})

	grant := readFrame(t, conn)
	assert.Equal(t, "grant_discovered", grant.Type)
	data, ok := grant.Data.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 7, data["grant_id"])

	bus.Emit(events.TypeRunCompleted, "pipeline", "run-1", map[string]interface{}{
		"user_id": "u1", "status": "SUCCESS", "grants_found": float64(1), "degraded": false,
	})

	terminal := readFrame(t, conn)
	assert.Equal(t, "run_completed", terminal.Type)

	// The terminal frame ends the stream server-side.
	var extra Frame
	err := conn.ReadJSON(&extra)
	assert.Error(t, err)
}

func TestProgressTerminalRunAnswersAndCloses(t *testing.T) {
	run := testRun("run-1", "u1", models.RunFailed)
	store := &fakeRunStore{runs: map[string]*models.SearchRun{"run-1": run}}
	ps := NewProgressStreamer(store, events.NewBus())
	srv := progressServer(t, ps, "u1")

	conn := dialProgress(t, srv, "run-1")

	assert.Equal(t, "snapshot", readFrame(t, conn).Type)
	assert.Equal(t, "run_failed", readFrame(t, conn).Type)

	var extra Frame
	assert.Error(t, conn.ReadJSON(&extra))
}

func TestProgressSystemRunVisibleToAnyUser(t *testing.T) {
	store := &fakeRunStore{runs: map[string]*models.SearchRun{
		"sweep-1": testRun("sweep-1", "", models.RunInProgress), // no owner
	}}
	ps := NewProgressStreamer(store, events.NewBus())
	srv := progressServer(t, ps, "u1")

	resp, err := http.Get(srv.URL + "/api/system/search-progress/sweep-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProgressStatsCountsClients(t *testing.T) {
	store := &fakeRunStore{runs: map[string]*models.SearchRun{
		"run-1": testRun("run-1", "u1", models.RunInProgress),
	}}
	ps := NewProgressStreamer(store, events.NewBus())
	srv := progressServer(t, ps, "u1")

	assert.Equal(t, 0, ps.Stats()["connected_clients"])

	conn := dialProgress(t, srv, "run-1")
	readFrame(t, conn) // snapshot confirms the server side is registered

	assert.Eventually(t, func() bool {
		return ps.Stats()["connected_clients"] == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool {
		return ps.Stats()["connected_clients"] == 0
	}, time.Second, 10*time.Millisecond)
}
