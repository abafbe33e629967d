package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/compliance"
	"github.com/grantly/backend/internal/database"
	"github.com/grantly/backend/internal/events"
	"github.com/grantly/backend/internal/models"
	"github.com/grantly/backend/internal/research"
)

type fakeResearcher struct {
	result     *research.Result
	err        error
	gotProfile *models.BusinessProfile
}

func (f *fakeResearcher) Discover(_ context.Context, p *models.BusinessProfile) (*research.Result, error) {
	f.gotProfile = p
	return f.result, f.err
}

type fakeScorer struct {
	rejects map[string]string // source URL -> reason
}

func (f *fakeScorer) Evaluate(g *models.Grant, _ *models.BusinessProfile) *compliance.Rejection {
	if reason, ok := f.rejects[g.SourceURL]; ok {
		return &compliance.Rejection{RuleID: "no-lobbying", Reason: reason}
	}
	return nil
}

type fakeStore struct {
	profile    *models.BusinessProfile
	profileErr error
	upsertFail map[string]string // source URL -> error message
	merged     map[string]bool   // source URL -> counts as merge

	mu        sync.Mutex
	nextID    int64
	upserted  []*models.Grant
	snapshots int
	refunded  []string
	outcomes  map[string]database.RunOutcome
}

func newFakeStore() *fakeStore {
	return &fakeStore{outcomes: map[string]database.RunOutcome{}}
}

func (f *fakeStore) GetProfile(_ context.Context, _ string) (*models.BusinessProfile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	if f.profile == nil {
		return nil, apperr.New(apperr.KindNotFound, "business profile not found")
	}
	return f.profile, nil
}

func (f *fakeStore) UpsertGrant(_ context.Context, _ string, c *models.Grant) (*models.Grant, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.upsertFail[c.SourceURL]; ok {
		return nil, false, apperr.New(apperr.KindTransient, msg)
	}
	f.nextID++
	stored := *c
	stored.ID = f.nextID
	f.upserted = append(f.upserted, &stored)
	return &stored, f.merged[c.SourceURL], nil
}

func (f *fakeStore) SnapshotAnalysis(_ context.Context, _ *models.Grant, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return nil
}

func (f *fakeStore) CompleteRun(_ context.Context, id string, out database.RunOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[id] = out
	return nil
}

func (f *fakeStore) RefundSearchQuota(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, userID)
	return nil
}

type emittedEvent struct {
	Type    string
	Subject string
	Data    map[string]interface{}
}

type fakeBus struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (f *fakeBus) Emit(eventType, _, subject string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emittedEvent{Type: eventType, Subject: subject, Data: data})
}

func (f *fakeBus) ofType(t string) []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emittedEvent
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func candidate(title, url string, composite float64) *models.Grant {
	return &models.Grant{Title: title, SourceURL: url, CompositeScore: composite}
}

func manualRun(id string) *models.SearchRun {
	uid := "user-1"
	return &models.SearchRun{ID: id, UserID: &uid, TriggerType: models.TriggerManual, Status: models.RunInProgress}
}

func okResult(candidates ...*models.Grant) *research.Result {
	outcomes := []research.ChunkOutcome{
		{Label: "education/local", Candidates: len(candidates)},
		{Label: "education/state"},
	}
	return &research.Result{
		Candidates: candidates,
		Outcomes:   outcomes,
		Status:     models.RunSuccess,
		APICalls:   2,
	}
}

func TestExecuteRunHappyPath(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	r := &fakeResearcher{result: okResult(
		candidate("Alpha Grant", "https://example.org/a", 0.9),
		candidate("Beta Grant", "https://example.org/b", 0.7),
	)}

	p := New(store, r, &fakeScorer{}, bus, "gpt-test")
	require.NoError(t, p.ExecuteRun(context.Background(), manualRun("run-1")))

	out, ok := store.outcomes["run-1"]
	require.True(t, ok)
	assert.Equal(t, models.RunSuccess, out.Status)
	assert.Equal(t, 2, out.GrantsFound)
	assert.Equal(t, 2, out.SourcesSearched)
	assert.Equal(t, 2, out.APICallsMade)
	assert.False(t, out.Degraded)
	assert.Empty(t, out.ErrorKind)
	assert.Nil(t, out.ErrorDetails)

	assert.Len(t, store.upserted, 2)
	assert.Equal(t, 2, store.snapshots)
	assert.Empty(t, store.refunded)

	assert.Len(t, bus.ofType(events.TypeGrantDiscovered), 2)
	completed := bus.ofType(events.TypeRunCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "run-1", completed[0].Subject)
	assert.Equal(t, 2, completed[0].Data["grants_found"])
}

func TestExecuteRunDegradedEmptyRefundsManualQuota(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	r := &fakeResearcher{result: &research.Result{
		Outcomes: []research.ChunkOutcome{
			{Label: "education/local", Degraded: true},
			{Label: "education/state", Degraded: true},
		},
		Status:   models.RunPartial,
		Degraded: true,
		APICalls: 2,
	}}

	p := New(store, r, &fakeScorer{}, bus, "gpt-test")
	require.NoError(t, p.ExecuteRun(context.Background(), manualRun("run-2")))

	out := store.outcomes["run-2"]
	assert.Equal(t, models.RunPartial, out.Status)
	assert.True(t, out.Degraded)
	assert.Equal(t, 0, out.GrantsFound)
	require.NotNil(t, out.ErrorDetails)
	assert.Equal(t, "llm", out.ErrorDetails["fallback"])

	// The degraded-empty run gives the user their search back.
	assert.Equal(t, []string{"user-1"}, store.refunded)
}

func TestExecuteRunDegradedEmptyAutomatedKeepsQuota(t *testing.T) {
	store := newFakeStore()
	r := &fakeResearcher{result: &research.Result{
		Outcomes: []research.ChunkOutcome{{Label: "education/local", Degraded: true}},
		Status:   models.RunPartial,
		Degraded: true,
	}}

	run := manualRun("run-3")
	run.TriggerType = models.TriggerAutomated

	p := New(store, r, &fakeScorer{}, &fakeBus{}, "gpt-test")
	require.NoError(t, p.ExecuteRun(context.Background(), run))
	assert.Empty(t, store.refunded)
}

func TestExecuteRunComplianceRejection(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	r := &fakeResearcher{result: okResult(
		candidate("Clean Grant", "https://example.org/clean", 0.8),
		candidate("Lobbying Grant", "https://example.org/lobby", 0.9),
	)}
	scorer := &fakeScorer{rejects: map[string]string{
		"https://example.org/lobby": "matched exclude keyword \"lobbying\"",
	}}

	p := New(store, r, scorer, bus, "gpt-test")
	require.NoError(t, p.ExecuteRun(context.Background(), manualRun("run-4")))

	out := store.outcomes["run-4"]
	assert.Equal(t, models.RunSuccess, out.Status)
	assert.Equal(t, 1, out.GrantsFound)

	require.NotNil(t, out.ErrorDetails)
	rejected, ok := out.ErrorDetails["rejected_candidates"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, rejected, "https://example.org/lobby")

	require.Len(t, store.upserted, 1)
	assert.Equal(t, "Clean Grant", store.upserted[0].Title)
}

func TestExecuteRunPersistFailureDowngradesToPartial(t *testing.T) {
	store := newFakeStore()
	store.upsertFail = map[string]string{"https://example.org/b": "connection reset"}
	r := &fakeResearcher{result: okResult(
		candidate("Alpha Grant", "https://example.org/a", 0.9),
		candidate("Beta Grant", "https://example.org/b", 0.7),
	)}

	p := New(store, r, &fakeScorer{}, &fakeBus{}, "gpt-test")
	require.NoError(t, p.ExecuteRun(context.Background(), manualRun("run-5")))

	out := store.outcomes["run-5"]
	assert.Equal(t, models.RunPartial, out.Status)
	assert.Equal(t, 1, out.GrantsFound)

	require.NotNil(t, out.ErrorDetails)
	persistErrs, ok := out.ErrorDetails["persist_errors"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, persistErrs["https://example.org/b"], "connection reset")
}

func TestExecuteRunResearchHardFailure(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	r := &fakeResearcher{err: apperr.New(apperr.KindTransient, "provider unreachable")}

	p := New(store, r, &fakeScorer{}, bus, "gpt-test")
	require.NoError(t, p.ExecuteRun(context.Background(), manualRun("run-6")))

	out := store.outcomes["run-6"]
	assert.Equal(t, models.RunFailed, out.Status)
	assert.Equal(t, string(apperr.KindTransient), out.ErrorKind)
	assert.Contains(t, out.ErrorMessage, "provider unreachable")

	require.Len(t, bus.ofType(events.TypeRunFailed), 1)
	assert.Empty(t, bus.ofType(events.TypeRunCompleted))
}

func TestExecuteRunSoftCancelCommitsPartials(t *testing.T) {
	store := newFakeStore()
	r := &fakeResearcher{
		result: &research.Result{
			Candidates: []*models.Grant{candidate("Rescued Grant", "https://example.org/r", 0.8)},
			Outcomes: []research.ChunkOutcome{
				{Label: "education/local", Candidates: 1},
				{Label: "education/state", Error: "canceled before completion"},
			},
			Status:   models.RunPartial,
			APICalls: 1,
		},
		err: context.DeadlineExceeded,
	}

	p := New(store, r, &fakeScorer{}, &fakeBus{}, "gpt-test")
	require.NoError(t, p.ExecuteRun(context.Background(), manualRun("run-7")))

	out := store.outcomes["run-7"]
	assert.Equal(t, models.RunPartial, out.Status)
	assert.Equal(t, 1, out.GrantsFound)
	assert.Equal(t, string(apperr.KindTransient), out.ErrorKind)
	assert.Contains(t, out.ErrorMessage, "canceled")
	require.Len(t, store.upserted, 1)
}

func TestExecuteRunMissingOwner(t *testing.T) {
	store := newFakeStore()
	run := &models.SearchRun{ID: "run-8", TriggerType: models.TriggerAutomated, Status: models.RunInProgress}

	p := New(store, &fakeResearcher{}, &fakeScorer{}, &fakeBus{}, "gpt-test")
	require.NoError(t, p.ExecuteRun(context.Background(), run))

	out := store.outcomes["run-8"]
	assert.Equal(t, models.RunFailed, out.Status)
	assert.Equal(t, string(apperr.KindValidation), out.ErrorKind)
}

func TestExecuteRunMissingProfileUsesDefaults(t *testing.T) {
	store := newFakeStore() // GetProfile returns NOT_FOUND
	r := &fakeResearcher{result: okResult()}

	p := New(store, r, &fakeScorer{}, &fakeBus{}, "gpt-test")
	require.NoError(t, p.ExecuteRun(context.Background(), manualRun("run-9")))

	assert.Nil(t, r.gotProfile)
	assert.Equal(t, models.RunSuccess, store.outcomes["run-9"].Status)
}

func TestExecuteRunMergedGrantSkipsDiscoveryEvent(t *testing.T) {
	store := newFakeStore()
	store.merged = map[string]bool{"https://example.org/a": true}
	bus := &fakeBus{}
	r := &fakeResearcher{result: okResult(candidate("Alpha Grant", "https://example.org/a", 0.9))}

	p := New(store, r, &fakeScorer{}, bus, "gpt-test")
	require.NoError(t, p.ExecuteRun(context.Background(), manualRun("run-10")))

	assert.Empty(t, bus.ofType(events.TypeGrantDiscovered))
	assert.Len(t, bus.ofType(events.TypeRunCompleted), 1)
}
