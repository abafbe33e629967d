// Package pipeline orchestrates one search run end to end: profile load,
// LLM research, compliance scoring, deduplicated persistence, run
// bookkeeping, and completion events.
package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/compliance"
	"github.com/grantly/backend/internal/database"
	"github.com/grantly/backend/internal/events"
	"github.com/grantly/backend/internal/models"
	"github.com/grantly/backend/internal/research"
)

// commitTimeout bounds the bookkeeping phase that runs after the work
// context dies, so a soft-canceled run can still commit its partials.
const commitTimeout = time.Minute

// Researcher produces scored candidates for one profile.
type Researcher interface {
	Discover(ctx context.Context, profile *models.BusinessProfile) (*research.Result, error)
}

// Scorer applies the second scoring layer and may reject a candidate.
type Scorer interface {
	Evaluate(g *models.Grant, profile *models.BusinessProfile) *compliance.Rejection
}

// Store is the persistence surface a run touches.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*models.BusinessProfile, error)
	UpsertGrant(ctx context.Context, userID string, candidate *models.Grant) (*models.Grant, bool, error)
	SnapshotAnalysis(ctx context.Context, g *models.Grant, model string) error
	CompleteRun(ctx context.Context, id string, out database.RunOutcome) error
	RefundSearchQuota(ctx context.Context, userID string) error
}

// Pipeline wires the stages together. One instance serves all workers.
type Pipeline struct {
	store      Store
	researcher Researcher
	scorer     Scorer
	bus        events.Emitter
	model      string

	logger *log.Logger
	now    func() time.Time
}

// New builds the pipeline. model names the LLM used, recorded on analysis
// snapshots.
func New(store Store, researcher Researcher, scorer Scorer, bus events.Emitter, model string) *Pipeline {
	return &Pipeline{
		store:      store,
		researcher: researcher,
		scorer:     scorer,
		bus:        bus,
		model:      model,
		logger:     log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		now:        time.Now,
	}
}

// ExecuteRun drives an already-created IN_PROGRESS run to a terminal state.
// It never returns an error for run-level failures (those are persisted on
// the run); the error return reports only bookkeeping failures, which the
// watchdog later repairs.
func (p *Pipeline) ExecuteRun(ctx context.Context, run *models.SearchRun) error {
	if run.UserID == nil || *run.UserID == "" {
		return p.fail(run, apperr.KindValidation, "run has no owner", nil)
	}
	userID := *run.UserID
	p.logger.Printf("🚀 run %s started for user %s (%s)", run.ID, userID, run.TriggerType)

	profile, err := p.store.GetProfile(ctx, userID)
	if err != nil && !apperr.IsNotFound(err) {
		return p.fail(run, apperr.KindOf(err), "load business profile: "+err.Error(), nil)
	}

	result, err := p.researcher.Discover(ctx, profile)
	if err != nil && result == nil {
		return p.fail(run, apperr.KindOf(err), "research failed: "+err.Error(), nil)
	}
	canceled := err != nil

	// Everything after the research phase is bookkeeping that must finish
	// even when the work context was soft-canceled.
	commitCtx := ctx
	if canceled {
		var cancel context.CancelFunc
		commitCtx, cancel = context.WithTimeout(context.Background(), commitTimeout)
		defer cancel()
	}

	kept, dropped := p.applyCompliance(result.Candidates, profile)
	persisted, persistErrs := p.persist(commitCtx, run.ID, userID, kept)

	outcome := database.RunOutcome{
		Status:          result.Status,
		GrantsFound:     len(persisted),
		SourcesSearched: len(result.Outcomes),
		APICallsMade:    result.APICalls,
		ErrorDetails:    result.ErrorDetails(),
		Degraded:        result.Degraded,
	}

	if outcome.ErrorDetails == nil && (len(dropped) > 0 || len(persistErrs) > 0) {
		outcome.ErrorDetails = models.JSONMap{}
	}
	if len(dropped) > 0 {
		outcome.ErrorDetails["rejected_candidates"] = dropped
	}
	if len(persistErrs) > 0 {
		outcome.ErrorDetails["persist_errors"] = persistErrs
		// Findings were lost, so a clean run is no longer a full success.
		if outcome.Status == models.RunSuccess {
			outcome.Status = models.RunPartial
		}
	}
	if canceled {
		outcome.ErrorKind = string(apperr.KindTransient)
		outcome.ErrorMessage = "run canceled before all chunks completed"
		if outcome.Status == models.RunSuccess {
			outcome.Status = models.RunPartial
		}
	}
	if outcome.Status == models.RunFailed {
		outcome.ErrorKind = string(apperr.KindTransient)
		if outcome.ErrorMessage == "" {
			outcome.ErrorMessage = "all search chunks failed"
		}
	}

	// Degraded runs that found nothing give the user their attempt back.
	if run.TriggerType == models.TriggerManual && result.Degraded && len(persisted) == 0 {
		if err := p.store.RefundSearchQuota(commitCtx, userID); err != nil {
			p.logger.Printf("⚠️ run %s: quota refund failed: %v", run.ID, err)
		}
	}

	if err := p.store.CompleteRun(commitCtx, run.ID, outcome); err != nil {
		p.logger.Printf("❌ run %s: completing run failed: %v", run.ID, err)
		return err
	}

	p.emitCompletion(run, userID, outcome)
	p.logger.Printf("✅ run %s finished: %s, %d grants, %d api calls", run.ID, outcome.Status, outcome.GrantsFound, outcome.APICallsMade)
	return nil
}

// applyCompliance runs the second scoring layer, splitting candidates into
// keepers and hard-rejected drop reasons.
func (p *Pipeline) applyCompliance(candidates []*models.Grant, profile *models.BusinessProfile) ([]*models.Grant, map[string]string) {
	kept := make([]*models.Grant, 0, len(candidates))
	dropped := map[string]string{}

	for _, c := range candidates {
		if rejection := p.scorer.Evaluate(c, profile); rejection != nil {
			dropped[candidateKey(c)] = rejection.Reason
			continue
		}
		kept = append(kept, c)
	}
	return kept, dropped
}

// persist upserts the keepers one at a time; a single bad row loses that
// row, not the run.
func (p *Pipeline) persist(ctx context.Context, runID, userID string, candidates []*models.Grant) ([]*models.Grant, map[string]string) {
	persisted := make([]*models.Grant, 0, len(candidates))
	failures := map[string]string{}

	for _, c := range candidates {
		grant, merged, err := p.store.UpsertGrant(ctx, userID, c)
		if err != nil {
			failures[candidateKey(c)] = err.Error()
			continue
		}
		persisted = append(persisted, grant)

		if err := p.store.SnapshotAnalysis(ctx, grant, p.model); err != nil {
			p.logger.Printf("⚠️ analysis snapshot for grant %d failed: %v", grant.ID, err)
		}
		if !merged {
			p.bus.Emit(events.TypeGrantDiscovered, "/pipeline", grant.Title, map[string]interface{}{
				"user_id":  userID,
				"run_id":   runID,
				"grant_id": grant.ID,
				"score":    grant.CompositeScore,
			})
		}
	}
	return persisted, failures
}

func (p *Pipeline) emitCompletion(run *models.SearchRun, userID string, out database.RunOutcome) {
	eventType := events.TypeRunCompleted
	if out.Status == models.RunFailed {
		eventType = events.TypeRunFailed
	}
	p.bus.Emit(eventType, "/pipeline", run.ID, map[string]interface{}{
		"user_id":      userID,
		"status":       string(out.Status),
		"trigger":      string(run.TriggerType),
		"grants_found": out.GrantsFound,
		"degraded":     out.Degraded,
	})
}

// fail completes a run that never produced a result.
func (p *Pipeline) fail(run *models.SearchRun, kind apperr.Kind, message string, details models.JSONMap) error {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	outcome := database.RunOutcome{
		Status:       models.RunFailed,
		ErrorKind:    string(kind),
		ErrorMessage: message,
		ErrorDetails: details,
	}
	if err := p.store.CompleteRun(ctx, run.ID, outcome); err != nil {
		p.logger.Printf("❌ run %s: recording failure failed: %v", run.ID, err)
		return errors.Join(apperr.New(kind, message), err)
	}

	if run.UserID != nil {
		p.emitCompletion(run, *run.UserID, outcome)
	}
	p.logger.Printf("❌ run %s failed: %s", run.ID, message)
	return nil
}

// candidateKey names a candidate in error details: URL when present,
// otherwise title.
func candidateKey(g *models.Grant) string {
	if g.SourceURL != "" {
		return g.SourceURL
	}
	return g.Title
}
