package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/database"
	"github.com/grantly/backend/internal/models"
)

// CoordinatorStore is the slice of the database admission needs.
type CoordinatorStore interface {
	RunningRunForUser(ctx context.Context, userID string) (*models.SearchRun, error)
	CreateRun(ctx context.Context, userID *string, trigger models.TriggerType, query string) (*models.SearchRun, error)
	CompleteRun(ctx context.Context, id string, out database.RunOutcome) error
	ConsumeSearchQuota(ctx context.Context, userID string) error
	RefundSearchQuota(ctx context.Context, userID string) error
}

// Executor runs one admitted search end to end.
type Executor interface {
	ExecuteRun(ctx context.Context, run *models.SearchRun) error
}

// Coordinator admits search jobs: at most one in-flight run per user,
// manual-quota accounting before any run row exists, and queue-full
// admission control.
type Coordinator struct {
	store  CoordinatorStore
	exec   Executor
	pool   *Pool
	logger *log.Logger

	mu       sync.Mutex
	inflight map[string]*models.SearchRun
}

func NewCoordinator(store CoordinatorStore, exec Executor, pool *Pool) *Coordinator {
	return &Coordinator{
		store:    store,
		exec:     exec,
		pool:     pool,
		logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		inflight: map[string]*models.SearchRun{},
	}
}

// TriggerSearch admits one search for a user. The bool reports coalescing:
// a user who already has a run in flight gets that run back instead of a
// second one. Manual triggers consume the monthly search quota before the
// run row exists, so a quota rejection leaves no trace behind.
func (c *Coordinator) TriggerSearch(ctx context.Context, userID string, trigger models.TriggerType, query string) (*models.SearchRun, bool, error) {
	if userID == "" {
		return nil, false, apperr.Validation("user id is required", nil)
	}

	c.mu.Lock()
	if run, reserved := c.inflight[userID]; reserved {
		c.mu.Unlock()
		if run == nil {
			// Another request is mid-admission for this user.
			return nil, false, apperr.Conflict("a search is already starting for this user")
		}
		return run, true, nil
	}
	c.inflight[userID] = nil
	c.mu.Unlock()

	admitted := false
	defer func() {
		if !admitted {
			c.release(userID)
		}
	}()

	// A run surviving a restart coalesces too; memory only covers this
	// process.
	running, err := c.store.RunningRunForUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if running != nil {
		return running, true, nil
	}

	if trigger == models.TriggerManual {
		if err := c.store.ConsumeSearchQuota(ctx, userID); err != nil {
			return nil, false, err
		}
	}

	run, err := c.store.CreateRun(ctx, &userID, trigger, query)
	if err != nil {
		c.refundIfManual(userID, trigger)
		return nil, false, err
	}

	c.mu.Lock()
	c.inflight[userID] = run
	c.mu.Unlock()

	job := Job{
		Name: "search:" + run.ID,
		Run: func(jctx context.Context) {
			defer c.release(userID)
			if err := c.exec.ExecuteRun(jctx, run); err != nil {
				c.logger.Printf("❌ run %s: %v", run.ID, err)
			}
		},
	}
	if err := c.pool.Submit(job); err != nil {
		c.refundIfManual(userID, trigger)
		c.failUnstarted(run, err)
		return nil, false, err
	}
	admitted = true
	c.logger.Printf("📥 queued run %s for %s (%s)", run.ID, userID, trigger)
	return run, false, nil
}

func (c *Coordinator) release(userID string) {
	c.mu.Lock()
	delete(c.inflight, userID)
	c.mu.Unlock()
}

// refundIfManual gives back a consumed quota slot on its own deadline; the
// caller's context may already be dead.
func (c *Coordinator) refundIfManual(userID string, trigger models.TriggerType) {
	if trigger != models.TriggerManual {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.RefundSearchQuota(ctx, userID); err != nil {
		c.logger.Printf("⚠️  quota refund failed for %s: %v", userID, err)
	}
}

// failUnstarted settles a run row that was created but never queued.
func (c *Coordinator) failUnstarted(run *models.SearchRun, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out := database.RunOutcome{
		Status:       models.RunFailed,
		ErrorKind:    string(apperr.KindOf(cause)),
		ErrorMessage: "run rejected before start: " + cause.Error(),
	}
	if err := c.store.CompleteRun(ctx, run.ID, out); err != nil {
		c.logger.Printf("⚠️  run %s left open after rejection: %v", run.ID, err)
	}
}
