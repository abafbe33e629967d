package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grantly/backend/internal/circuitbreaker"
	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/email"
	"github.com/grantly/backend/internal/events"
	"github.com/grantly/backend/internal/models"
)

const (
	// runClaimTTL keeps the sent-marker long past any retry horizon.
	runClaimTTL = 48 * time.Hour
	// digestClaimTTL covers the whole weekly window.
	digestClaimTTL = 6 * 24 * time.Hour
	// deliverTimeout bounds one email delivery end to end.
	deliverTimeout = 30 * time.Second

	digestWeekday = time.Monday
	digestHourUTC = 8
)

// Store is the slice of the database layer notifications read from.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListGrants(ctx context.Context, userID string, f models.GrantFilter) ([]*models.Grant, error)
	RecentRuns(ctx context.Context, userID string, limit int) ([]*models.SearchRun, error)
	ActiveUserIDs(ctx context.Context) ([]string, error)
}

// Notifier is what the rest of the service sees. The in-process Dispatcher
// and the Cloud Tasks-backed dispatcher both satisfy it.
type Notifier interface {
	EnqueueRunSummary(userID, runID string, grantsFound int, degraded bool)
	Subscribe(bus *events.Bus)
	StartDigestLoop()
	Shutdown()
}

type taskKind int

const (
	taskRunSummary taskKind = iota
	taskDigest
)

func (k taskKind) String() string {
	if k == taskDigest {
		return "digest"
	}
	return "run_summary"
}

type task struct {
	kind        taskKind
	userID      string
	runID       string
	grantsFound int
	degraded    bool
}

// Dispatcher sends notification emails from a background worker pool.
// Delivery is best-effort: a lost email never fails a run, and duplicate
// suppression leans permissive, preferring a repeat email over silence.
type Dispatcher struct {
	store    Store
	sender   email.Sender
	logOnly  email.Sender
	breakers *circuitbreaker.ServiceBreakers
	retry    *circuitbreaker.RetryPolicy
	rdb      *redis.Client
	cfg      config.NotificationsConfig

	queue  chan task
	wg     sync.WaitGroup
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	closed bool

	bus   *events.Bus
	sub   chan *events.Event
	subWG sync.WaitGroup

	digestQuit chan struct{}
	stop       sync.Once
	lastDigest string
}

// NewDispatcher builds the dispatcher and starts its worker pool. rdb may be
// nil, in which case duplicate suppression is per-process only.
func NewDispatcher(
	store Store,
	sender email.Sender,
	rdb *redis.Client,
	breakers *circuitbreaker.ServiceBreakers,
	retry *circuitbreaker.RetryPolicy,
	cfg config.NotificationsConfig,
	workers config.WorkersConfig,
) *Dispatcher {
	poolSize := workers.DispatchWorkers
	if poolSize <= 0 {
		poolSize = 4
	}
	queueCap := workers.DispatchQueueCap
	if queueCap <= 0 {
		queueCap = 1000
	}

	d := &Dispatcher{
		store:      store,
		sender:     sender,
		logOnly:    email.NewLogSender(),
		breakers:   breakers,
		retry:      retry,
		rdb:        rdb,
		cfg:        cfg,
		queue:      make(chan task, queueCap),
		logger:     log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		now:        time.Now,
		digestQuit: make(chan struct{}),
	}

	for i := 0; i < poolSize; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	return d
}

// Subscribe wires the dispatcher to run-completion events. Call at most once.
func (d *Dispatcher) Subscribe(bus *events.Bus) {
	d.subscribe(bus, d.EnqueueRunSummary)
}

// subscribe consumes run-completion events and hands them to enqueue. The
// Cloud Tasks dispatcher reuses this with its own enqueue.
func (d *Dispatcher) subscribe(bus *events.Bus, enqueue func(userID, runID string, grantsFound int, degraded bool)) {
	d.bus = bus
	d.sub = bus.Subscribe(events.TypeRunCompleted)
	d.subWG.Add(1)
	go func() {
		defer d.subWG.Done()
		for ev := range d.sub {
			enqueue(ev.UserID, ev.Subject, intField(ev.Data, "grants_found"), boolField(ev.Data, "degraded"))
		}
	}()
}

// EnqueueRunSummary queues a per-run summary email. Drops silently when
// notifications are disabled and with a warning when the queue is full.
func (d *Dispatcher) EnqueueRunSummary(userID, runID string, grantsFound int, degraded bool) {
	if !d.cfg.Enabled || userID == "" || runID == "" {
		return
	}
	d.enqueue(task{kind: taskRunSummary, userID: userID, runID: runID, grantsFound: grantsFound, degraded: degraded})
}

func (d *Dispatcher) enqueue(t task) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	select {
	case d.queue <- t:
	default:
		d.logger.Printf("⚠️ notification queue full, dropping %v for user %s", t.kind, t.userID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for t := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		switch t.kind {
		case taskRunSummary:
			if err := d.DeliverRunSummary(ctx, t.userID, t.runID, t.grantsFound, t.degraded); err != nil {
				d.logger.Printf("❌ run summary for user %s (run %s): %v", t.userID, t.runID, err)
			}
		case taskDigest:
			if err := d.deliverDigest(ctx, t.userID); err != nil {
				d.logger.Printf("❌ weekly digest for user %s: %v", t.userID, err)
			}
		}
		cancel()
	}
}

// DeliverRunSummary sends the summary for one completed run. Exported so the
// Cloud Tasks callback route can invoke a delivery directly.
func (d *Dispatcher) DeliverRunSummary(ctx context.Context, userID, runID string, grantsFound int, degraded bool) error {
	if !d.claim(ctx, "notify:run:"+runID, runClaimTTL) {
		return nil // already sent for this run
	}

	user, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.Email == "" {
		d.logger.Printf("⚠️ user %s has no email address, skipping run summary", userID)
		return nil
	}

	grants, err := d.store.ListGrants(ctx, userID, models.GrantFilter{
		Status: string(models.RecordActive),
		Limit:  100,
	})
	if err != nil {
		// The headline counts still carry value without the portfolio table.
		d.logger.Printf("⚠️ listing grants for summary of user %s: %v", userID, err)
		grants = nil
	}

	msg := runSummary(user, grants, d.cfg.TopGrants, grantsFound, degraded)
	return d.send(ctx, msg)
}

func (d *Dispatcher) deliverDigest(ctx context.Context, userID string) error {
	user, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.Email == "" {
		return nil
	}

	runs, err := d.store.RecentRuns(ctx, userID, 50)
	if err != nil {
		return err
	}
	since := d.now().UTC().AddDate(0, 0, -7)
	hadRuns := false
	for _, r := range runs {
		if !r.StartedAt.Before(since) {
			hadRuns = true
			break
		}
	}
	if !hadRuns {
		return nil // nothing happened this week, stay quiet
	}

	grants, err := d.store.ListGrants(ctx, userID, models.GrantFilter{
		Status: string(models.RecordActive),
		Limit:  100,
	})
	if err != nil {
		grants = nil
	}

	msg := weeklyDigest(user, runs, grants, d.cfg.TopGrants, since)
	if err := d.send(ctx, msg); err != nil {
		return err
	}
	d.logger.Printf("📧 weekly digest sent to user %s", userID)
	return nil
}

// send pushes one message through the email breaker. When the provider is
// down the message lands in the log instead, so operators can replay it.
func (d *Dispatcher) send(ctx context.Context, msg email.Message) error {
	_, degraded, err := circuitbreaker.ExecuteWithFallback(ctx, d.breakers.Email, d.retry,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, d.sender.Send(ctx, msg)
		},
		func(ctx context.Context, cause error) (struct{}, error) {
			d.logger.Printf("↩️ email provider unavailable (%v), logging instead", cause)
			return struct{}{}, d.logOnly.Send(ctx, msg)
		},
	)
	if err != nil {
		return err
	}
	if !degraded {
		d.logger.Printf("📧 sent %q to %v", msg.Subject, msg.To)
	}
	return nil
}

// claim takes the idempotency marker for key. Redis being down means we
// cannot tell whether the email went out already; sending twice beats never.
func (d *Dispatcher) claim(ctx context.Context, key string, ttl time.Duration) bool {
	if d.rdb == nil {
		return true
	}
	ok, err := d.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		d.logger.Printf("⚠️ dedup claim %s failed: %v", key, err)
		return true
	}
	return ok
}

// ============================================================================
// WEEKLY DIGEST LOOP
// ============================================================================

// StartDigestLoop arms the weekly digest check. It fires every hour and sends
// digests once per ISO week, on Monday mornings UTC.
func (d *Dispatcher) StartDigestLoop() {
	if !d.cfg.Enabled || !d.cfg.DigestWeekly {
		return
	}
	d.subWG.Add(1)
	go func() {
		defer d.subWG.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-d.digestQuit:
				return
			case <-ticker.C:
				d.maybeRunDigest()
			}
		}
	}()
}

func (d *Dispatcher) maybeRunDigest() {
	now := d.now().UTC()
	if now.Weekday() != digestWeekday || now.Hour() < digestHourUTC {
		return
	}
	key := digestWeekKey(now)
	if d.lastDigest == key {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if !d.claim(ctx, key, digestClaimTTL) {
		d.lastDigest = key // another replica took this week
		return
	}
	d.lastDigest = key
	d.DigestAll(ctx)
}

// DigestAll queues a weekly digest for every active user.
func (d *Dispatcher) DigestAll(ctx context.Context) {
	ids, err := d.store.ActiveUserIDs(ctx)
	if err != nil {
		d.logger.Printf("❌ listing users for digest: %v", err)
		return
	}
	d.logger.Printf("📧 queueing weekly digest for %d users", len(ids))
	for _, id := range ids {
		d.enqueue(task{kind: taskDigest, userID: id})
	}
}

func digestWeekKey(now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("notify:digest:%d-W%02d", year, week)
}

// Shutdown stops intake, drains queued deliveries, and returns. Safe to
// call more than once.
func (d *Dispatcher) Shutdown() {
	d.stop.Do(func() {
		if d.bus != nil {
			d.bus.Unsubscribe(d.sub)
		}
		close(d.digestQuit)

		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		d.subWG.Wait()
		d.wg.Wait()
	})
}

// ============================================================================
// EVENT FIELD HELPERS
// ============================================================================

// intField tolerates the numeric types JSON round-trips produce.
func intField(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func boolField(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}
