package scheduler

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/database"
	"github.com/grantly/backend/internal/models"
)

// Cadence presets.
const (
	CadenceSixHourly   = "six_hourly"
	CadenceTwiceWeekly = "twice_weekly"
)

// Preset sweeps fire at 06:00 UTC, cleanups at 03:00 UTC.
const (
	sweepHourUTC   = 6
	cleanupHourUTC = 3
)

// maintenanceTimeout bounds one sweep enumeration or cleanup pass.
const maintenanceTimeout = 5 * time.Minute

// MaintenanceStore is the database slice sweeps and cleanup touch.
type MaintenanceStore interface {
	ActiveUserIDs(ctx context.Context) ([]string, error)
	CleanupGrants(ctx context.Context, now time.Time) (database.CleanupResult, error)
	ResetUsagePeriods(ctx context.Context, now time.Time) (int64, error)
}

// OrphanSweeper clears vector namespaces whose owning profile is gone.
type OrphanSweeper interface {
	SweepOrphans(ctx context.Context) (int64, error)
}

// Scheduler owns the recurring timers: discovery sweeps on the configured
// cadence and the weekly maintenance pass.
type Scheduler struct {
	coord   *Coordinator
	store   MaintenanceStore
	vectors OrphanSweeper
	cfg     config.SchedulerConfig
	logger  *log.Logger
	quit    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
	now     func() time.Time
}

func New(coord *Coordinator, store MaintenanceStore, vectors OrphanSweeper, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		coord:   coord,
		store:   store,
		vectors: vectors,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		quit:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start arms both timers. Stop halts them; the worker pool drains
// separately so in-flight jobs finish.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.loop(s.nextSweep, s.RunSweep)
	go s.loop(s.nextCleanup, s.RunCleanup)
	s.logger.Printf("🚀 cadence=%s cleanup=%s", s.cadence(), s.cfg.CleanupWeekday)
}

func (s *Scheduler) Stop() {
	s.stop.Do(func() {
		close(s.quit)
		s.wg.Wait()
		s.logger.Printf("✅ stopped")
	})
}

func (s *Scheduler) loop(next func(time.Time) time.Time, run func(context.Context)) {
	defer s.wg.Done()
	for {
		timer := time.NewTimer(next(s.now()).Sub(s.now()))
		select {
		case <-s.quit:
			timer.Stop()
			return
		case <-timer.C:
			run(context.Background())
		}
	}
}

// RunSweep enqueues one automated search per active user. Coalesced and
// rejected users are counted and skipped; the sweep itself never fails.
func (s *Scheduler) RunSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()

	users, err := s.store.ActiveUserIDs(ctx)
	if err != nil {
		s.logger.Printf("❌ sweep aborted, cannot list users: %v", err)
		return
	}

	queued, coalesced, rejected := 0, 0, 0
	for _, userID := range users {
		_, existing, err := s.coord.TriggerSearch(ctx, userID, models.TriggerAutomated, "")
		switch {
		case err != nil:
			rejected++
			s.logger.Printf("⚠️  sweep skip %s: %v", userID, err)
		case existing:
			coalesced++
		default:
			queued++
		}
	}
	s.logger.Printf("🔄 sweep: %d queued, %d coalesced, %d rejected of %d users",
		queued, coalesced, rejected, len(users))
}

// RunCleanup is the weekly maintenance pass: grant lifecycle transitions,
// orphaned vector namespaces, and monthly quota period resets.
func (s *Scheduler) RunCleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()

	if res, err := s.store.CleanupGrants(ctx, s.now().UTC()); err != nil {
		s.logger.Printf("❌ grant cleanup failed: %v", err)
	} else {
		s.logger.Printf("🧹 grants: %d expired, %d deleted", res.Expired, res.Deleted)
	}

	if n, err := s.vectors.SweepOrphans(ctx); err != nil {
		s.logger.Printf("❌ orphan sweep failed: %v", err)
	} else if n > 0 {
		s.logger.Printf("🧹 removed %d orphaned vector rows", n)
	}

	if n, err := s.store.ResetUsagePeriods(ctx, s.now().UTC()); err != nil {
		s.logger.Printf("❌ usage period reset failed: %v", err)
	} else if n > 0 {
		s.logger.Printf("🔄 reset %d usage periods", n)
	}
}

func (s *Scheduler) cadence() string {
	if s.cfg.Cadence == CadenceTwiceWeekly {
		return CadenceTwiceWeekly
	}
	return CadenceSixHourly
}

func (s *Scheduler) nextSweep(now time.Time) time.Time {
	if s.cadence() == CadenceTwiceWeekly {
		return nextWeekdayHour(now, []time.Weekday{time.Monday, time.Thursday}, sweepHourUTC)
	}
	hours := s.cfg.SweepIntervalHours
	if hours <= 0 {
		hours = 6
	}
	return now.Add(time.Duration(hours) * time.Hour)
}

func (s *Scheduler) nextCleanup(now time.Time) time.Time {
	return nextWeekdayHour(now, []time.Weekday{parseWeekday(s.cfg.CleanupWeekday)}, cleanupHourUTC)
}

// nextWeekdayHour finds the soonest future instant falling on one of the
// given weekdays at the given UTC hour.
func nextWeekdayHour(now time.Time, days []time.Weekday, hour int) time.Time {
	now = now.UTC()
	var best time.Time
	for _, day := range days {
		delta := (int(day) - int(now.Weekday()) + 7) % 7
		candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC).
			AddDate(0, 0, delta)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	return best
}

func parseWeekday(name string) time.Weekday {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "monday":
		return time.Monday
	case "tuesday":
		return time.Tuesday
	case "wednesday":
		return time.Wednesday
	case "thursday":
		return time.Thursday
	case "friday":
		return time.Friday
	case "saturday":
		return time.Saturday
	default:
		return time.Sunday
	}
}
