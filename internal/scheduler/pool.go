// Package scheduler drives background discovery: a bounded worker pool,
// per-user admission with coalescing, and the recurring sweep/cleanup
// timers.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/config"
)

// QueueRetryAfter is the client backoff hint returned on a full queue.
const QueueRetryAfter = 30 * time.Second

// Job is one unit of background work. Run receives a context bounded by
// the soft timeout; implementations are expected to commit partial results
// when it is cancelled.
type Job struct {
	Name string
	Run  func(ctx context.Context)
}

// Pool is the bounded worker pool behind search and maintenance jobs.
type Pool struct {
	mu     sync.Mutex
	queue  chan Job
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	soft     time.Duration
	hard     time.Duration
	inflight atomic.Int64
	logger   *log.Logger
}

// NewPool starts cfg.PoolSize workers over a cfg.QueueCapacity queue.
func NewPool(cfg config.WorkersConfig) *Pool {
	size := cfg.PoolSize
	if size <= 0 {
		size = 4
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}
	soft := cfg.SoftTimeout()
	if soft <= 0 {
		soft = 9 * time.Minute
	}
	hard := cfg.JobTimeout()
	if hard <= soft {
		hard = soft + time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:   make(chan Job, capacity),
		baseCtx: ctx,
		cancel:  cancel,
		soft:    soft,
		hard:    hard,
		logger:  log.New(log.Writer(), "[POOL] ", log.LstdFlags),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Printf("🚀 %d workers over a %d-slot queue", size, capacity)
	return p
}

// Submit queues a job. A full queue rejects immediately with
// SERVICE_UNAVAILABLE and a Retry-After hint instead of blocking the
// caller.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return apperr.Unavailable("worker pool", QueueRetryAfter)
	}
	select {
	case p.queue <- job:
		return nil
	default:
		p.logger.Printf("⚠️  queue full, rejecting %s", job.Name)
		return &apperr.Error{
			Kind:       apperr.KindServiceUnavailable,
			Message:    "search queue is full",
			Details:    map[string]interface{}{"reason": "QUEUE_FULL"},
			RetryAfter: QueueRetryAfter,
		}
	}
}

// Depth is the number of queued, unstarted jobs.
func (p *Pool) Depth() int { return len(p.queue) }

// Capacity is the queue bound.
func (p *Pool) Capacity() int { return cap(p.queue) }

// InFlight is the number of workers currently occupied.
func (p *Pool) InFlight() int { return int(p.inflight.Load()) }

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.queue {
		p.execute(id, job)
	}
}

// execute runs one job under the soft deadline. The hard timeout is the
// backstop for jobs that ignore cancellation: the worker abandons them so
// it cannot stay pinned, and the run watchdog settles their rows.
func (p *Pool) execute(id int, job Job) {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.soft)
	defer cancel()

	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		job.Run(ctx)
	}()

	hard := time.NewTimer(p.hard)
	defer hard.Stop()
	select {
	case <-done:
		p.logger.Printf("✅ %s finished in %s (worker %d)", job.Name, time.Since(start).Round(time.Millisecond), id)
	case <-hard.C:
		cancel()
		p.logger.Printf("❌ %s ignored cancellation past the %s hard timeout, abandoning (worker %d)", job.Name, p.hard, id)
	}
}

// Stop closes intake and drains. Running jobs get half the grace to finish
// naturally, then are soft-cancelled so they commit partials; anything
// still busy after the rest of the grace is abandoned.
func (p *Pool) Stop(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	if grace <= 0 {
		grace = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	natural := time.NewTimer(grace / 2)
	defer natural.Stop()
	select {
	case <-done:
		p.cancel()
		p.logger.Printf("✅ drained")
		return
	case <-natural.C:
		p.cancel()
	}

	rest := time.NewTimer(grace / 2)
	defer rest.Stop()
	select {
	case <-done:
		p.logger.Printf("✅ drained after soft cancel")
	case <-rest.C:
		p.logger.Printf("⚠️  %d workers still busy after %s, abandoning", p.inflight.Load(), grace)
	}
}
