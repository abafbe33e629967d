package circuitbreaker

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/grantly/backend/internal/apperr"
)

// retryAfterCap bounds how long a server-supplied Retry-After is honored.
// Anything longer means the daily quota is gone and retrying is pointless.
const retryAfterCap = 5 * time.Minute

// RetryPolicy retries TRANSIENT failures with exponential backoff. QUOTA
// failures are special-cased: a short server Retry-After is honored, a long
// one aborts immediately so the caller can fall back.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy builds a policy with the pipeline defaults: 3 attempts,
// 1s base, 60s cap.
func NewRetryPolicy(maxAttempts int, base, max time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    max,
		sleep:       sleepContext,
	}
}

// Do runs fn up to MaxAttempts times. Only TRANSIENT errors (and short
// quota waits) are retried; every other kind returns immediately.
func (p *RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		delay, retry := p.nextDelay(attempt, lastErr)
		if !retry || attempt == p.MaxAttempts-1 {
			return lastErr
		}

		slog.Debug("retrying after failure",
			"op", op,
			"attempt", attempt+1,
			"delay", delay.String(),
			"err", lastErr)

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// nextDelay decides whether err is retryable and how long to wait first.
func (p *RetryPolicy) nextDelay(attempt int, err error) (time.Duration, bool) {
	if apperr.IsQuota(err) {
		retryAfter := apperr.RetryAfterOf(err)
		if retryAfter > 0 && retryAfter <= retryAfterCap {
			return retryAfter, true
		}
		// Long or missing Retry-After: treated as exhausted daily quota.
		return 0, false
	}

	if !apperr.IsTransient(err) {
		return 0, false
	}
	return p.backoff(attempt), true
}

// backoff doubles per attempt from BaseDelay, capped at MaxDelay, with
// ±25% jitter so concurrent chunk workers do not retry in lockstep.
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	jitter := d * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(d + jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
