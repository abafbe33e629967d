package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/config"
)

func testConfig(name string, threshold uint32, timeout time.Duration) *Config {
	return &Config{
		Name:             name,
		MaxRequests:      2,
		SuccessThreshold: 2,
		Timeout:          timeout,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
	}
}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Execute(func() (interface{}, error) {
			return nil, errors.New("dependency down")
		})
	}
}

func TestBreakerTripsOnNthConsecutiveFailure(t *testing.T) {
	cb := New(testConfig("database", 3, time.Minute))

	failN(cb, 2)
	assert.Equal(t, StateClosed, cb.State(), "2 of 3 failures must not trip")

	failN(cb, 1)
	assert.Equal(t, StateOpen, cb.State(), "3rd consecutive failure trips")
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(testConfig("llm", 3, time.Minute))

	failN(cb, 2)
	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)

	failN(cb, 2)
	assert.Equal(t, StateClosed, cb.State(), "success in between resets the streak")
}

func TestOpenBreakerShortCircuits(t *testing.T) {
	cb := New(testConfig("vector", 1, time.Minute))
	failN(cb, 1)

	called := false
	_, err := cb.Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open circuit must not invoke the request")
	assert.Greater(t, cb.OpenRemaining(), time.Duration(0))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := New(testConfig("database", 1, 30*time.Millisecond))
	failN(cb, 1)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// Two consecutive probe successes close the circuit.
	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, cb.State())

	_, err = cb.Execute(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig("llm", 1, 30*time.Millisecond))
	failN(cb, 1)
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	failN(cb, 1)
	assert.Equal(t, StateOpen, cb.State())
}

func TestManagerStatsTracksOpenCount(t *testing.T) {
	m := NewManager(nil)
	cb := m.GetOrCreate("flaky", testConfig("flaky", 1, 20*time.Millisecond))

	failN(cb, 1)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())
	failN(cb, 1)

	stats := m.Stats()
	require.Contains(t, stats, "flaky")
	assert.Equal(t, uint64(2), stats["flaky"].OpenCount)

	status, states := m.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", states["flaky"])
}

func TestNewServiceBreakersUsesConfiguredThresholds(t *testing.T) {
	sb := NewServiceBreakers(config.BreakersConfig{
		Database: config.BreakerConfig{FailureThreshold: 3, RecoverySeconds: 30, SuccessThreshold: 2},
		LLM:      config.BreakerConfig{FailureThreshold: 5, RecoverySeconds: 60, SuccessThreshold: 2},
		Vector:   config.BreakerConfig{FailureThreshold: 5, RecoverySeconds: 60, SuccessThreshold: 2},
		Email:    config.BreakerConfig{FailureThreshold: 5, RecoverySeconds: 60, SuccessThreshold: 2},
	})

	failN(sb.Database, 3)
	assert.Equal(t, StateOpen, sb.Database.State())

	failN(sb.LLM, 4)
	assert.Equal(t, StateClosed, sb.LLM.State())
	failN(sb.LLM, 1)
	assert.Equal(t, StateOpen, sb.LLM.State())

	assert.ElementsMatch(t, []string{"database", "llm", "vector", "email"}, sb.Manager().List())
}

// ============================================================================
// RETRY POLICY
// ============================================================================

func recordingPolicy(maxAttempts int) (*RetryPolicy, *[]time.Duration) {
	p := NewRetryPolicy(maxAttempts, time.Second, 60*time.Second)
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestRetryTransientUntilSuccess(t *testing.T) {
	p, slept := recordingPolicy(3)

	calls := 0
	err := p.Do(context.Background(), "llm", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apperr.Transient("upstream 502", errors.New("bad gateway"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
}

func TestRetryBackoffGrowsAndStaysNearBase(t *testing.T) {
	p, slept := recordingPolicy(3)

	p.Do(context.Background(), "llm", func(ctx context.Context) error {
		return apperr.Transient("timeout", errors.New("deadline"))
	})

	require.Len(t, *slept, 2)
	// base 1s ±25%, then 2s ±25%
	assert.InDelta(t, float64(time.Second), float64((*slept)[0]), float64(time.Second)*0.26)
	assert.InDelta(t, float64(2*time.Second), float64((*slept)[1]), float64(2*time.Second)*0.26)
}

func TestRetryDoesNotRetryFatalKinds(t *testing.T) {
	p, slept := recordingPolicy(3)

	calls := 0
	err := p.Do(context.Background(), "llm", func(ctx context.Context) error {
		calls++
		return apperr.Validation("bad prompt", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRetryHonorsShortRetryAfter(t *testing.T) {
	p, slept := recordingPolicy(2)

	calls := 0
	p.Do(context.Background(), "llm", func(ctx context.Context) error {
		calls++
		return apperr.Quota("rate limited", 90*time.Second)
	})

	assert.Equal(t, 2, calls)
	require.Len(t, *slept, 1)
	assert.Equal(t, 90*time.Second, (*slept)[0], "server Retry-After is used verbatim")
}

func TestRetryTreatsLongRetryAfterAsDailyQuota(t *testing.T) {
	p, slept := recordingPolicy(3)

	calls := 0
	err := p.Do(context.Background(), "llm", func(ctx context.Context) error {
		calls++
		return apperr.Quota("rate limited", 10*time.Minute)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "retry-after beyond cap aborts immediately")
	assert.Empty(t, *slept)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	p := NewRetryPolicy(3, time.Second, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := p.Do(ctx, "db", func(ctx context.Context) error {
		calls++
		return apperr.Transient("down", errors.New("down"))
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

// ============================================================================
// FABRIC
// ============================================================================

func TestExecuteWithFallbackSuccessIsNotDegraded(t *testing.T) {
	cb := New(testConfig("llm", 3, time.Minute))
	p, _ := recordingPolicy(3)

	got, degraded, err := ExecuteWithFallback(context.Background(), cb, p,
		func(ctx context.Context) (string, error) { return "result", nil },
		func(ctx context.Context, cause error) (string, error) { return "fallback", nil },
	)

	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Equal(t, "result", got)
}

func TestExecuteWithFallbackDegradesWhenOpen(t *testing.T) {
	cb := New(testConfig("llm", 1, time.Minute))
	failN(cb, 1)
	p, _ := recordingPolicy(3)

	called := false
	got, degraded, err := ExecuteWithFallback(context.Background(), cb, p,
		func(ctx context.Context) (string, error) {
			called = true
			return "live", nil
		},
		func(ctx context.Context, cause error) (string, error) { return "cached", nil },
	)

	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Equal(t, "cached", got)
	assert.False(t, called)
}

func TestExecuteWithFallbackUnavailableWithoutFallback(t *testing.T) {
	cb := New(testConfig("database", 1, time.Minute))
	failN(cb, 1)
	p, _ := recordingPolicy(3)

	_, degraded, err := ExecuteWithFallback[string](context.Background(), cb, p,
		func(ctx context.Context) (string, error) { return "live", nil },
		nil,
	)

	require.Error(t, err)
	assert.False(t, degraded)
	assert.True(t, apperr.IsUnavailable(err))
	assert.Greater(t, apperr.RetryAfterOf(err), time.Duration(0))
}

func TestExecuteWithFallbackRetriesBeforeDegrading(t *testing.T) {
	cb := New(testConfig("llm", 10, time.Minute))
	p, _ := recordingPolicy(3)

	calls := 0
	got, degraded, err := ExecuteWithFallback(context.Background(), cb, p,
		func(ctx context.Context) (string, error) {
			calls++
			return "", apperr.Transient("502", errors.New("bad gateway"))
		},
		func(ctx context.Context, cause error) (string, error) { return "cached", nil },
	)

	require.NoError(t, err)
	assert.Equal(t, 3, calls, "all attempts exhausted before fallback")
	assert.True(t, degraded)
	assert.Equal(t, "cached", got)
}
