package circuitbreaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/config"
)

// Observer receives fabric outcomes. The monitoring layer registers one to
// keep rolling error and fallback counters per dependency.
type Observer interface {
	RecordFailure(dependency string)
	RecordFallback(dependency string)
}

var (
	observerMu sync.RWMutex
	observer   Observer
)

// SetObserver installs the fabric observer. Pass nil to detach.
func SetObserver(o Observer) {
	observerMu.Lock()
	observer = o
	observerMu.Unlock()
}

func notifyFailure(dependency string) {
	observerMu.RLock()
	o := observer
	observerMu.RUnlock()
	if o != nil {
		o.RecordFailure(dependency)
	}
}

func notifyFallback(dependency string) {
	observerMu.RLock()
	o := observer
	observerMu.RUnlock()
	if o != nil {
		o.RecordFallback(dependency)
	}
}

// ============================================================================
// SERVICE BREAKERS
// ============================================================================

// ServiceBreakers holds the pre-configured breaker per external dependency.
// Thresholds come from configuration; the trip condition is always
// consecutive failures so the Nth failure (not the N+1th) opens the circuit.
type ServiceBreakers struct {
	manager *Manager

	Database *CircuitBreaker
	LLM      *CircuitBreaker
	Vector   *CircuitBreaker
	Email    *CircuitBreaker
}

// NewServiceBreakers builds the breaker set from configuration.
func NewServiceBreakers(cfg config.BreakersConfig) *ServiceBreakers {
	manager := NewManager(nil)

	logger := log.New(log.Writer(), "[BREAKER] ", log.LstdFlags)
	onChange := func(name string, from State, to State) {
		switch to {
		case StateOpen:
			logger.Printf("🚫 %s: %s -> %s", name, from, to)
		case StateClosed:
			logger.Printf("✅ %s: %s -> %s", name, from, to)
		default:
			logger.Printf("⚠️ %s: %s -> %s", name, from, to)
		}
	}

	build := func(name string, bc config.BreakerConfig) *Config {
		threshold := uint32(bc.FailureThreshold)
		return &Config{
			Name:             name,
			MaxRequests:      uint32(bc.SuccessThreshold),
			SuccessThreshold: uint32(bc.SuccessThreshold),
			Interval:         0, // consecutive counts never age out in closed state
			Timeout:          bc.RecoveryTimeout(),
			ReadyToTrip: func(c Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: onChange,
		}
	}

	return &ServiceBreakers{
		manager:  manager,
		Database: manager.GetOrCreate("database", build("database", cfg.Database)),
		LLM:      manager.GetOrCreate("llm", build("llm", cfg.LLM)),
		Vector:   manager.GetOrCreate("vector", build("vector", cfg.Vector)),
		Email:    manager.GetOrCreate("email", build("email", cfg.Email)),
	}
}

// Manager exposes the underlying registry for stats endpoints.
func (s *ServiceBreakers) Manager() *Manager {
	return s.manager
}

// ============================================================================
// FABRIC CALL
// ============================================================================

// ExecuteWithFallback is the single entry point adapters are called through.
// It applies the breaker, retries TRANSIENT failures per policy, and when the
// circuit is open (or retries are exhausted) routes to the fallback if one is
// registered. The returned bool reports whether the fallback served the call;
// callers persist that flag into run details.
func ExecuteWithFallback[T any](
	ctx context.Context,
	cb *CircuitBreaker,
	policy *RetryPolicy,
	request func(context.Context) (T, error),
	fallback func(context.Context, error) (T, error),
) (T, bool, error) {
	var zero T

	attempt := func(ctx context.Context) (T, error) {
		result, err := cb.Execute(func() (interface{}, error) {
			return request(ctx)
		})
		if err != nil {
			return zero, err
		}
		return result.(T), nil
	}

	var value T
	err := policy.Do(ctx, cb.Name(), func(ctx context.Context) error {
		v, err := attempt(ctx)
		if err != nil {
			// An open breaker is not transient: stop retrying and degrade.
			if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
				return err
			}
			return err
		}
		value = v
		return nil
	})

	if err == nil {
		return value, false, nil
	}
	notifyFailure(cb.Name())

	if fallback != nil {
		fb, fbErr := fallback(ctx, err)
		if fbErr == nil {
			notifyFallback(cb.Name())
			return fb, true, nil
		}
		err = fbErr
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		retryAfter := cb.OpenRemaining()
		if retryAfter <= 0 {
			retryAfter = 30 * time.Second
		}
		return zero, false, apperr.Unavailable(cb.Name(), retryAfter)
	}
	return zero, false, err
}
