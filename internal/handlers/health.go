package handlers

import (
	"net/http"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/circuitbreaker"
	"github.com/grantly/backend/internal/monitoring"
)

// HealthMonitor is the slice of the monitor the health routes read.
type HealthMonitor interface {
	Snapshot() monitoring.Snapshot
	RecoveryStats() monitoring.RecoveryReport
}

// HandleHealth is the bare liveness check. It answers as long as the
// process can serve HTTP at all.
func HandleHealth(service, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": service,
			"version": version,
		})
	}
}

// HandleReadiness gates traffic on the database breaker: CLOSED means
// ready, anything else answers 503 so the load balancer drains us while
// degraded paths keep serving established traffic.
func HandleReadiness(db *circuitbreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := db.State()
		status := http.StatusOK
		if state != circuitbreaker.StateClosed {
			status = http.StatusServiceUnavailable
		}
		respond(w, status, map[string]interface{}{
			"ready":    state == circuitbreaker.StateClosed,
			"database": state.String(),
		})
	}
}

// HandleDetailedHealth serves the full operational snapshot.
func HandleDetailedHealth(monitor HealthMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := monitor.Snapshot()
		if snap.Status != "HEALTHY" {
			// Degraded still answers 200: the service is up, some
			// dependencies are not.
			apperr.MarkDegraded(w)
		}
		respond(w, http.StatusOK, snap)
	}
}

// HandleBreakerStats serves per-breaker state and counters.
func HandleBreakerStats(manager *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]interface{}{
			"breakers": manager.Stats(),
		})
	}
}

// HandleRecoveryStats serves the merged per-dependency recovery view.
func HandleRecoveryStats(monitor HealthMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, monitor.RecoveryStats())
	}
}
