package models

import (
	"time"
)

// ============================================================================
// SEARCH RUN
// ============================================================================

// RunStatus is a search run's lifecycle state.
type RunStatus string

const (
	RunInProgress RunStatus = "IN_PROGRESS"
	RunSuccess    RunStatus = "SUCCESS"
	RunPartial    RunStatus = "PARTIAL"
	RunFailed     RunStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunPartial || s == RunFailed
}

// TriggerType records what started a run.
type TriggerType string

const (
	TriggerAutomated TriggerType = "AUTOMATED"
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
)

// SearchRun records one orchestrator invocation. UserID is nullable for
// system-wide scheduled sweeps.
type SearchRun struct {
	ID          string      `json:"id" db:"id"`
	UserID      *string     `json:"user_id,omitempty" db:"user_id"`
	TriggerType TriggerType `json:"trigger_type" db:"trigger_type"`
	Status      RunStatus   `json:"status" db:"status"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMS  *int64     `json:"duration_ms,omitempty" db:"duration_ms"`

	GrantsFound     int `json:"grants_found" db:"grants_found"`
	SourcesSearched int `json:"sources_searched" db:"sources_searched"`
	APICallsMade    int `json:"api_calls_made" db:"api_calls_made"`

	ErrorKind    *string `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
	ErrorDetails JSONMap `json:"error_details,omitempty" db:"error_details"`

	Query    string `json:"query,omitempty" db:"query"`
	Degraded bool   `json:"degraded" db:"degraded"`
}
