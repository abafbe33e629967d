package models

import (
	"time"
)

// ============================================================================
// GENERATED APPLICATIONS & FEEDBACK
// ============================================================================

// ApplicationStatus tracks a generated draft through its life.
type ApplicationStatus string

const (
	AppDraft     ApplicationStatus = "DRAFT"
	AppGenerated ApplicationStatus = "GENERATED"
	AppEdited    ApplicationStatus = "EDITED"
	AppSubmitted ApplicationStatus = "SUBMITTED"
	AppAwarded   ApplicationStatus = "AWARDED"
	AppRejected  ApplicationStatus = "REJECTED"
)

// SectionOrder is the fixed generation order of application sections.
var SectionOrder = []string{
	"executive_summary",
	"needs_statement",
	"project_description",
	"budget_narrative",
	"organizational_capacity",
	"impact_statement",
}

// GeneratedApplication is one RAG draft for a (user, grant) pair. Sections
// holds the per-section text; a nil entry means that section failed and the
// draft is partial.
type GeneratedApplication struct {
	TaskID  string `json:"task_id" db:"task_id"`
	UserID  string `json:"user_id" db:"user_id"`
	GrantID int64  `json:"grant_id" db:"grant_id"`

	Status   ApplicationStatus `json:"status" db:"status"`
	Sections Sections          `json:"sections,omitempty" db:"sections"`
	FullText string            `json:"full_text,omitempty" db:"full_text"`
	Partial  bool              `json:"partial" db:"partial"`

	TokensUsed   int    `json:"tokens_used" db:"tokens_used"`
	DurationMS   int64  `json:"duration_ms" db:"duration_ms"`
	ModelUsed    string `json:"model_used,omitempty" db:"model_used"`
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ApplicationHistory is a user-reported outcome for a grant application.
// Read-only input to future score tuning.
type ApplicationHistory struct {
	ID            int64      `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	GrantID       int64      `json:"grant_id" db:"grant_id" validate:"required"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty" db:"submitted_at"`
	Status        string     `json:"status" db:"status" validate:"required,oneof=SUBMITTED AWARDED REJECTED WITHDRAWN"`
	OutcomeNotes  string     `json:"outcome_notes,omitempty" db:"outcome_notes" validate:"omitempty,max=2000"`
	Feedback      string     `json:"feedback,omitempty" db:"feedback" validate:"omitempty,max=2000"`
	AmountAwarded *float64   `json:"amount_awarded,omitempty" db:"amount_awarded" validate:"omitempty,gte=0"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}
