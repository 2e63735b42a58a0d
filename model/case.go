package model

import "time"

// Case status constants.
const (
	CaseStatusActive    = "active"
	CaseStatusCompleted = "completed"
	CaseStatusCancelled = "cancelled"
)

// Case event types recorded in the audit trail.
const (
	EventCaseCreated   = "case_created"
	EventStepCompleted = "step_completed"
	EventStepReopened  = "step_reopened"
	EventFlagsChanged  = "flags_changed"
	EventCaseCompleted = "case_completed"
	EventCaseCancelled = "case_cancelled"
)

// Case is one purchase transaction. It owns the set of completed step codes
// and the flags; step statuses are always derived from these.
type Case struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Reference       string    `json:"reference"`
	TemplateVersion string    `json:"template_version"`
	Completed       []string  `json:"completed"`
	Flags           Flags     `json:"flags"`
	Status          string    `json:"status"`
	CreatedBy       string    `json:"created_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Version         int       `json:"version"`
}

// HasCompleted reports whether code is in the completed set.
func (c *Case) HasCompleted(code string) bool {
	for _, done := range c.Completed {
		if done == code {
			return true
		}
	}
	return false
}

// CaseSummary is a lightweight representation of a case used in list views.
type CaseSummary struct {
	ID                     string    `json:"id"`
	Reference              string    `json:"reference"`
	TemplateVersion        string    `json:"template_version"`
	Status                 string    `json:"status"`
	OverallProgressPercent float64   `json:"overall_progress_percent"`
	NextSteps              []string  `json:"next_steps"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// CaseView pairs a case with its evaluated snapshot.
type CaseView struct {
	Case     Case     `json:"case"`
	Snapshot Snapshot `json:"snapshot"`
}

// CaseEvent records an event in a case's audit trail.
type CaseEvent struct {
	ID        string         `json:"id"`
	CaseID    string         `json:"case_id"`
	StepCode  string         `json:"step_code,omitempty"`
	Event     string         `json:"event"`
	ActorID   string         `json:"actor_id"`
	Data      map[string]any `json:"data,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// CaseFilters narrows a case listing.
type CaseFilters struct {
	Status    string
	Reference string
	Limit     int
	Offset    int
}
