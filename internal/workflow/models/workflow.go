// Package models defines the workflow domain entities and the per-type
// stage definitions that drive dispatch and state transitions.
package models

import (
	"time"
)

// Workflow statuses.
type WorkflowStatus string

const (
	StatusInitiated        WorkflowStatus = "initiated"
	StatusRunning          WorkflowStatus = "running"
	StatusAwaitingDecision WorkflowStatus = "awaiting_decision"
	StatusCompleted        WorkflowStatus = "completed"
	StatusFailed           WorkflowStatus = "failed"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusInitiated, StatusRunning, StatusAwaitingDecision, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage names. The working stages are ordered per workflow type by the
// stage definitions; completed and failed are terminal pseudo-stages.
const (
	StageInitialization = "initialization"
	StageScaffolding    = "scaffolding"
	StageValidation     = "validation"
	StageE2E            = "e2e"
	StageIntegration    = "integration"
	StageDeployment     = "deployment"
	StageCompleted      = "completed"
	StageFailed         = "failed"
)

// PendingDecision records a decision gate awaiting a human verdict.
type PendingDecision struct {
	Stage       string    `json:"stage"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// Workflow is one delivery run. Version increases on every write and backs
// optimistic concurrency: updates carry the version they read and fail when
// another writer got there first.
type Workflow struct {
	ID            string                    `json:"id" db:"id"`
	Type          string                    `json:"type" db:"type"`
	Name          string                    `json:"name" db:"name"`
	Description   string                    `json:"description" db:"description"`
	Requirements  map[string]any            `json:"requirements,omitempty" db:"-"`
	Priority      string                    `json:"priority" db:"priority"`
	CurrentStage  string                    `json:"current_stage" db:"current_stage"`
	Status        WorkflowStatus            `json:"status" db:"status"`
	Version       int64                     `json:"version" db:"version"`
	Progress      int                       `json:"progress_percentage" db:"progress_percentage"`
	StageOutputs  map[string]map[string]any `json:"stage_outputs" db:"-"`
	Pending       *PendingDecision          `json:"pending_decision,omitempty" db:"-"`
	FailureReason string                    `json:"failure_reason,omitempty" db:"failure_reason"`
	TraceID       string                    `json:"trace_id" db:"trace_id"`
	SpanID        string                    `json:"span_id" db:"span_id"`
	CreatedAt     time.Time                 `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the workflow admits no further transitions.
func (w *Workflow) Terminal() bool {
	return w.Status.Terminal()
}

// Clone returns a deep copy. Repositories hand out clones so callers can
// mutate freely before a CAS update.
func (w *Workflow) Clone() *Workflow {
	out := *w
	if w.Requirements != nil {
		out.Requirements = make(map[string]any, len(w.Requirements))
		for k, v := range w.Requirements {
			out.Requirements[k] = v
		}
	}
	out.StageOutputs = make(map[string]map[string]any, len(w.StageOutputs))
	for stage, output := range w.StageOutputs {
		copied := make(map[string]any, len(output))
		for k, v := range output {
			copied[k] = v
		}
		out.StageOutputs[stage] = copied
	}
	if w.Pending != nil {
		pending := *w.Pending
		out.Pending = &pending
	}
	return &out
}

// ListFilter narrows a workflow listing.
type ListFilter struct {
	Status       WorkflowStatus
	Type         string
	CreatedAfter time.Time
}

// Page bounds a listing. Limit 0 falls back to the repository default.
type Page struct {
	Limit  int
	Offset int
}
