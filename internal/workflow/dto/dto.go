// Package dto defines the wire shapes of the workflow HTTP API.
package dto

import (
	"time"

	"github.com/flowforge/flowforge/internal/workflow/models"
)

type WorkflowDTO struct {
	ID            string                    `json:"id"`
	Type          string                    `json:"type"`
	Name          string                    `json:"name"`
	Description   string                    `json:"description,omitempty"`
	Requirements  map[string]any            `json:"requirements,omitempty"`
	Priority      string                    `json:"priority"`
	CurrentStage  string                    `json:"current_stage"`
	Status        string                    `json:"status"`
	Progress      int                       `json:"progress_percentage"`
	StageOutputs  map[string]map[string]any `json:"stage_outputs,omitempty"`
	Pending       *PendingDecisionDTO       `json:"pending_decision,omitempty"`
	FailureReason string                    `json:"failure_reason,omitempty"`
	TraceID       string                    `json:"trace_id"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

type PendingDecisionDTO struct {
	Stage       string    `json:"stage"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

type CreateWorkflowRequest struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Requirements map[string]any `json:"requirements"`
	Priority     string         `json:"priority"`
}

type CancelWorkflowRequest struct {
	Reason string `json:"reason"`
}

type DecisionRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason"`
}

type ListWorkflowsResponse struct {
	Workflows []WorkflowDTO `json:"workflows"`
	Total     int           `json:"total"`
}

// FromWorkflow converts a workflow model to its wire shape.
func FromWorkflow(w *models.Workflow) WorkflowDTO {
	out := WorkflowDTO{
		ID:            w.ID,
		Type:          w.Type,
		Name:          w.Name,
		Description:   w.Description,
		Requirements:  w.Requirements,
		Priority:      w.Priority,
		CurrentStage:  w.CurrentStage,
		Status:        string(w.Status),
		Progress:      w.Progress,
		StageOutputs:  w.StageOutputs,
		FailureReason: w.FailureReason,
		TraceID:       w.TraceID,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
	if w.Pending != nil {
		out.Pending = &PendingDecisionDTO{
			Stage:       w.Pending.Stage,
			Reason:      w.Pending.Reason,
			RequestedAt: w.Pending.RequestedAt,
		}
	}
	return out
}
