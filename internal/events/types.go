// Package events defines the internal orchestration events exchanged
// between the workflow service, the state machine, and the streaming hub.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/flowforge/flowforge/internal/events/bus"
)

// Subjects for workflow lifecycle events.
const (
	WorkflowCreated       = "workflow.created"
	StageComplete         = "workflow.stage_complete"
	DecisionResolved      = "workflow.decision_resolved"
	WorkflowStatusChanged = "workflow.status_changed"

	// WorkflowWildcard matches every workflow lifecycle subject.
	WorkflowWildcard = "workflow.*"
)

// WorkflowCreatedData bootstraps the state machine for a new workflow.
type WorkflowCreatedData struct {
	WorkflowID   string `json:"workflow_id"`
	WorkflowType string `json:"workflow_type"`
	Name         string `json:"name"`
	TraceID      string `json:"trace_id"`
}

// StageError is one error carried on a stage completion.
type StageError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// StageCompleteData drives state machine transitions. Success=false with
// exhausted retries routes the workflow to the failure path.
type StageCompleteData struct {
	WorkflowID       string         `json:"workflow_id"`
	Stage            string         `json:"stage"`
	Success          bool           `json:"success"`
	RetriesExhausted bool           `json:"retries_exhausted"`
	Output           map[string]any `json:"output"`
	Errors           []StageError   `json:"errors"`
	TraceID          string         `json:"trace_id"`
}

// DecisionResolvedData resumes a workflow parked in awaiting_decision.
type DecisionResolvedData struct {
	WorkflowID string `json:"workflow_id"`
	Stage      string `json:"stage"`
	Approved   bool   `json:"approved"`
	DecidedBy  string `json:"decided_by"`
	Reason     string `json:"reason"`
}

// WorkflowStatusChangedData feeds the outbound event stream.
type WorkflowStatusChangedData struct {
	WorkflowID   string `json:"workflow_id"`
	WorkflowType string `json:"workflow_type"`
	Status       string `json:"status"`
	CurrentStage string `json:"current_stage"`
	Progress     int    `json:"progress_percentage"`
}

// NewWorkflowCreated builds a workflow.created event.
func NewWorkflowCreated(source string, data WorkflowCreatedData) *bus.Event {
	return bus.NewEvent(WorkflowCreated, source, toMap(data))
}

// NewStageComplete builds a workflow.stage_complete event.
func NewStageComplete(source string, data StageCompleteData) *bus.Event {
	return bus.NewEvent(StageComplete, source, toMap(data))
}

// NewDecisionResolved builds a workflow.decision_resolved event.
func NewDecisionResolved(source string, data DecisionResolvedData) *bus.Event {
	return bus.NewEvent(DecisionResolved, source, toMap(data))
}

// NewWorkflowStatusChanged builds a workflow.status_changed event.
func NewWorkflowStatusChanged(source string, data WorkflowStatusChangedData) *bus.Event {
	return bus.NewEvent(WorkflowStatusChanged, source, toMap(data))
}

// DecodeWorkflowCreated extracts the typed payload of a workflow.created event.
func DecodeWorkflowCreated(e *bus.Event) (WorkflowCreatedData, error) {
	var out WorkflowCreatedData
	return out, fromMap(e, WorkflowCreated, &out)
}

// DecodeStageComplete extracts the typed payload of a workflow.stage_complete event.
func DecodeStageComplete(e *bus.Event) (StageCompleteData, error) {
	var out StageCompleteData
	return out, fromMap(e, StageComplete, &out)
}

// DecodeDecisionResolved extracts the typed payload of a workflow.decision_resolved event.
func DecodeDecisionResolved(e *bus.Event) (DecisionResolvedData, error) {
	var out DecisionResolvedData
	return out, fromMap(e, DecisionResolved, &out)
}

// DecodeWorkflowStatusChanged extracts the typed payload of a workflow.status_changed event.
func DecodeWorkflowStatusChanged(e *bus.Event) (WorkflowStatusChangedData, error) {
	var out WorkflowStatusChangedData
	return out, fromMap(e, WorkflowStatusChanged, &out)
}

// toMap converts a typed payload to the generic event data mapping. Events
// must survive a JSON round-trip for the NATS transport, so the mapping is
// produced the same way it will be decoded.
func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func fromMap(e *bus.Event, wantType string, out any) error {
	if e.Type != wantType {
		return fmt.Errorf("unexpected event type %q, want %q", e.Type, wantType)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", wantType, err)
	}
	return nil
}
