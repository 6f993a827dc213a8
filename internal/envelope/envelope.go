// Package envelope defines the wire contract between the orchestrator and
// agents: the task envelope, the result envelope, and the schema registry
// that validates both at the publish and the consume boundary.
package envelope

import (
	"strconv"
	"time"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/tracing"
)

// Schema names and current versions.
const (
	SchemaAgentEnvelope = "agent.envelope"
	SchemaAgentResult   = "agent.result"

	EnvelopeVersion = "2.0.0"
	ResultVersion   = "1.0.0"
)

// AgentType identifies the kind of agent a task is addressed to. The type
// selects the dispatch topic (agent:{type}:tasks).
type AgentType string

const (
	AgentTypePlanning    AgentType = "planning"
	AgentTypeScaffolding AgentType = "scaffolding"
	AgentTypeValidation  AgentType = "validation"
	AgentTypeE2E         AgentType = "e2e"
	AgentTypeIntegration AgentType = "integration"
	AgentTypeDeployment  AgentType = "deployment"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypePlanning, AgentTypeScaffolding, AgentTypeValidation,
		AgentTypeE2E, AgentTypeIntegration, AgentTypeDeployment:
		return true
	}
	return false
}

// Priority orders task urgency.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ResultStatus classifies an agent reply.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultPartial ResultStatus = "partial"
	ResultBlocked ResultStatus = "blocked"
)

// Valid reports whether s is a known result status.
func (s ResultStatus) Valid() bool {
	switch s {
	case ResultSuccess, ResultFailure, ResultPartial, ResultBlocked:
		return true
	}
	return false
}

// Trace carries the distributed trace context on every wire message.
type Trace struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// Constraints bound an agent's execution of one task.
type Constraints struct {
	TimeoutMs          int64   `json:"timeout_ms"`
	MaxRetries         int     `json:"max_retries"`
	RequiredConfidence float64 `json:"required_confidence"`
}

// Metadata describes the envelope itself.
type Metadata struct {
	EnvelopeVersion string    `json:"envelope_version"`
	CreatedAt       time.Time `json:"created_at"`
	CreatedBy       string    `json:"created_by"`
}

// WorkflowContext gives the agent the cumulative context of the run,
// including the validated outputs of every prior stage.
type WorkflowContext struct {
	WorkflowType string                    `json:"workflow_type"`
	WorkflowName string                    `json:"workflow_name"`
	CurrentStage string                    `json:"current_stage"`
	StageOutputs map[string]map[string]any `json:"stage_outputs"`
}

// AgentEnvelope is the v2.0.0 wire format for a dispatched task.
type AgentEnvelope struct {
	MessageID       string          `json:"message_id"`
	TaskID          string          `json:"task_id"`
	WorkflowID      string          `json:"workflow_id"`
	AgentType       AgentType       `json:"agent_type"`
	Payload         map[string]any  `json:"payload"`
	Constraints     Constraints     `json:"constraints"`
	RetryCount      int             `json:"retry_count"`
	Priority        Priority        `json:"priority"`
	Status          string          `json:"status"`
	Metadata        Metadata        `json:"metadata"`
	Trace           Trace           `json:"trace"`
	WorkflowContext WorkflowContext `json:"workflow_context"`
}

// ResultError is one structured error reported by an agent.
type ResultError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ResultBody wraps the agent-specific output. Consumers read only
// Result.Output; top-level custom fields on the result are never honored.
type ResultBody struct {
	Output map[string]any `json:"output"`
}

// AgentResult is the v1.0.0 wire format for an agent reply.
type AgentResult struct {
	MessageID  string         `json:"message_id"`
	TaskID     string         `json:"task_id"`
	WorkflowID string         `json:"workflow_id"`
	AgentID    string         `json:"agent_id"`
	AgentType  AgentType      `json:"agent_type"`
	Stage      string         `json:"stage"`
	Success    bool           `json:"success"`
	Status     ResultStatus   `json:"status"`
	Version    string         `json:"version"`
	Result     ResultBody     `json:"result"`
	Errors     []ResultError  `json:"errors"`
	Metrics    map[string]any `json:"metrics"`
	Timestamp  time.Time      `json:"timestamp"`
	Trace      Trace          `json:"trace"`
}

// TaskTopic returns the dispatch topic for an agent type.
func TaskTopic(t AgentType) string {
	return "agent:" + string(t) + ":tasks"
}

// TaskStream returns the durable mirror stream for an agent type's tasks.
func TaskStream(t AgentType) string {
	return "stream:" + TaskTopic(t)
}

// Result topic and its mirror stream, shared by all agents.
const (
	ResultTopic  = "agent:results"
	ResultStream = "stream:agent:results"
)

// CheckEnvelope validates a decoded envelope against the v2.0.0 contract.
// The returned error carries the offending field path.
func CheckEnvelope(e *AgentEnvelope) error {
	if e.MessageID == "" {
		return apperrors.ValidationError("message_id", "required")
	}
	if e.TaskID == "" {
		return apperrors.ValidationError("task_id", "required")
	}
	if e.WorkflowID == "" {
		return apperrors.ValidationError("workflow_id", "required")
	}
	if !e.AgentType.Valid() {
		return apperrors.ValidationError("agent_type", "unknown agent type '"+string(e.AgentType)+"'")
	}
	if e.Payload == nil {
		return apperrors.ValidationError("payload", "required")
	}
	if e.Constraints.TimeoutMs <= 0 {
		return apperrors.ValidationError("constraints.timeout_ms", "must be positive")
	}
	if e.Constraints.MaxRetries < 0 {
		return apperrors.ValidationError("constraints.max_retries", "must not be negative")
	}
	if e.RetryCount < 0 {
		return apperrors.ValidationError("retry_count", "must not be negative")
	}
	if !e.Priority.Valid() {
		return apperrors.ValidationError("priority", "unknown priority '"+string(e.Priority)+"'")
	}
	if e.Metadata.EnvelopeVersion != EnvelopeVersion {
		return apperrors.ValidationError("metadata.envelope_version",
			"unsupported version '"+e.Metadata.EnvelopeVersion+"', want "+EnvelopeVersion)
	}
	if e.Metadata.CreatedAt.IsZero() {
		return apperrors.ValidationError("metadata.created_at", "required")
	}
	if err := checkTrace(e.Trace); err != nil {
		return err
	}
	if e.WorkflowContext.WorkflowType == "" {
		return apperrors.ValidationError("workflow_context.workflow_type", "required")
	}
	if e.WorkflowContext.CurrentStage == "" {
		return apperrors.ValidationError("workflow_context.current_stage", "required")
	}
	return nil
}

// CheckResult validates a decoded result against the v1.0.0 contract.
func CheckResult(r *AgentResult) error {
	if r.MessageID == "" {
		return apperrors.ValidationError("message_id", "required")
	}
	if r.TaskID == "" {
		return apperrors.ValidationError("task_id", "required")
	}
	if r.WorkflowID == "" {
		return apperrors.ValidationError("workflow_id", "required")
	}
	if r.AgentID == "" {
		return apperrors.ValidationError("agent_id", "required")
	}
	if !r.AgentType.Valid() {
		return apperrors.ValidationError("agent_type", "unknown agent type '"+string(r.AgentType)+"'")
	}
	if r.Stage == "" {
		return apperrors.ValidationError("stage", "required")
	}
	if !r.Status.Valid() {
		return apperrors.ValidationError("status", "unknown status '"+string(r.Status)+"'")
	}
	if r.Version != ResultVersion {
		return apperrors.ValidationError("version",
			"unsupported version '"+r.Version+"', want "+ResultVersion)
	}
	if r.Result.Output == nil {
		return apperrors.ValidationError("result.output", "required")
	}
	for i, re := range r.Errors {
		if re.Code == "" {
			return apperrors.ValidationError(fieldAt("errors", i, "code"), "required")
		}
		if re.Message == "" {
			return apperrors.ValidationError(fieldAt("errors", i, "message"), "required")
		}
	}
	if r.Timestamp.IsZero() {
		return apperrors.ValidationError("timestamp", "required")
	}
	return checkTrace(r.Trace)
}

func checkTrace(t Trace) error {
	if !tracing.ValidTraceID(t.TraceID) {
		return apperrors.ValidationError("trace.trace_id", "must be a 32-char hex trace id")
	}
	if t.SpanID == "" {
		return apperrors.ValidationError("trace.span_id", "required")
	}
	return nil
}

func fieldAt(prefix string, i int, field string) string {
	return prefix + "[" + strconv.Itoa(i) + "]." + field
}
