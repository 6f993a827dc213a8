package models

import (
	"time"

	"github.com/flowforge/flowforge/internal/envelope"
)

// Task statuses. Transitions only move forward; a retry produces a fresh
// task row rather than reusing the timed-out one.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDispatched TaskStatus = "dispatched"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskTimedOut   TaskStatus = "timed_out"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskDispatched, TaskSucceeded, TaskFailed, TaskTimedOut:
		return true
	}
	return false
}

// taskOrder assigns each status a rank; transitions must strictly increase,
// with the three terminal states sharing a rank.
var taskOrder = map[TaskStatus]int{
	TaskPending:    0,
	TaskDispatched: 1,
	TaskSucceeded:  2,
	TaskFailed:     2,
	TaskTimedOut:   2,
}

// CanTransitionTo reports whether a task may move from s to next.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	from, okFrom := taskOrder[s]
	to, okTo := taskOrder[next]
	return okFrom && okTo && to > from
}

// AgentTask is one dispatch attempt of one stage to one agent. The full
// serialized envelope is retained for replay and audit.
type AgentTask struct {
	TaskID       string             `json:"task_id" db:"task_id"`
	WorkflowID   string             `json:"workflow_id" db:"workflow_id"`
	AgentType    envelope.AgentType `json:"agent_type" db:"agent_type"`
	Stage        string             `json:"stage" db:"stage"`
	Status       TaskStatus         `json:"status" db:"status"`
	RetryCount   int                `json:"retry_count" db:"retry_count"`
	MaxRetries   int                `json:"max_retries" db:"max_retries"`
	TimeoutMs    int64              `json:"timeout_ms" db:"timeout_ms"`
	MessageID    string             `json:"message_id" db:"message_id"`
	Envelope     []byte             `json:"-" db:"envelope"`
	TraceID      string             `json:"trace_id" db:"trace_id"`
	SpanID       string             `json:"span_id" db:"span_id"`
	ParentSpanID string             `json:"parent_span_id" db:"parent_span_id"`
	Deadline     time.Time          `json:"deadline" db:"deadline"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" db:"updated_at"`
}
