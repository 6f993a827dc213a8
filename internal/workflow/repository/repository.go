// Package repository persists workflows and agent tasks.
package repository

import (
	"context"
	"time"

	"github.com/flowforge/flowforge/internal/workflow/models"
)

// Repository is the persistence port for the workflow services. Workflow
// updates are optimistic: they carry the version the caller read and fail
// with a contention error when another writer advanced it first.
type Repository interface {
	// Workflow operations
	CreateWorkflow(ctx context.Context, w *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	UpdateWorkflow(ctx context.Context, w *models.Workflow, expectedVersion int64) error
	ListWorkflows(ctx context.Context, filter models.ListFilter, page models.Page) ([]*models.Workflow, error)

	// Task operations
	CreateTask(ctx context.Context, t *models.AgentTask) error
	GetTask(ctx context.Context, taskID string) (*models.AgentTask, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error
	ListTasksPastDeadline(ctx context.Context, now time.Time) ([]*models.AgentTask, error)

	// Health pings the underlying store.
	Health(ctx context.Context) error

	Close() error
}

// DefaultPageLimit bounds listings when the caller does not set one.
const DefaultPageLimit = 50
