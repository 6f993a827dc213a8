package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/workflow/models"
)

// MemoryRepository is an in-memory Repository with the same optimistic
// concurrency semantics as the SQL implementation. Used in tests and as a
// fake for the services.
type MemoryRepository struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	tasks     map[string]*models.AgentTask
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		workflows: make(map[string]*models.Workflow),
		tasks:     make(map[string]*models.AgentTask),
	}
}

// CreateWorkflow inserts a new workflow at version 1.
func (r *MemoryRepository) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[w.ID]; exists {
		return apperrors.Conflict("workflow '" + w.ID + "' already exists")
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.Version == 0 {
		w.Version = 1
	}
	if w.StageOutputs == nil {
		w.StageOutputs = make(map[string]map[string]any)
	}
	r.workflows[w.ID] = w.Clone()
	return nil
}

// GetWorkflow loads one workflow by id.
func (r *MemoryRepository) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workflows[id]
	if !ok {
		return nil, apperrors.NotFound("workflow", id)
	}
	return w.Clone(), nil
}

// UpdateWorkflow applies the update when the stored version still matches.
func (r *MemoryRepository) UpdateWorkflow(ctx context.Context, w *models.Workflow, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.workflows[w.ID]
	if !ok {
		return apperrors.NotFound("workflow", w.ID)
	}
	if stored.Version != expectedVersion {
		return apperrors.ContentionError(fmt.Sprintf(
			"workflow %s version %d is stale", w.ID, expectedVersion))
	}

	updated := w.Clone()
	updated.Version = expectedVersion + 1
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	r.workflows[w.ID] = updated

	w.Version = updated.Version
	w.UpdatedAt = updated.UpdatedAt
	return nil
}

// ListWorkflows returns workflows matching filter, newest first.
func (r *MemoryRepository) ListWorkflows(ctx context.Context, filter models.ListFilter, page models.Page) ([]*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Workflow
	for _, w := range r.workflows {
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		if filter.Type != "" && w.Type != filter.Type {
			continue
		}
		if !filter.CreatedAfter.IsZero() && !w.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		matched = append(matched, w.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if page.Offset >= len(matched) {
		return nil, nil
	}
	end := page.Offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[page.Offset:end], nil
}

// CreateTask inserts one dispatch attempt.
func (r *MemoryRepository) CreateTask(ctx context.Context, t *models.AgentTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[t.TaskID]; exists {
		return apperrors.Conflict("task '" + t.TaskID + "' already exists")
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	copied := *t
	r.tasks[t.TaskID] = &copied
	return nil
}

// GetTask loads one task by id.
func (r *MemoryRepository) GetTask(ctx context.Context, taskID string) (*models.AgentTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	copied := *t
	return &copied, nil
}

// UpdateTaskStatus advances one task's status; backward moves are rejected.
func (r *MemoryRepository) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	if !t.Status.CanTransitionTo(status) {
		return apperrors.Conflict(fmt.Sprintf(
			"task %s cannot move from %s to %s", taskID, t.Status, status))
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ListTasksPastDeadline returns dispatched tasks whose deadline passed.
func (r *MemoryRepository) ListTasksPastDeadline(ctx context.Context, now time.Time) ([]*models.AgentTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.AgentTask
	for _, t := range r.tasks {
		if t.Status == models.TaskDispatched && t.Deadline.Before(now) {
			copied := *t
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

// Health always succeeds.
func (r *MemoryRepository) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (r *MemoryRepository) Close() error {
	return nil
}
