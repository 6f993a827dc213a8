package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/db"
	"github.com/flowforge/flowforge/internal/workflow/models"
)

// SQLRepository stores workflows and tasks in a relational database through
// the shared reader/writer pool. Queries are written with ? placeholders
// and rebound per driver, so the same code serves sqlite and postgres.
type SQLRepository struct {
	pool *db.Pool
}

// NewSQLRepository initializes the schema and returns the repository.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workflow schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	w := r.pool.Writer()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			requirements TEXT NOT NULL DEFAULT '{}',
			priority TEXT NOT NULL DEFAULT 'medium',
			current_stage TEXT NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			progress_percentage INTEGER NOT NULL DEFAULT 0,
			stage_outputs TEXT NOT NULL DEFAULT '{}',
			pending_decision TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT '',
			span_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_tasks (
			task_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			envelope TEXT NOT NULL,
			trace_id TEXT NOT NULL DEFAULT '',
			span_id TEXT NOT NULL DEFAULT '',
			parent_span_id TEXT NOT NULL DEFAULT '',
			deadline TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_type ON workflows(type)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_created_at ON workflows(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tasks_workflow_id ON agent_tasks(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tasks_status_deadline ON agent_tasks(status, deadline)`,
	}
	for _, stmt := range statements {
		if _, err := w.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateWorkflow inserts a new workflow at version 1.
func (r *SQLRepository) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.Version == 0 {
		w.Version = 1
	}
	if w.StageOutputs == nil {
		w.StageOutputs = make(map[string]map[string]any)
	}

	outputsJSON, err := json.Marshal(w.StageOutputs)
	if err != nil {
		return fmt.Errorf("failed to serialize stage outputs: %w", err)
	}
	requirementsJSON, err := marshalRequirements(w.Requirements)
	if err != nil {
		return err
	}
	pendingJSON, err := marshalPending(w.Pending)
	if err != nil {
		return err
	}

	writer := r.pool.Writer()
	_, err = writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO workflows (
			id, type, name, description, requirements, priority,
			current_stage, status, version,
			progress_percentage, stage_outputs, pending_decision, failure_reason,
			trace_id, span_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), w.ID, w.Type, w.Name, w.Description, requirementsJSON, w.Priority,
		w.CurrentStage, w.Status, w.Version,
		w.Progress, string(outputsJSON), pendingJSON, w.FailureReason,
		w.TraceID, w.SpanID, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("workflow '" + w.ID + "' already exists")
		}
		return err
	}
	return nil
}

// GetWorkflow loads one workflow by id.
func (r *SQLRepository) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	ro := r.pool.Reader()
	row := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT id, type, name, description, requirements, priority,
			current_stage, status, version,
			progress_percentage, stage_outputs, pending_decision, failure_reason,
			trace_id, span_id, created_at, updated_at
		FROM workflows WHERE id = ?
	`), id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("workflow", id)
	}
	return w, err
}

// UpdateWorkflow writes the workflow's mutable fields, guarded by the
// version the caller read. A version mismatch yields a contention error.
func (r *SQLRepository) UpdateWorkflow(ctx context.Context, w *models.Workflow, expectedVersion int64) error {
	outputsJSON, err := json.Marshal(w.StageOutputs)
	if err != nil {
		return fmt.Errorf("failed to serialize stage outputs: %w", err)
	}
	pendingJSON, err := marshalPending(w.Pending)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	writer := r.pool.Writer()
	res, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE workflows SET
			current_stage = ?, status = ?, version = ?, progress_percentage = ?,
			stage_outputs = ?, pending_decision = ?, failure_reason = ?,
			span_id = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`), w.CurrentStage, w.Status, expectedVersion+1, w.Progress,
		string(outputsJSON), pendingJSON, w.FailureReason, w.SpanID, now,
		w.ID, expectedVersion)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := r.GetWorkflow(ctx, w.ID); apperrors.IsNotFound(getErr) {
			return getErr
		}
		return apperrors.ContentionError(fmt.Sprintf(
			"workflow %s version %d is stale", w.ID, expectedVersion))
	}

	w.Version = expectedVersion + 1
	w.UpdatedAt = now
	return nil
}

// ListWorkflows returns workflows matching filter, newest first.
func (r *SQLRepository) ListWorkflows(ctx context.Context, filter models.ListFilter, page models.Page) ([]*models.Workflow, error) {
	query := `
		SELECT id, type, name, description, requirements, priority,
			current_stage, status, version,
			progress_percentage, stage_outputs, pending_decision, failure_reason,
			trace_id, span_id, created_at, updated_at
		FROM workflows`
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.CreatedAfter.IsZero() {
		clauses = append(clauses, "created_at > ?")
		args = append(args, filter.CreatedAfter)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, page.Offset)

	ro := r.pool.Reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CreateTask inserts one dispatch attempt.
func (r *SQLRepository) CreateTask(ctx context.Context, t *models.AgentTask) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TaskPending
	}

	writer := r.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO agent_tasks (
			task_id, workflow_id, agent_type, stage, status,
			retry_count, max_retries, timeout_ms, message_id, envelope,
			trace_id, span_id, parent_span_id, deadline, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.TaskID, t.WorkflowID, t.AgentType, t.Stage, t.Status,
		t.RetryCount, t.MaxRetries, t.TimeoutMs, t.MessageID, string(t.Envelope),
		t.TraceID, t.SpanID, t.ParentSpanID, t.Deadline, t.CreatedAt, t.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return apperrors.Conflict("task '" + t.TaskID + "' already exists")
	}
	return err
}

// GetTask loads one task by id.
func (r *SQLRepository) GetTask(ctx context.Context, taskID string) (*models.AgentTask, error) {
	ro := r.pool.Reader()
	row := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT task_id, workflow_id, agent_type, stage, status,
			retry_count, max_retries, timeout_ms, message_id, envelope,
			trace_id, span_id, parent_span_id, deadline, created_at, updated_at
		FROM agent_tasks WHERE task_id = ?
	`), taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", taskID)
	}
	return t, err
}

// UpdateTaskStatus advances one task's status. Backward transitions are
// rejected; concurrent sweepers racing on the same row lose cleanly via the
// status guard in the UPDATE.
func (r *SQLRepository) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	current, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(status) {
		return apperrors.Conflict(fmt.Sprintf(
			"task %s cannot move from %s to %s", taskID, current.Status, status))
	}

	writer := r.pool.Writer()
	res, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE agent_tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?
	`), status, time.Now().UTC(), taskID, current.Status)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.ContentionError("task " + taskID + " changed concurrently")
	}
	return nil
}

// ListTasksPastDeadline returns dispatched tasks whose deadline passed.
func (r *SQLRepository) ListTasksPastDeadline(ctx context.Context, now time.Time) ([]*models.AgentTask, error) {
	ro := r.pool.Reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT task_id, workflow_id, agent_type, stage, status,
			retry_count, max_retries, timeout_ms, message_id, envelope,
			trace_id, span_id, parent_span_id, deadline, created_at, updated_at
		FROM agent_tasks
		WHERE status = ? AND deadline < ?
		ORDER BY deadline ASC
	`), models.TaskDispatched, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.AgentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Health pings the writer connection.
func (r *SQLRepository) Health(ctx context.Context) error {
	if err := r.pool.Writer().PingContext(ctx); err != nil {
		return apperrors.TransportError("database ping", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the bootstrap.
func (r *SQLRepository) Close() error {
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(s scanner) (*models.Workflow, error) {
	w := &models.Workflow{}
	var outputsJSON, requirementsJSON, pendingJSON string
	err := s.Scan(
		&w.ID, &w.Type, &w.Name, &w.Description, &requirementsJSON, &w.Priority,
		&w.CurrentStage, &w.Status,
		&w.Version, &w.Progress, &outputsJSON, &pendingJSON, &w.FailureReason,
		&w.TraceID, &w.SpanID, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if requirementsJSON != "" && requirementsJSON != "{}" {
		if err := json.Unmarshal([]byte(requirementsJSON), &w.Requirements); err != nil {
			return nil, fmt.Errorf("failed to deserialize requirements for %s: %w", w.ID, err)
		}
	}
	w.StageOutputs = make(map[string]map[string]any)
	if outputsJSON != "" && outputsJSON != "{}" {
		if err := json.Unmarshal([]byte(outputsJSON), &w.StageOutputs); err != nil {
			return nil, fmt.Errorf("failed to deserialize stage outputs for %s: %w", w.ID, err)
		}
	}
	if pendingJSON != "" {
		var pending models.PendingDecision
		if err := json.Unmarshal([]byte(pendingJSON), &pending); err != nil {
			return nil, fmt.Errorf("failed to deserialize pending decision for %s: %w", w.ID, err)
		}
		w.Pending = &pending
	}
	return w, nil
}

func scanTask(s scanner) (*models.AgentTask, error) {
	t := &models.AgentTask{}
	var envelopeText string
	err := s.Scan(
		&t.TaskID, &t.WorkflowID, &t.AgentType, &t.Stage, &t.Status,
		&t.RetryCount, &t.MaxRetries, &t.TimeoutMs, &t.MessageID, &envelopeText,
		&t.TraceID, &t.SpanID, &t.ParentSpanID, &t.Deadline, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Envelope = []byte(envelopeText)
	return t, nil
}

func marshalRequirements(req map[string]any) (string, error) {
	if len(req) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to serialize requirements: %w", err)
	}
	return string(data), nil
}

func marshalPending(p *models.PendingDecision) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to serialize pending decision: %w", err)
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
