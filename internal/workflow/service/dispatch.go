package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/bus"
	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/common/retry"
	"github.com/flowforge/flowforge/internal/envelope"
	"github.com/flowforge/flowforge/internal/tracing"
	"github.com/flowforge/flowforge/internal/workflow/models"
)

// DispatchStage builds, validates, persists, and publishes the task for
// one stage of a workflow. Implements the state machine's TaskDispatcher.
func (s *Service) DispatchStage(ctx context.Context, workflowID, stage string) error {
	w, err := s.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Terminal() {
		return apperrors.Conflict("workflow " + workflowID + " is " + string(w.Status))
	}

	stageDef, err := s.defs.Stage(w.Type, stage)
	if err != nil {
		return err
	}
	return s.dispatchTask(ctx, w, stageDef, 0)
}

// dispatchTask issues one dispatch attempt. Retries re-enter here with an
// incremented retryCount and fresh identifiers.
func (s *Service) dispatchTask(ctx context.Context, w *models.Workflow, stageDef models.StageDef, retryCount int) error {
	start := time.Now()

	env := s.buildEnvelope(w, stageDef, retryCount)
	payload, err := json.Marshal(env)
	if err != nil {
		return apperrors.FatalError("failed to serialize envelope", err)
	}

	// Producer-side validation: a failure here is a bug in this service,
	// not runtime data, and must never reach the bus.
	if err := s.registry.Validate(envelope.SchemaAgentEnvelope, envelope.EnvelopeVersion, payload); err != nil {
		s.metrics.InvalidMessage(envelope.SchemaAgentEnvelope)
		return fmt.Errorf("envelope rejected before publish: %w", err)
	}

	task := &models.AgentTask{
		TaskID:       env.TaskID,
		WorkflowID:   w.ID,
		AgentType:    stageDef.AgentType,
		Stage:        stageDef.Name,
		Status:       models.TaskPending,
		RetryCount:   retryCount,
		MaxRetries:   stageDef.MaxRetries,
		TimeoutMs:    stageDef.TimeoutMs,
		MessageID:    env.MessageID,
		Envelope:     payload,
		TraceID:      env.Trace.TraceID,
		SpanID:       env.Trace.SpanID,
		ParentSpanID: env.Trace.ParentSpanID,
		Deadline:     time.Now().UTC().Add(time.Duration(stageDef.TimeoutMs) * time.Millisecond),
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return err
	}

	topic := envelope.TaskTopic(stageDef.AgentType)
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.msgBus.Publish(ctx, topic, payload, bus.PublishOptions{
			Key:            w.ID,
			MirrorToStream: envelope.TaskStream(stageDef.AgentType),
		})
	})
	if err != nil {
		// The sweeper only scans dispatched rows, so a task whose publish
		// never went out must not linger in pending.
		s.markTask(ctx, s.logger.WithWorkflowID(w.ID).WithStage(stageDef.Name), task.TaskID, models.TaskFailed)
		return err
	}
	s.metrics.MessagePublished(topic)

	if err := s.repo.UpdateTaskStatus(ctx, task.TaskID, models.TaskDispatched); err != nil {
		return err
	}
	s.metrics.ObserveDispatch(time.Since(start).Seconds())

	s.logger.WithWorkflowID(w.ID).WithStage(stageDef.Name).WithMessageID(env.MessageID).Info("task dispatched",
		zap.String("task_id", task.TaskID),
		zap.String("agent_type", string(stageDef.AgentType)),
		zap.Int("retry_count", retryCount),
		zap.Int64("timeout_ms", stageDef.TimeoutMs))
	return nil
}

// buildEnvelope populates a v2.0.0 envelope from the workflow, including
// the cumulative outputs of prior stages. Identifiers are fresh per
// attempt; the trace id alone is inherited.
func (s *Service) buildEnvelope(w *models.Workflow, stageDef models.StageDef, retryCount int) *envelope.AgentEnvelope {
	outputs := make(map[string]map[string]any, len(w.StageOutputs))
	for stage, output := range w.StageOutputs {
		outputs[stage] = output
	}

	payload := map[string]any{
		"workflow_name": w.Name,
		"description":   w.Description,
		"stage":         stageDef.Name,
	}
	if len(w.Requirements) > 0 {
		payload["requirements"] = w.Requirements
	}

	priority := envelope.Priority(w.Priority)
	if !priority.Valid() {
		priority = envelope.PriorityMedium
	}

	return &envelope.AgentEnvelope{
		MessageID:  uuid.New().String(),
		TaskID:     uuid.New().String(),
		WorkflowID: w.ID,
		AgentType:  stageDef.AgentType,
		Payload:    payload,
		Constraints: envelope.Constraints{
			TimeoutMs:          stageDef.TimeoutMs,
			MaxRetries:         stageDef.MaxRetries,
			RequiredConfidence: s.dispatch.RequiredConfidence,
		},
		RetryCount: retryCount,
		Priority:   priority,
		Status:     "pending",
		Metadata: envelope.Metadata{
			EnvelopeVersion: envelope.EnvelopeVersion,
			CreatedAt:       time.Now().UTC(),
			CreatedBy:       source,
		},
		Trace: envelope.Trace{
			TraceID:      w.TraceID,
			SpanID:       tracing.NewSpanID(),
			ParentSpanID: w.SpanID,
		},
		WorkflowContext: envelope.WorkflowContext{
			WorkflowType: w.Type,
			WorkflowName: w.Name,
			CurrentStage: stageDef.Name,
			StageOutputs: outputs,
		},
	}
}
