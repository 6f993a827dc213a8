package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/bus"
	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/envelope"
	"github.com/flowforge/flowforge/internal/events"
	"github.com/flowforge/flowforge/internal/kv"
	"github.com/flowforge/flowforge/internal/workflow/models"
)

// casAttempts bounds the stage-output write loop on version contention.
const casAttempts = 5

// handleResult ingests one agent result. A nil return acknowledges the
// stream entry; an error leaves it pending for redelivery or a manual DLQ
// decision.
func (s *Service) handleResult(ctx context.Context, d bus.Delivery) error {
	// Consumer-side validation. The bus is schema-agnostic, so a malformed
	// producer is caught here.
	if err := s.registry.Validate(envelope.SchemaAgentResult, envelope.ResultVersion, d.Payload); err != nil {
		s.metrics.InvalidMessage(envelope.SchemaAgentResult)
		s.logger.WithMessageID(d.MessageID).Error("agent result failed validation",
			zap.String("stream_id", d.StreamID),
			zap.ByteString("payload", d.Payload),
			zap.Error(err))
		return err
	}

	var result envelope.AgentResult
	if err := json.Unmarshal(d.Payload, &result); err != nil {
		return apperrors.ValidationError("$", "malformed result payload: "+err.Error())
	}

	log := s.logger.WithWorkflowID(result.WorkflowID).
		WithStage(result.Stage).
		WithMessageID(result.MessageID).
		WithTraceID(result.Trace.TraceID)

	// Idempotency: first processor of this message id wins; everyone else
	// acknowledges and drops.
	first, err := kv.MarkSeen(ctx, s.store, result.MessageID, s.dispatch.DedupTTL())
	if err != nil {
		return err
	}
	if !first {
		s.metrics.DuplicateResult()
		log.Debug("duplicate result dropped")
		return nil
	}

	if err := s.processResult(ctx, log, &result); err != nil {
		// Roll the marker back so a redelivery can retry the work.
		if delErr := s.store.Del(context.WithoutCancel(ctx), kv.SeenKey(result.MessageID)); delErr != nil {
			log.Warn("failed to roll back dedup marker", zap.Error(delErr))
		}
		return err
	}

	s.metrics.ResultConsumed()
	return nil
}

// processResult serializes per-workflow processing behind the distributed
// lock and applies the result.
func (s *Service) processResult(ctx context.Context, log *logger.Logger, result *envelope.AgentResult) error {
	if err := s.locker.Acquire(ctx, result.WorkflowID); err != nil {
		// Persistent contention: release the entry for another worker.
		return err
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), result.WorkflowID); err != nil {
			log.Warn("failed to release workflow lock", zap.Error(err))
		}
	}()

	w, err := s.repo.GetWorkflow(ctx, result.WorkflowID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			log.Warn("result for unknown workflow dropped")
			return nil
		}
		return err
	}
	if w.Terminal() {
		log.Warn("result for terminal workflow dropped",
			zap.String("status", string(w.Status)))
		return nil
	}

	// Stage gate: a stale result must not touch a workflow that has
	// already advanced.
	if w.CurrentStage != result.Stage {
		log.Warn("result for non-current stage dropped",
			zap.String("current_stage", w.CurrentStage))
		return nil
	}

	if result.Success {
		return s.applySuccess(ctx, log, w, result)
	}
	return s.applyFailure(ctx, log, w, result)
}

// applySuccess writes the stage output exactly once and announces the
// completion.
func (s *Service) applySuccess(ctx context.Context, log *logger.Logger, w *models.Workflow, result *envelope.AgentResult) error {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		if output, written := w.StageOutputs[result.Stage]; written {
			// A prior delivery persisted the output but its completion
			// event may not have gone out. Re-emitting is safe: the state
			// machine ignores stages it has already advanced past.
			log.Warn("stage output already recorded, re-announcing completion")
			return s.publishStageSuccess(ctx, w, result.Stage, output, result.Trace.TraceID)
		}

		w.StageOutputs[result.Stage] = result.Result.Output
		err := s.repo.UpdateWorkflow(ctx, w, w.Version)
		if err == nil {
			lastErr = nil
			break
		}
		if !apperrors.IsContention(err) {
			return err
		}
		lastErr = err

		w, err = s.repo.GetWorkflow(ctx, result.WorkflowID)
		if err != nil {
			return err
		}
		if w.Terminal() || w.CurrentStage != result.Stage {
			log.Warn("workflow moved during result processing, result dropped")
			return nil
		}
	}
	if lastErr != nil {
		return lastErr
	}

	s.markTask(ctx, log, result.TaskID, models.TaskSucceeded)
	s.metrics.StageTransition(w.Type, result.Stage, "success")

	if err := s.publishStageSuccess(ctx, w, result.Stage, result.Result.Output, result.Trace.TraceID); err != nil {
		return err
	}

	log.Info("stage output recorded",
		zap.String("task_id", result.TaskID),
		zap.Int64("workflow_version", w.Version))
	return nil
}

// publishStageSuccess emits STAGE_COMPLETE for a persisted stage output.
func (s *Service) publishStageSuccess(ctx context.Context, w *models.Workflow, stage string, output map[string]any, traceID string) error {
	event := events.NewStageComplete(source, events.StageCompleteData{
		WorkflowID: w.ID,
		Stage:      stage,
		Success:    true,
		Output:     output,
		TraceID:    traceID,
	})
	if err := s.events.Publish(ctx, events.StageComplete, event); err != nil {
		return apperrors.TransportError("stage completion publish", err)
	}
	return nil
}

// applyFailure marks the attempt failed and either re-dispatches the stage
// or, when the budget is spent or the failure is unrecoverable, announces
// the definitive failure.
func (s *Service) applyFailure(ctx context.Context, log *logger.Logger, w *models.Workflow, result *envelope.AgentResult) error {
	s.markTask(ctx, log, result.TaskID, models.TaskFailed)

	exhausted := s.retriesExhausted(ctx, result)
	stageErrors := make([]events.StageError, 0, len(result.Errors))
	for _, re := range result.Errors {
		stageErrors = append(stageErrors, events.StageError{
			Code:        re.Code,
			Message:     re.Message,
			Recoverable: re.Recoverable,
		})
	}

	event := events.NewStageComplete(source, events.StageCompleteData{
		WorkflowID:       w.ID,
		Stage:            result.Stage,
		Success:          false,
		RetriesExhausted: exhausted,
		Errors:           stageErrors,
		TraceID:          result.Trace.TraceID,
	})
	if err := s.events.Publish(ctx, events.StageComplete, event); err != nil {
		return apperrors.TransportError("stage completion publish", err)
	}

	if exhausted {
		s.metrics.StageTransition(w.Type, result.Stage, "failure")
		log.Warn("stage failed definitively",
			zap.String("task_id", result.TaskID),
			zap.Int("errors", len(result.Errors)))
		return nil
	}

	s.metrics.StageTransition(w.Type, result.Stage, "retry")
	task, err := s.repo.GetTask(ctx, result.TaskID)
	if err != nil {
		return err
	}
	stageDef, err := s.defs.Stage(w.Type, result.Stage)
	if err != nil {
		return err
	}
	log.Info("stage failed, re-dispatching",
		zap.Int("retry_count", task.RetryCount+1),
		zap.Int("max_retries", task.MaxRetries))
	return s.dispatchTask(ctx, w, stageDef, task.RetryCount+1)
}

// retriesExhausted decides whether a failed result ends the stage: either
// the attempt budget is spent or the agent reported an unrecoverable error.
func (s *Service) retriesExhausted(ctx context.Context, result *envelope.AgentResult) bool {
	for _, re := range result.Errors {
		if !re.Recoverable {
			return true
		}
	}
	task, err := s.repo.GetTask(ctx, result.TaskID)
	if err != nil {
		return true
	}
	return task.RetryCount >= task.MaxRetries
}

func (s *Service) markTask(ctx context.Context, log *logger.Logger, taskID string, status models.TaskStatus) {
	if err := s.repo.UpdateTaskStatus(ctx, taskID, status); err != nil && !apperrors.IsNotFound(err) {
		log.Warn("failed to update task status",
			zap.String("task_id", taskID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
