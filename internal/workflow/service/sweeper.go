package service

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/events"
	"github.com/flowforge/flowforge/internal/workflow/models"
)

// sweepTimeout bounds one full sweep pass.
const sweepTimeout = 30 * time.Second

// sweepLoop periodically times out dispatched tasks whose agents never
// answered. Agents are external processes, so a crashed agent leaves its
// task dispatched forever without this.
func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.dispatch.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			s.sweep(ctx)
			cancel()
		}
	}
}

// sweep finds every dispatched task past its deadline and either re-issues
// the stage or declares it failed.
func (s *Service) sweep(ctx context.Context) {
	overdue, err := s.repo.ListTasksPastDeadline(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("sweeper failed to list overdue tasks", zap.Error(err))
		return
	}

	for _, task := range overdue {
		if err := s.expireTask(ctx, task); err != nil {
			s.logger.WithWorkflowID(task.WorkflowID).WithStage(task.Stage).Error("sweeper failed to expire task",
				zap.String("task_id", task.TaskID),
				zap.Error(err))
		}
	}
}

// expireTask transitions one overdue task to timed_out, then retries the
// stage or reports exhaustion to the state machine.
func (s *Service) expireTask(ctx context.Context, task *models.AgentTask) error {
	log := s.logger.WithWorkflowID(task.WorkflowID).WithStage(task.Stage).WithTraceID(task.TraceID)

	// The guarded status update doubles as a claim: with several instances
	// sweeping, only the one that wins the transition handles the task.
	if err := s.repo.UpdateTaskStatus(ctx, task.TaskID, models.TaskTimedOut); err != nil {
		if apperrors.IsContention(err) || apperrors.IsConflict(err) || apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	w, err := s.repo.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if w.Terminal() || w.CurrentStage != task.Stage {
		log.Debug("overdue task is no longer relevant",
			zap.String("task_id", task.TaskID),
			zap.String("current_stage", w.CurrentStage))
		return nil
	}

	if task.RetryCount < task.MaxRetries {
		stageDef, err := s.defs.Stage(w.Type, task.Stage)
		if err != nil {
			return err
		}
		s.metrics.SweeperRetry()
		log.Warn("task timed out, re-dispatching",
			zap.String("task_id", task.TaskID),
			zap.Int("retry_count", task.RetryCount+1),
			zap.Int("max_retries", task.MaxRetries))
		return s.dispatchTask(ctx, w, stageDef, task.RetryCount+1)
	}

	s.metrics.SweeperExhausted()
	s.metrics.StageTransition(w.Type, task.Stage, "timeout")
	log.Warn("task timed out with retries exhausted",
		zap.String("task_id", task.TaskID),
		zap.Int("max_retries", task.MaxRetries))

	event := events.NewStageComplete(source, events.StageCompleteData{
		WorkflowID:       w.ID,
		Stage:            task.Stage,
		Success:          false,
		RetriesExhausted: true,
		Errors: []events.StageError{{
			Code:        "TIMEOUT",
			Message:     "no result within " + strconv.FormatInt(task.TimeoutMs, 10) + "ms",
			Recoverable: false,
		}},
		TraceID: task.TraceID,
	})
	if err := s.events.Publish(ctx, events.StageComplete, event); err != nil {
		return apperrors.TransportError("stage completion publish", err)
	}
	return nil
}
