// Package engine hosts the workflow state machine: the sole writer of a
// workflow's current_stage and status. Transitions are driven exclusively
// by internal events; result ingestion and task dispatch live in the
// workflow service.
package engine

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/events"
	evbus "github.com/flowforge/flowforge/internal/events/bus"
	"github.com/flowforge/flowforge/internal/workflow/models"
	"github.com/flowforge/flowforge/internal/workflow/repository"
)

const source = "state-machine"

// casAttempts bounds the reload-and-reapply loop on version contention.
const casAttempts = 5

// TaskDispatcher creates and publishes the task for a stage the state
// machine just entered. Implemented by the workflow service.
type TaskDispatcher interface {
	DispatchStage(ctx context.Context, workflowID, stage string) error
}

// Engine consumes workflow lifecycle events and persists transitions with
// optimistic concurrency. Transitions are pure functions of (workflow,
// event), so a CAS conflict is resolved by reloading and recomputing.
type Engine struct {
	repo       repository.Repository
	defs       *models.Definitions
	events     evbus.EventBus
	dispatcher TaskDispatcher
	logger     *logger.Logger

	subs []evbus.Subscription
}

// New creates the state machine service.
func New(repo repository.Repository, defs *models.Definitions, eventBus evbus.EventBus, dispatcher TaskDispatcher, log *logger.Logger) *Engine {
	return &Engine{
		repo:       repo,
		defs:       defs,
		events:     eventBus,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", source)),
	}
}

// Start subscribes to the lifecycle subjects. Stage completions use a queue
// group so exactly one engine instance transitions each workflow.
func (e *Engine) Start(ctx context.Context) error {
	sub, err := e.events.QueueSubscribe(events.StageComplete, "workflow-engine", func(ctx context.Context, ev *evbus.Event) error {
		data, err := events.DecodeStageComplete(ev)
		if err != nil {
			return err
		}
		return e.HandleStageComplete(ctx, data)
	})
	if err != nil {
		return err
	}
	e.subs = append(e.subs, sub)

	sub, err = e.events.QueueSubscribe(events.WorkflowCreated, "workflow-engine", func(ctx context.Context, ev *evbus.Event) error {
		data, err := events.DecodeWorkflowCreated(ev)
		if err != nil {
			return err
		}
		return e.HandleWorkflowCreated(ctx, data)
	})
	if err != nil {
		return err
	}
	e.subs = append(e.subs, sub)

	sub, err = e.events.QueueSubscribe(events.DecisionResolved, "workflow-engine", func(ctx context.Context, ev *evbus.Event) error {
		data, err := events.DecodeDecisionResolved(ev)
		if err != nil {
			return err
		}
		return e.HandleDecisionResolved(ctx, data)
	})
	if err != nil {
		return err
	}
	e.subs = append(e.subs, sub)

	e.logger.Info("state machine subscribed to lifecycle events")
	return nil
}

// Stop detaches the event subscriptions.
func (e *Engine) Stop() {
	for _, sub := range e.subs {
		_ = sub.Unsubscribe()
	}
	e.subs = nil
}

// HandleWorkflowCreated moves a freshly persisted workflow into running.
func (e *Engine) HandleWorkflowCreated(ctx context.Context, ev events.WorkflowCreatedData) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		w, err := e.repo.GetWorkflow(ctx, ev.WorkflowID)
		if err != nil {
			return err
		}
		if w.Status != models.StatusInitiated {
			return nil
		}

		w.Status = models.StatusRunning
		err = e.repo.UpdateWorkflow(ctx, w, w.Version)
		if err == nil {
			e.publishStatusChanged(ctx, w)
			return nil
		}
		if !apperrors.IsContention(err) {
			return err
		}
	}
	return apperrors.ContentionError("workflow " + ev.WorkflowID + " update kept conflicting")
}

// HandleStageComplete applies a stage completion to the workflow.
func (e *Engine) HandleStageComplete(ctx context.Context, ev events.StageCompleteData) error {
	log := e.logger.WithWorkflowID(ev.WorkflowID).WithStage(ev.Stage)

	applied, w, err := e.applyWithRetry(ctx, ev.WorkflowID, func(w *models.Workflow) (transition, bool, error) {
		return computeStageComplete(e.defs, w, ev)
	})
	if err != nil {
		return err
	}
	if !applied {
		log.Debug("stage completion caused no transition",
			zap.Bool("success", ev.Success),
			zap.Bool("retries_exhausted", ev.RetriesExhausted))
		return nil
	}

	log.Info("workflow transitioned",
		zap.String("status", string(w.Status)),
		zap.String("current_stage", w.CurrentStage),
		zap.Int("progress", w.Progress))
	e.publishStatusChanged(ctx, w)

	if w.Status == models.StatusRunning && w.CurrentStage != ev.Stage {
		if err := e.dispatcher.DispatchStage(ctx, w.ID, w.CurrentStage); err != nil {
			log.Error("failed to dispatch next stage task",
				zap.String("next_stage", w.CurrentStage),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// HandleDecisionResolved resumes or fails a workflow parked at a decision
// gate.
func (e *Engine) HandleDecisionResolved(ctx context.Context, ev events.DecisionResolvedData) error {
	log := e.logger.WithWorkflowID(ev.WorkflowID).WithStage(ev.Stage)

	applied, w, err := e.applyWithRetry(ctx, ev.WorkflowID, func(w *models.Workflow) (transition, bool, error) {
		return computeDecisionResolved(e.defs, w, ev)
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	log.Info("decision applied",
		zap.Bool("approved", ev.Approved),
		zap.String("status", string(w.Status)),
		zap.String("current_stage", w.CurrentStage))
	e.publishStatusChanged(ctx, w)

	if w.Status == models.StatusRunning {
		if err := e.dispatcher.DispatchStage(ctx, w.ID, w.CurrentStage); err != nil {
			log.Error("failed to dispatch next stage task",
				zap.String("next_stage", w.CurrentStage),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// applyWithRetry runs the load-compute-update loop. compute must be pure so
// recomputation after a version conflict is safe.
func (e *Engine) applyWithRetry(ctx context.Context, workflowID string, compute func(*models.Workflow) (transition, bool, error)) (bool, *models.Workflow, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		w, err := e.repo.GetWorkflow(ctx, workflowID)
		if err != nil {
			return false, nil, err
		}

		tr, apply, err := compute(w)
		if err != nil {
			return false, nil, err
		}
		if !apply {
			return false, w, nil
		}

		w.Status = tr.Status
		w.CurrentStage = tr.Stage
		w.Progress = tr.Progress
		w.Pending = tr.Pending
		if tr.Reason != "" {
			w.FailureReason = tr.Reason
		}

		err = e.repo.UpdateWorkflow(ctx, w, w.Version)
		if err == nil {
			return true, w, nil
		}
		if !apperrors.IsContention(err) {
			return false, nil, err
		}
		lastErr = err
	}
	return false, nil, lastErr
}

func (e *Engine) publishStatusChanged(ctx context.Context, w *models.Workflow) {
	event := events.NewWorkflowStatusChanged(source, events.WorkflowStatusChangedData{
		WorkflowID:   w.ID,
		WorkflowType: w.Type,
		Status:       string(w.Status),
		CurrentStage: w.CurrentStage,
		Progress:     w.Progress,
	})
	if err := e.events.Publish(ctx, events.WorkflowStatusChanged, event); err != nil {
		e.logger.Warn("failed to publish status change",
			zap.String("workflow_id", w.ID),
			zap.Error(err))
	}
}
