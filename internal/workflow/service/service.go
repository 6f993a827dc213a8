// Package service hosts the workflow service: the only writer of agent
// tasks and stage outputs, and the only component that dispatches tasks to
// agents and ingests their results.
package service

import (
	"context"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/bus"
	"github.com/flowforge/flowforge/internal/common/config"
	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/common/retry"
	"github.com/flowforge/flowforge/internal/envelope"
	"github.com/flowforge/flowforge/internal/events"
	evbus "github.com/flowforge/flowforge/internal/events/bus"
	"github.com/flowforge/flowforge/internal/kv"
	"github.com/flowforge/flowforge/internal/metrics"
	"github.com/flowforge/flowforge/internal/tracing"
	"github.com/flowforge/flowforge/internal/workflow/models"
	"github.com/flowforge/flowforge/internal/workflow/repository"
)

const source = "workflow-service"

// ResultConsumerGroup is the consumer group competing over the mirrored
// result stream. All orchestrator instances share it.
const ResultConsumerGroup = "orchestrator-workflow-service"

// Service implements workflow CRUD, task dispatch, result ingestion, and
// the timeout sweeper.
type Service struct {
	repo     repository.Repository
	defs     *models.Definitions
	msgBus   bus.MessageBus
	store    kv.Store
	locker   *kv.Locker
	registry *envelope.Registry
	events   evbus.EventBus
	metrics  *metrics.Metrics
	dispatch config.DispatchConfig
	policy   retry.Policy
	workerID string
	logger   *logger.Logger

	resultSub bus.Subscription
	sweepStop chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// Deps collects the service's dependencies.
type Deps struct {
	Repo     repository.Repository
	Defs     *models.Definitions
	MsgBus   bus.MessageBus
	Store    kv.Store
	Registry *envelope.Registry
	Events   evbus.EventBus
	Metrics  *metrics.Metrics
	Dispatch config.DispatchConfig
	Retry    retry.Policy
	Logger   *logger.Logger
}

// New wires the workflow service. The worker id identifies this process in
// the consumer group and as the lock owner.
func New(d Deps) *Service {
	workerID := workerIdentity()
	return &Service{
		repo:      d.Repo,
		defs:      d.Defs,
		msgBus:    d.MsgBus,
		store:     d.Store,
		locker:    kv.NewLocker(d.Store, workerID, d.Dispatch.LockTTL()),
		registry:  d.Registry,
		events:    d.Events,
		metrics:   d.Metrics,
		dispatch:  d.Dispatch,
		policy:    d.Retry,
		workerID:  workerID,
		logger:    d.Logger.WithFields(zap.String("component", source)),
		sweepStop: make(chan struct{}),
	}
}

// WorkerID returns this instance's identity within the consumer group.
func (s *Service) WorkerID() string {
	return s.workerID
}

// Start opens the service-lifetime result subscription and launches the
// timeout sweeper. The subscription joins the shared consumer group
// against the mirrored result stream, so pending entries from a previous
// run are replayed before new ones arrive.
func (s *Service) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		s.resultSub, err = s.msgBus.Subscribe(ctx, envelope.ResultTopic, s.handleResult, bus.SubscribeOptions{
			ConsumerGroup: ResultConsumerGroup,
			Stream:        envelope.ResultStream,
			Consumer:      s.workerID,
		})
		if err != nil {
			return
		}

		s.wg.Add(1)
		go s.sweepLoop()

		s.logger.Info("workflow service started",
			zap.String("worker_id", s.workerID),
			zap.String("consumer_group", ResultConsumerGroup))
	})
	return err
}

// Stop detaches the result subscription and stops the sweeper.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.resultSub != nil {
			_ = s.resultSub.Unsubscribe()
		}
		close(s.sweepStop)
		s.wg.Wait()
		s.logger.Info("workflow service stopped")
	})
}

// CreateRequest describes a new workflow. Requirements is free-form input
// handed to every dispatched agent; Priority defaults to medium.
type CreateRequest struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Requirements map[string]any `json:"requirements"`
	Priority     string         `json:"priority"`

	// TraceID correlates the workflow with the creating request. Generated
	// when absent or malformed.
	TraceID string `json:"-"`
}

// CreateWorkflow persists the workflow, announces it, and dispatches the
// first stage's task.
func (s *Service) CreateWorkflow(ctx context.Context, req CreateRequest) (*models.Workflow, error) {
	if req.Name == "" {
		return nil, apperrors.ValidationError("name", "required")
	}
	if !s.defs.Known(req.Type) {
		return nil, apperrors.ValidationError("type", "unknown workflow type '"+req.Type+"'")
	}
	first, err := s.defs.FirstStage(req.Type)
	if err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == "" {
		priority = string(envelope.PriorityMedium)
	}
	if !envelope.Priority(priority).Valid() {
		return nil, apperrors.ValidationError("priority", "unknown priority '"+req.Priority+"'")
	}

	traceID := req.TraceID
	if !tracing.ValidTraceID(traceID) {
		traceID = tracing.NewTraceID()
	}

	w := &models.Workflow{
		ID:           uuid.New().String(),
		Type:         req.Type,
		Name:         req.Name,
		Description:  req.Description,
		Requirements: req.Requirements,
		Priority:     priority,
		CurrentStage: first.Name,
		Status:       models.StatusInitiated,
		Progress:     0,
		StageOutputs: make(map[string]map[string]any),
		TraceID:      traceID,
		SpanID:       tracing.NewSpanID(),
	}
	if err := s.repo.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}

	log := s.logger.WithWorkflowID(w.ID).WithTraceID(traceID)
	log.Info("workflow created",
		zap.String("type", w.Type),
		zap.String("name", w.Name))

	event := events.NewWorkflowCreated(source, events.WorkflowCreatedData{
		WorkflowID:   w.ID,
		WorkflowType: w.Type,
		Name:         w.Name,
		TraceID:      w.TraceID,
	})
	if err := s.events.Publish(ctx, events.WorkflowCreated, event); err != nil {
		log.Warn("failed to announce workflow creation", zap.Error(err))
	}

	if err := s.DispatchStage(ctx, w.ID, first.Name); err != nil {
		log.Error("failed to dispatch initial stage task", zap.Error(err))
		return nil, err
	}
	return w, nil
}

// GetWorkflow reads one workflow.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return s.repo.GetWorkflow(ctx, id)
}

// ListWorkflows reads workflows matching filter.
func (s *Service) ListWorkflows(ctx context.Context, filter models.ListFilter, page models.Page) ([]*models.Workflow, error) {
	return s.repo.ListWorkflows(ctx, filter, page)
}

// CancelWorkflow fails a non-terminal workflow with a cancellation reason.
func (s *Service) CancelWorkflow(ctx context.Context, id, reason string) (*models.Workflow, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}

	for attempt := 0; attempt < 5; attempt++ {
		w, err := s.repo.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if w.Terminal() {
			return nil, apperrors.Conflict("workflow " + id + " is already " + string(w.Status))
		}

		w.Status = models.StatusFailed
		w.CurrentStage = models.StageFailed
		w.Pending = nil
		w.FailureReason = reason

		err = s.repo.UpdateWorkflow(ctx, w, w.Version)
		if err == nil {
			s.logger.WithWorkflowID(id).Info("workflow cancelled", zap.String("reason", reason))
			s.publishStatusChanged(ctx, w)
			return w, nil
		}
		if !apperrors.IsContention(err) {
			return nil, err
		}
	}
	return nil, apperrors.ContentionError("workflow " + id + " update kept conflicting")
}

// ResolveDecision validates a decision against the workflow's pending gate
// and emits DECISION_RESOLVED for the state machine.
func (s *Service) ResolveDecision(ctx context.Context, id string, approved bool, decidedBy, reason string) error {
	w, err := s.repo.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != models.StatusAwaitingDecision || w.Pending == nil {
		return apperrors.Conflict("workflow " + id + " is not awaiting a decision")
	}

	event := events.NewDecisionResolved(source, events.DecisionResolvedData{
		WorkflowID: id,
		Stage:      w.Pending.Stage,
		Approved:   approved,
		DecidedBy:  decidedBy,
		Reason:     reason,
	})
	if err := s.events.Publish(ctx, events.DecisionResolved, event); err != nil {
		return apperrors.TransportError("decision publish", err)
	}

	s.logger.WithWorkflowID(id).WithStage(w.Pending.Stage).Info("decision resolved",
		zap.Bool("approved", approved),
		zap.String("decided_by", decidedBy))
	return nil
}

func (s *Service) publishStatusChanged(ctx context.Context, w *models.Workflow) {
	event := events.NewWorkflowStatusChanged(source, events.WorkflowStatusChangedData{
		WorkflowID:   w.ID,
		WorkflowType: w.Type,
		Status:       string(w.Status),
		CurrentStage: w.CurrentStage,
		Progress:     w.Progress,
	})
	if err := s.events.Publish(ctx, events.WorkflowStatusChanged, event); err != nil {
		s.logger.Warn("failed to publish status change",
			zap.String("workflow_id", w.ID),
			zap.Error(err))
	}
}

// workerIdentity derives a stable-enough consumer and lock-owner id.
func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "flowforge"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
