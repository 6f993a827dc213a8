package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/events"
	evbus "github.com/flowforge/flowforge/internal/events/bus"
	"github.com/flowforge/flowforge/internal/workflow/models"
	"github.com/flowforge/flowforge/internal/workflow/repository"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []string // "workflowID/stage"
	failErr error
}

func (d *fakeDispatcher) DispatchStage(ctx context.Context, workflowID, stage string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return d.failErr
	}
	d.calls = append(d.calls, workflowID+"/"+stage)
	return nil
}

func (d *fakeDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func newEngine(t *testing.T) (*Engine, *repository.MemoryRepository, *fakeDispatcher) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	dispatcher := &fakeDispatcher{}
	eventBus := evbus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	e := New(repo, models.DefaultDefinitions(), eventBus, dispatcher, logger.Default())
	return e, repo, dispatcher
}

func seedWorkflow(t *testing.T, repo *repository.MemoryRepository, stage string, status models.WorkflowStatus) *models.Workflow {
	t.Helper()
	w := &models.Workflow{
		ID:           "wf-1",
		Type:         "app",
		Name:         "demo",
		CurrentStage: stage,
		Status:       status,
		TraceID:      "0af7651916cd43dd8448eb211c80319c",
	}
	require.NoError(t, repo.CreateWorkflow(context.Background(), w))
	return w
}

func TestHandleWorkflowCreated_MovesToRunning(t *testing.T) {
	ctx := context.Background()
	e, repo, _ := newEngine(t)
	seedWorkflow(t, repo, models.StageInitialization, models.StatusInitiated)

	require.NoError(t, e.HandleWorkflowCreated(ctx, events.WorkflowCreatedData{WorkflowID: "wf-1"}))

	w, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, w.Status)

	// Replay is a no-op.
	require.NoError(t, e.HandleWorkflowCreated(ctx, events.WorkflowCreatedData{WorkflowID: "wf-1"}))
	w, err = repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), w.Version)
}

func TestHandleStageComplete_AdvancesAndDispatchesNext(t *testing.T) {
	ctx := context.Background()
	e, repo, dispatcher := newEngine(t)
	seedWorkflow(t, repo, models.StageInitialization, models.StatusRunning)

	require.NoError(t, e.HandleStageComplete(ctx, events.StageCompleteData{
		WorkflowID: "wf-1",
		Stage:      models.StageInitialization,
		Success:    true,
		Output:     map[string]any{"plan": "ready"},
	}))

	w, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, w.Status)
	assert.Equal(t, models.StageScaffolding, w.CurrentStage)
	assert.Equal(t, 16, w.Progress)
	assert.Equal(t, []string{"wf-1/scaffolding"}, dispatcher.dispatched())
}

func TestHandleStageComplete_LastStageCompletes(t *testing.T) {
	ctx := context.Background()
	e, repo, dispatcher := newEngine(t)

	// bugfix ends at integration, which carries no decision gate.
	w := &models.Workflow{
		ID: "wf-1", Type: "bugfix", Name: "fix",
		CurrentStage: models.StageIntegration, Status: models.StatusRunning,
	}
	require.NoError(t, repo.CreateWorkflow(ctx, w))

	require.NoError(t, e.HandleStageComplete(ctx, events.StageCompleteData{
		WorkflowID: "wf-1", Stage: models.StageIntegration, Success: true,
	}))

	got, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, models.StageCompleted, got.CurrentStage)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, dispatcher.dispatched())
}

func TestHandleStageComplete_FailureWithExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	e, repo, dispatcher := newEngine(t)
	seedWorkflow(t, repo, models.StageValidation, models.StatusRunning)

	require.NoError(t, e.HandleStageComplete(ctx, events.StageCompleteData{
		WorkflowID:       "wf-1",
		Stage:            models.StageValidation,
		Success:          false,
		RetriesExhausted: true,
		Errors:           []events.StageError{{Code: "TEST_FAILURE", Message: "3 tests failed"}},
	}))

	w, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, w.Status)
	assert.Equal(t, models.StageFailed, w.CurrentStage)
	assert.Empty(t, dispatcher.dispatched())
}

func TestHandleStageComplete_FailureWithRetriesLeftIsIgnored(t *testing.T) {
	ctx := context.Background()
	e, repo, _ := newEngine(t)
	seedWorkflow(t, repo, models.StageValidation, models.StatusRunning)

	require.NoError(t, e.HandleStageComplete(ctx, events.StageCompleteData{
		WorkflowID: "wf-1",
		Stage:      models.StageValidation,
		Success:    false,
	}))

	w, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, w.Status)
	assert.Equal(t, models.StageValidation, w.CurrentStage)
}

func TestHandleStageComplete_StaleStageIsIgnored(t *testing.T) {
	ctx := context.Background()
	e, repo, dispatcher := newEngine(t)
	seedWorkflow(t, repo, models.StageValidation, models.StatusRunning)

	// A completion for a stage the workflow already left must not rewind.
	require.NoError(t, e.HandleStageComplete(ctx, events.StageCompleteData{
		WorkflowID: "wf-1", Stage: models.StageInitialization, Success: true,
	}))

	w, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageValidation, w.CurrentStage)
	assert.Empty(t, dispatcher.dispatched())
}

func TestHandleStageComplete_TerminalWorkflowIsIgnored(t *testing.T) {
	ctx := context.Background()
	e, repo, _ := newEngine(t)
	seedWorkflow(t, repo, models.StageFailed, models.StatusFailed)

	require.NoError(t, e.HandleStageComplete(ctx, events.StageCompleteData{
		WorkflowID: "wf-1", Stage: models.StageFailed, Success: true,
	}))

	w, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, w.Status)
}

func TestHandleStageComplete_DecisionGateParksWorkflow(t *testing.T) {
	ctx := context.Background()
	e, repo, dispatcher := newEngine(t)
	seedWorkflow(t, repo, models.StageDeployment, models.StatusRunning)

	require.NoError(t, e.HandleStageComplete(ctx, events.StageCompleteData{
		WorkflowID: "wf-1", Stage: models.StageDeployment, Success: true,
	}))

	w, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingDecision, w.Status)
	assert.Equal(t, models.StageDeployment, w.CurrentStage)
	require.NotNil(t, w.Pending)
	assert.Equal(t, models.StageDeployment, w.Pending.Stage)
	assert.Empty(t, dispatcher.dispatched())
}

func TestHandleDecisionResolved_ApprovedCompletes(t *testing.T) {
	ctx := context.Background()
	e, repo, _ := newEngine(t)
	seedWorkflow(t, repo, models.StageDeployment, models.StatusRunning)

	require.NoError(t, e.HandleStageComplete(ctx, events.StageCompleteData{
		WorkflowID: "wf-1", Stage: models.StageDeployment, Success: true,
	}))
	require.NoError(t, e.HandleDecisionResolved(ctx, events.DecisionResolvedData{
		WorkflowID: "wf-1", Stage: models.StageDeployment, Approved: true,
	}))

	// Deployment is the last app stage, so approval completes the run.
	w, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, w.Status)
	assert.Nil(t, w.Pending)
}

func TestHandleDecisionResolved_RejectedFails(t *testing.T) {
	ctx := context.Background()
	e, repo, _ := newEngine(t)
	seedWorkflow(t, repo, models.StageDeployment, models.StatusRunning)

	require.NoError(t, e.HandleStageComplete(ctx, events.StageCompleteData{
		WorkflowID: "wf-1", Stage: models.StageDeployment, Success: true,
	}))
	require.NoError(t, e.HandleDecisionResolved(ctx, events.DecisionResolvedData{
		WorkflowID: "wf-1", Stage: models.StageDeployment, Approved: false,
	}))

	w, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, w.Status)
}

func TestHandleDecisionResolved_NotAwaiting(t *testing.T) {
	ctx := context.Background()
	e, repo, _ := newEngine(t)
	seedWorkflow(t, repo, models.StageValidation, models.StatusRunning)

	err := e.HandleDecisionResolved(ctx, events.DecisionResolvedData{
		WorkflowID: "wf-1", Stage: models.StageValidation, Approved: true,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestStartRoutesEventsToHandlers(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	dispatcher := &fakeDispatcher{}
	eventBus := evbus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	e := New(repo, models.DefaultDefinitions(), eventBus, dispatcher, logger.Default())
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	seedWorkflow(t, repo, models.StageInitialization, models.StatusInitiated)

	statusChanged := make(chan *evbus.Event, 1)
	_, err := eventBus.Subscribe(events.WorkflowStatusChanged, func(ctx context.Context, ev *evbus.Event) error {
		statusChanged <- ev
		return nil
	})
	require.NoError(t, err)

	event := events.NewWorkflowCreated("test", events.WorkflowCreatedData{WorkflowID: "wf-1"})
	require.NoError(t, eventBus.Publish(ctx, events.WorkflowCreated, event))

	ev := <-statusChanged
	data, err := events.DecodeWorkflowStatusChanged(ev)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", data.WorkflowID)
	assert.Equal(t, string(models.StatusRunning), data.Status)
}
