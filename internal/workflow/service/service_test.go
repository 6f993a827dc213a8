package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/internal/bus"
	"github.com/flowforge/flowforge/internal/common/config"
	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/common/retry"
	"github.com/flowforge/flowforge/internal/envelope"
	"github.com/flowforge/flowforge/internal/events"
	evbus "github.com/flowforge/flowforge/internal/events/bus"
	"github.com/flowforge/flowforge/internal/kv"
	"github.com/flowforge/flowforge/internal/tracing"
	"github.com/flowforge/flowforge/internal/workflow/models"
	"github.com/flowforge/flowforge/internal/workflow/repository"
)

type testEnv struct {
	svc    *Service
	repo   *repository.MemoryRepository
	msgBus *bus.MemoryBus
	store  *kv.MemoryStore
	events *evbus.MemoryEventBus
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, nil)
}

// newTestEnvWith lets a test swap out individual dependencies before the
// service is constructed.
func newTestEnvWith(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	log := logger.Default()
	env := &testEnv{
		repo:   repository.NewMemoryRepository(),
		msgBus: bus.NewMemoryBus(log),
		store:  kv.NewMemoryStore(),
		events: evbus.NewMemoryEventBus(log),
	}
	deps := Deps{
		Repo:     env.repo,
		Defs:     models.DefaultDefinitions(),
		MsgBus:   env.msgBus,
		Store:    env.store,
		Registry: envelope.NewDefaultRegistry(),
		Events:   env.events,
		Dispatch: config.DispatchConfig{
			SweepIntervalMs:    60000,
			LockTTLSeconds:     30,
			DedupTTLHours:      24,
			RequiredConfidence: 0.7,
		},
		Retry:  retry.Policy{Base: time.Millisecond, Cap: 10 * time.Millisecond, MaxAttempts: 2},
		Logger: log,
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.svc = New(deps)
	return env
}

// captureTasks records every envelope published for the given agent type.
func (e *testEnv) captureTasks(t *testing.T, agentType envelope.AgentType) *[]envelope.AgentEnvelope {
	t.Helper()
	var captured []envelope.AgentEnvelope
	_, err := e.msgBus.Subscribe(context.Background(), envelope.TaskTopic(agentType), func(_ context.Context, d bus.Delivery) error {
		var env envelope.AgentEnvelope
		require.NoError(t, json.Unmarshal(d.Payload, &env))
		captured = append(captured, env)
		return nil
	}, bus.SubscribeOptions{})
	require.NoError(t, err)
	return &captured
}

// captureStageComplete relays workflow.stage_complete payloads to a channel.
func (e *testEnv) captureStageComplete(t *testing.T) <-chan events.StageCompleteData {
	t.Helper()
	ch := make(chan events.StageCompleteData, 8)
	_, err := e.events.Subscribe(events.StageComplete, func(_ context.Context, ev *evbus.Event) error {
		data, err := events.DecodeStageComplete(ev)
		if err != nil {
			return err
		}
		ch <- data
		return nil
	})
	require.NoError(t, err)
	return ch
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

func validResult(w *models.Workflow, env envelope.AgentEnvelope, success bool) *envelope.AgentResult {
	status := envelope.ResultSuccess
	if !success {
		status = envelope.ResultFailure
	}
	return &envelope.AgentResult{
		MessageID:  "res-" + env.MessageID,
		TaskID:     env.TaskID,
		WorkflowID: w.ID,
		AgentID:    "agent-test-1",
		AgentType:  env.AgentType,
		Stage:      w.CurrentStage,
		Success:    success,
		Status:     status,
		Version:    envelope.ResultVersion,
		Result:     envelope.ResultBody{Output: map[string]any{"artifact": "plan.md"}},
		Timestamp:  time.Now().UTC(),
		Trace: envelope.Trace{
			TraceID: env.Trace.TraceID,
			SpanID:  tracing.NewSpanID(),
		},
	}
}

func (e *testEnv) deliverResult(t *testing.T, result *envelope.AgentResult) error {
	t.Helper()
	payload, err := json.Marshal(result)
	require.NoError(t, err)
	return e.svc.handleResult(context.Background(), bus.Delivery{
		Topic:     envelope.ResultTopic,
		Payload:   payload,
		MessageID: result.MessageID,
	})
}

func TestCreateWorkflow_DispatchesFirstStage(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.captureTasks(t, envelope.AgentTypePlanning)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{
		Type:         "app",
		Name:         "todo-app",
		Description:  "a todo application",
		Requirements: map[string]any{"language": "go"},
		Priority:     "high",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusInitiated, w.Status)
	assert.Equal(t, "initialization", w.CurrentStage)
	assert.Equal(t, "high", w.Priority)
	assert.True(t, tracing.ValidTraceID(w.TraceID))

	require.Len(t, *tasks, 1)
	sent := (*tasks)[0]
	assert.Equal(t, w.ID, sent.WorkflowID)
	assert.Equal(t, envelope.AgentTypePlanning, sent.AgentType)
	assert.Equal(t, envelope.PriorityHigh, sent.Priority)
	assert.Equal(t, map[string]any{"language": "go"}, sent.Payload["requirements"])
	assert.Equal(t, w.TraceID, sent.Trace.TraceID)
	assert.Equal(t, "initialization", sent.WorkflowContext.CurrentStage)
	assert.Equal(t, envelope.EnvelopeVersion, sent.Metadata.EnvelopeVersion)

	task, err := env.repo.GetTask(context.Background(), sent.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDispatched, task.Status)
	assert.Equal(t, 0, task.RetryCount)
}

func TestCreateWorkflow_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	_, err = env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "mystery", Name: "x"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	_, err = env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "x", Priority: "urgent"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestCreateWorkflow_GeneratesTraceWhenMalformed(t *testing.T) {
	env := newTestEnv(t)
	env.captureTasks(t, envelope.AgentTypePlanning)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{
		Type: "bugfix", Name: "fix-login", TraceID: "not-a-trace",
	})
	require.NoError(t, err)
	assert.True(t, tracing.ValidTraceID(w.TraceID))
	assert.NotEqual(t, "not-a-trace", w.TraceID)
}

func TestHandleResult_SuccessWritesOutputOnce(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.captureTasks(t, envelope.AgentTypePlanning)
	completions := env.captureStageComplete(t)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	result := validResult(w, (*tasks)[0], true)
	require.NoError(t, env.deliverResult(t, result))

	stored, err := env.repo.GetWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	require.Contains(t, stored.StageOutputs, "initialization")
	assert.Equal(t, "plan.md", stored.StageOutputs["initialization"]["artifact"])

	task, err := env.repo.GetTask(context.Background(), result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSucceeded, task.Status)

	data := waitFor(t, completions)
	assert.Equal(t, w.ID, data.WorkflowID)
	assert.Equal(t, "initialization", data.Stage)
	assert.True(t, data.Success)
	assert.Equal(t, result.Trace.TraceID, data.TraceID)
}

func TestHandleResult_DuplicateProcessedOnce(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.captureTasks(t, envelope.AgentTypePlanning)
	completions := env.captureStageComplete(t)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	result := validResult(w, (*tasks)[0], true)
	require.NoError(t, env.deliverResult(t, result))
	before, err := env.repo.GetWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	waitFor(t, completions)

	// Same message id again: acknowledged and dropped without touching
	// state or emitting a second completion.
	require.NoError(t, env.deliverResult(t, result))

	after, err := env.repo.GetWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	select {
	case <-completions:
		t.Fatal("duplicate result emitted a second stage completion")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleResult_SchemaInvalidNotAcked(t *testing.T) {
	env := newTestEnv(t)
	env.captureTasks(t, envelope.AgentTypePlanning)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	err = env.svc.handleResult(context.Background(), bus.Delivery{
		Topic:   envelope.ResultTopic,
		Payload: []byte(`{"message_id":"m-1","workflow_id":"` + w.ID + `"}`),
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	stored, err := env.repo.GetWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.StageOutputs)
}

func TestHandleResult_StaleStageDropped(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.captureTasks(t, envelope.AgentTypePlanning)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	result := validResult(w, (*tasks)[0], true)
	result.Stage = "scaffolding"

	// A nil return acknowledges: a stale result must never be retried.
	require.NoError(t, env.deliverResult(t, result))

	stored, err := env.repo.GetWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.StageOutputs)
}

func TestHandleResult_FailureWithBudgetRedispatches(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.captureTasks(t, envelope.AgentTypePlanning)
	completions := env.captureStageComplete(t)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	result := validResult(w, (*tasks)[0], false)
	result.Errors = []envelope.ResultError{{Code: "AGENT_BUSY", Message: "capacity exceeded", Recoverable: true}}
	require.NoError(t, env.deliverResult(t, result))

	data := waitFor(t, completions)
	assert.False(t, data.Success)
	assert.False(t, data.RetriesExhausted)
	require.Len(t, data.Errors, 1)
	assert.Equal(t, "AGENT_BUSY", data.Errors[0].Code)

	// A fresh attempt went out with new identifiers and a bumped count.
	require.Len(t, *tasks, 2)
	retryEnv := (*tasks)[1]
	assert.Equal(t, 1, retryEnv.RetryCount)
	assert.NotEqual(t, (*tasks)[0].TaskID, retryEnv.TaskID)
	assert.NotEqual(t, (*tasks)[0].MessageID, retryEnv.MessageID)
	assert.Equal(t, w.TraceID, retryEnv.Trace.TraceID)

	task, err := env.repo.GetTask(context.Background(), result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
}

func TestHandleResult_UnrecoverableFailureExhausts(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.captureTasks(t, envelope.AgentTypePlanning)
	completions := env.captureStageComplete(t)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	result := validResult(w, (*tasks)[0], false)
	result.Errors = []envelope.ResultError{{Code: "INVALID_SPEC", Message: "cannot plan this", Recoverable: false}}
	require.NoError(t, env.deliverResult(t, result))

	data := waitFor(t, completions)
	assert.False(t, data.Success)
	assert.True(t, data.RetriesExhausted)

	// No retry attempt for an unrecoverable failure.
	assert.Len(t, *tasks, 1)
}

func TestExpireTask_RedispatchesWithinBudget(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.captureTasks(t, envelope.AgentTypePlanning)

	_, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	first := (*tasks)[0]
	task, err := env.repo.GetTask(context.Background(), first.TaskID)
	require.NoError(t, err)

	require.NoError(t, env.svc.expireTask(context.Background(), task))

	expired, err := env.repo.GetTask(context.Background(), first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskTimedOut, expired.Status)

	require.Len(t, *tasks, 2)
	assert.Equal(t, 1, (*tasks)[1].RetryCount)
}

func TestExpireTask_ExhaustedBudgetReportsFailure(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.captureTasks(t, envelope.AgentTypePlanning)
	completions := env.captureStageComplete(t)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	task, err := env.repo.GetTask(context.Background(), (*tasks)[0].TaskID)
	require.NoError(t, err)
	task.RetryCount = task.MaxRetries

	require.NoError(t, env.svc.expireTask(context.Background(), task))

	data := waitFor(t, completions)
	assert.Equal(t, w.ID, data.WorkflowID)
	assert.False(t, data.Success)
	assert.True(t, data.RetriesExhausted)
	require.Len(t, data.Errors, 1)
	assert.Equal(t, "TIMEOUT", data.Errors[0].Code)

	assert.Len(t, *tasks, 1)
}

func TestExpireTask_SkipsWorkflowThatMovedOn(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.captureTasks(t, envelope.AgentTypePlanning)
	completions := env.captureStageComplete(t)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	task, err := env.repo.GetTask(context.Background(), (*tasks)[0].TaskID)
	require.NoError(t, err)

	// The workflow advanced before the sweeper got to the task.
	w.CurrentStage = "scaffolding"
	require.NoError(t, env.repo.UpdateWorkflow(context.Background(), w, w.Version))

	require.NoError(t, env.svc.expireTask(context.Background(), task))

	assert.Len(t, *tasks, 1)
	select {
	case <-completions:
		t.Fatal("irrelevant task produced a stage completion")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.captureTasks(t, envelope.AgentTypePlanning)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	cancelled, err := env.svc.CancelWorkflow(context.Background(), w.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, cancelled.Status)
	assert.Equal(t, models.StageFailed, cancelled.CurrentStage)
	assert.Equal(t, "no longer needed", cancelled.FailureReason)

	_, err = env.svc.CancelWorkflow(context.Background(), w.ID, "again")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestResolveDecision_RequiresPendingGate(t *testing.T) {
	env := newTestEnv(t)
	env.captureTasks(t, envelope.AgentTypePlanning)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	err = env.svc.ResolveDecision(context.Background(), w.ID, true, "reviewer", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestResolveDecision_EmitsForPendingStage(t *testing.T) {
	env := newTestEnv(t)
	env.captureTasks(t, envelope.AgentTypeDeployment)

	resolved := make(chan events.DecisionResolvedData, 1)
	_, err := env.events.Subscribe(events.DecisionResolved, func(_ context.Context, ev *evbus.Event) error {
		data, err := events.DecodeDecisionResolved(ev)
		if err != nil {
			return err
		}
		resolved <- data
		return nil
	})
	require.NoError(t, err)

	w := &models.Workflow{
		ID:           "wf-gated",
		Type:         "app",
		Name:         "todo-app",
		CurrentStage: "deployment",
		Status:       models.StatusAwaitingDecision,
		StageOutputs: map[string]map[string]any{},
		Pending: &models.PendingDecision{
			Stage:       "deployment",
			Reason:      "stage 'deployment' requires approval",
			RequestedAt: time.Now().UTC(),
		},
		TraceID: tracing.NewTraceID(),
		SpanID:  tracing.NewSpanID(),
	}
	require.NoError(t, env.repo.CreateWorkflow(context.Background(), w))

	require.NoError(t, env.svc.ResolveDecision(context.Background(), w.ID, true, "reviewer", "looks good"))

	data := waitFor(t, resolved)
	assert.Equal(t, w.ID, data.WorkflowID)
	assert.Equal(t, "deployment", data.Stage)
	assert.True(t, data.Approved)
	assert.Equal(t, "reviewer", data.DecidedBy)
}

func TestStartStop_ResultSubscriptionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.captureTasks(t, envelope.AgentTypePlanning)

	require.NoError(t, env.svc.Start(context.Background()))
	defer env.svc.Stop()

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	result := validResult(w, (*tasks)[0], true)
	payload, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, env.msgBus.Publish(context.Background(), envelope.ResultTopic, payload, bus.PublishOptions{}))

	stored, err := env.repo.GetWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.StageOutputs, "initialization")
}

// flakyEventBus fails a bounded number of publishes on one subject and
// delegates everything else.
type flakyEventBus struct {
	evbus.EventBus
	subject  string
	failures int
}

func (f *flakyEventBus) Publish(ctx context.Context, subject string, event *evbus.Event) error {
	if subject == f.subject && f.failures > 0 {
		f.failures--
		return errors.New("event bus unavailable")
	}
	return f.EventBus.Publish(ctx, subject, event)
}

// failingMsgBus records what each publish would have carried, then reports
// a transport failure.
type failingMsgBus struct {
	bus.MessageBus
	published [][]byte
}

func (f *failingMsgBus) Publish(_ context.Context, _ string, payload []byte, _ bus.PublishOptions) error {
	f.published = append(f.published, payload)
	return errors.New("broker unreachable")
}

func TestHandleResult_ReemitsCompletionAfterPublishFailure(t *testing.T) {
	var flaky *flakyEventBus
	env := newTestEnvWith(t, func(d *Deps) {
		flaky = &flakyEventBus{EventBus: d.Events, subject: events.StageComplete, failures: 1}
		d.Events = flaky
	})
	tasks := env.captureTasks(t, envelope.AgentTypePlanning)
	completions := env.captureStageComplete(t)

	w, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.NoError(t, err)

	result := validResult(w, (*tasks)[0], true)

	// First delivery persists the output but the completion publish fails,
	// so the entry stays unacked for redelivery.
	require.Error(t, env.deliverResult(t, result))
	stored, err := env.repo.GetWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	require.Contains(t, stored.StageOutputs, "initialization")

	// Redelivery finds the output already recorded and announces it.
	require.NoError(t, env.deliverResult(t, result))
	data := waitFor(t, completions)
	assert.Equal(t, w.ID, data.WorkflowID)
	assert.Equal(t, "initialization", data.Stage)
	assert.True(t, data.Success)
	assert.Equal(t, "plan.md", data.Output["artifact"])

	// The output itself was written exactly once.
	after, err := env.repo.GetWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Version, after.Version)
	assert.Equal(t, 0, flaky.failures)
}

func TestDispatchTask_MarksTaskFailedWhenPublishFails(t *testing.T) {
	var failing *failingMsgBus
	env := newTestEnvWith(t, func(d *Deps) {
		failing = &failingMsgBus{MessageBus: d.MsgBus}
		d.MsgBus = failing
	})

	_, err := env.svc.CreateWorkflow(context.Background(), CreateRequest{Type: "app", Name: "todo-app"})
	require.Error(t, err)

	require.NotEmpty(t, failing.published)
	var sent envelope.AgentEnvelope
	require.NoError(t, json.Unmarshal(failing.published[0], &sent))

	// The sweeper never scans pending rows, so the failed publish must not
	// leave the task there.
	task, err := env.repo.GetTask(context.Background(), sent.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
}
