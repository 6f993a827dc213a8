package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/internal/envelope"
)

func TestDefaultDefinitions(t *testing.T) {
	defs := DefaultDefinitions()

	assert.ElementsMatch(t, []string{"app", "feature", "bugfix"}, defs.Types())

	first, err := defs.FirstStage("app")
	require.NoError(t, err)
	assert.Equal(t, StageInitialization, first.Name)
	assert.Equal(t, envelope.AgentTypePlanning, first.AgentType)

	// The app pipeline walks all six stages in order.
	want := []string{
		StageInitialization, StageScaffolding, StageValidation,
		StageE2E, StageIntegration, StageDeployment,
	}
	stage := first.Name
	for i := 1; i < len(want); i++ {
		next, ok, err := defs.NextStage("app", stage)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want[i], next.Name)
		stage = next.Name
	}
	_, ok, err := defs.NextStage("app", StageDeployment)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deployment is gated on a human decision.
	deploy, err := defs.Stage("app", StageDeployment)
	require.NoError(t, err)
	assert.True(t, deploy.DecisionGate)

	_, err = defs.FirstStage("hotfix")
	require.Error(t, err)
}

func TestDefinitions_Progress(t *testing.T) {
	defs := DefaultDefinitions()

	assert.Equal(t, 0, defs.Progress("app", StageInitialization))
	assert.Equal(t, 16, defs.Progress("app", StageScaffolding))
	assert.Equal(t, 50, defs.Progress("app", StageE2E))
	assert.Equal(t, 83, defs.Progress("app", StageDeployment))
	assert.Equal(t, 100, defs.Progress("app", StageCompleted))

	// bugfix has four stages.
	assert.Equal(t, 25, defs.Progress("bugfix", StageValidation))
}

func TestDefinitions_IsForward(t *testing.T) {
	defs := DefaultDefinitions()

	assert.True(t, defs.IsForward("app", StageInitialization, StageScaffolding))
	assert.True(t, defs.IsForward("app", StageValidation, StageDeployment))
	assert.False(t, defs.IsForward("app", StageValidation, StageScaffolding))
	assert.False(t, defs.IsForward("app", StageValidation, StageValidation))
	assert.False(t, defs.IsForward("app", StageValidation, "unknown"))
}

func TestLoadDefinitions_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	content := `workflows:
  - type: hotfix
    stages:
      - name: validation
        agent_type: validation
        timeout_ms: 60000
        max_retries: 1
      - name: deployment
        agent_type: deployment
        timeout_ms: 120000
        max_retries: 1
        decision_gate: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	assert.True(t, defs.Known("hotfix"))
	assert.False(t, defs.Known("app"))

	first, err := defs.FirstStage("hotfix")
	require.NoError(t, err)
	assert.Equal(t, StageValidation, first.Name)
}

func TestLoadDefinitions_EmptyPathUsesDefaults(t *testing.T) {
	defs, err := LoadDefinitions("")
	require.NoError(t, err)
	assert.True(t, defs.Known("app"))
}

func TestLoadDefinitions_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no types", `workflows: []`},
		{"unknown agent type", `workflows:
  - type: x
    stages:
      - name: validation
        agent_type: janitor
        timeout_ms: 1000
`},
		{"duplicate stage", `workflows:
  - type: x
    stages:
      - name: validation
        agent_type: validation
        timeout_ms: 1000
      - name: validation
        agent_type: validation
        timeout_ms: 1000
`},
		{"zero timeout", `workflows:
  - type: x
    stages:
      - name: validation
        agent_type: validation
        timeout_ms: 0
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "workflows.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := LoadDefinitions(path)
			require.Error(t, err)
		})
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	assert.True(t, TaskPending.CanTransitionTo(TaskDispatched))
	assert.True(t, TaskDispatched.CanTransitionTo(TaskSucceeded))
	assert.True(t, TaskDispatched.CanTransitionTo(TaskTimedOut))
	assert.False(t, TaskSucceeded.CanTransitionTo(TaskDispatched))
	assert.False(t, TaskTimedOut.CanTransitionTo(TaskFailed))
	assert.False(t, TaskDispatched.CanTransitionTo(TaskPending))
}

func TestWorkflowClone(t *testing.T) {
	w := &Workflow{
		ID:           "wf-1",
		Status:       StatusRunning,
		StageOutputs: map[string]map[string]any{"initialization": {"plan": "ready"}},
		Pending:      &PendingDecision{Stage: StageDeployment},
	}
	c := w.Clone()
	c.StageOutputs["initialization"]["plan"] = "changed"
	c.Pending.Stage = StageValidation

	assert.Equal(t, "ready", w.StageOutputs["initialization"]["plan"])
	assert.Equal(t, StageDeployment, w.Pending.Stage)
}

func TestWorkflowStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusAwaitingDecision.Terminal())
}
