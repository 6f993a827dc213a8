package engine

import (
	"time"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/events"
	"github.com/flowforge/flowforge/internal/workflow/models"
)

// transition is the computed outcome of applying one event to a workflow.
// Applying it is a plain field assignment, so a CAS retry can recompute and
// reapply safely.
type transition struct {
	Status   models.WorkflowStatus
	Stage    string
	Progress int
	Pending  *models.PendingDecision
	Reason   string
}

// noTransition signals that the event does not change the workflow.
var noTransition = transition{}

// computeStageComplete derives the transition for a stage completion.
// It is a pure function of (workflow, event, definitions).
func computeStageComplete(defs *models.Definitions, w *models.Workflow, ev events.StageCompleteData) (transition, bool, error) {
	if w.Terminal() {
		return noTransition, false, nil
	}
	if w.CurrentStage != ev.Stage {
		// Stale completion for a stage the workflow already left.
		return noTransition, false, nil
	}

	if !ev.Success {
		if !ev.RetriesExhausted {
			// The dispatch path still owns retries for this stage.
			return noTransition, false, nil
		}
		return transition{
			Status:   models.StatusFailed,
			Stage:    models.StageFailed,
			Progress: w.Progress,
			Reason:   failureReason(ev),
		}, true, nil
	}

	stageDef, err := defs.Stage(w.Type, ev.Stage)
	if err != nil {
		return noTransition, false, err
	}
	if stageDef.DecisionGate {
		return transition{
			Status:   models.StatusAwaitingDecision,
			Stage:    w.CurrentStage,
			Progress: w.Progress,
			Pending: &models.PendingDecision{
				Stage:       ev.Stage,
				Reason:      "stage '" + ev.Stage + "' requires approval",
				RequestedAt: time.Now().UTC(),
			},
		}, true, nil
	}

	return advance(defs, w, ev.Stage)
}

// computeDecisionResolved derives the transition for a resolved decision
// gate.
func computeDecisionResolved(defs *models.Definitions, w *models.Workflow, ev events.DecisionResolvedData) (transition, bool, error) {
	if w.Status != models.StatusAwaitingDecision || w.Pending == nil {
		return noTransition, false, apperrors.Conflict(
			"workflow " + w.ID + " is not awaiting a decision")
	}
	if w.Pending.Stage != ev.Stage {
		return noTransition, false, apperrors.Conflict(
			"decision is for stage '" + ev.Stage + "' but workflow awaits '" + w.Pending.Stage + "'")
	}

	if !ev.Approved {
		reason := "decision for stage '" + ev.Stage + "' was rejected"
		if ev.Reason != "" {
			reason = ev.Reason
		}
		return transition{
			Status:   models.StatusFailed,
			Stage:    models.StageFailed,
			Progress: w.Progress,
			Reason:   reason,
		}, true, nil
	}
	return advance(defs, w, ev.Stage)
}

// failureReason summarizes a failed stage completion for the workflow row.
func failureReason(ev events.StageCompleteData) string {
	if len(ev.Errors) > 0 {
		return "stage '" + ev.Stage + "' failed: " + ev.Errors[0].Message
	}
	return "stage '" + ev.Stage + "' failed after exhausting retries"
}

// advance moves past a successfully completed stage: either to the next
// stage in the type's sequence or to completion.
func advance(defs *models.Definitions, w *models.Workflow, completed string) (transition, bool, error) {
	next, ok, err := defs.NextStage(w.Type, completed)
	if err != nil {
		return noTransition, false, err
	}
	if !ok {
		return transition{
			Status:   models.StatusCompleted,
			Stage:    models.StageCompleted,
			Progress: 100,
		}, true, nil
	}
	return transition{
		Status:   models.StatusRunning,
		Stage:    next.Name,
		Progress: defs.Progress(w.Type, next.Name),
	}, true, nil
}
