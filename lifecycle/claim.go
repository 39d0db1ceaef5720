package lifecycle

import (
	"context"
	"time"

	"github.com/taskyard/stepkit/errors"
	"github.com/taskyard/stepkit/notify"
	"github.com/taskyard/stepkit/step"
	"github.com/taskyard/stepkit/telemetry"
)

// Claim takes ownership of a pending step for a worker and returns the
// step together with its execution context.
//
// A step open for claim (empty assignee) goes to the first caller; a
// step already assigned may only be claimed by its assignee, which is
// how a worker resumes after a rejection. Claim is not idempotent:
// concurrent claims on the same pending step resolve to exactly one
// winner through the store's revision guard.
func (e *Engine) Claim(ctx context.Context, stepID, workerID string) (*step.Step, *StepContext, error) {
	ctx, span := telemetry.GetTracer().StartStepSpan(ctx, "claim")
	s, sc, err := e.claim(ctx, stepID, workerID)
	e.endStepSpan(span, stepID, workerID, s, err)
	return s, sc, err
}

func (e *Engine) claim(ctx context.Context, stepID, workerID string) (*step.Step, *StepContext, error) {
	if e.closed.Load() {
		return nil, nil, errors.Internal("engine closed")
	}
	if workerID == "" {
		return nil, nil, errors.Unauthorized("caller identity required")
	}

	s, rev, err := e.loadStep(stepID)
	if err != nil {
		return nil, nil, err
	}

	if s.Status != step.StatusPending {
		return nil, nil, errors.InvalidState("step is not open for claim",
			errors.WithStepID(stepID), errors.WithMetadata("status", s.Status.String()))
	}
	if s.AssigneeID != "" && s.AssigneeID != workerID {
		return nil, nil, errors.WrongAssignee(stepID, s.AssigneeID)
	}
	if s.AppealStatus == step.AppealPending {
		// Rework and arbitration cannot run at once: an upheld appeal
		// reinstates the rejected submission, which a fresh claim would
		// invalidate. The worker withdraws by waiting for the ruling.
		return nil, nil, errors.Conflict("an appeal is pending on this step",
			errors.WithStepID(stepID))
	}
	if s.Blocked {
		return nil, nil, errors.InvalidState("predecessor step is not approved yet",
			errors.WithStepID(stepID))
	}

	now := time.Now()
	s.AssigneeID = workerID
	s.Status = step.StatusInProgress
	s.ClaimedAt = &now
	if s.StartedAt == nil {
		s.StartedAt = &now
	}

	if err := e.saveStep(s, rev); err != nil {
		return nil, nil, err
	}
	e.log.StepClaimed(stepID, workerID)

	t, _, err := e.loadTask(s.TaskID)
	if err != nil {
		return nil, nil, err
	}
	stepCtx, err := e.buildContext(t, s)
	if err != nil {
		return nil, nil, err
	}

	e.advanceTask(s.TaskID)

	if t.CreatorID != "" && t.CreatorID != workerID {
		e.publish(t.CreatorID, notify.StepEvent(notify.EventStepAssigned, s, workerID, s.Title))
	}

	return s.Clone(), stepCtx, nil
}
