package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/taskyard/stepkit/errors"
	"github.com/taskyard/stepkit/notify"
	"github.com/taskyard/stepkit/step"
	"github.com/taskyard/stepkit/telemetry"
)

// AppealDecision is a human's binding ruling on an appeal.
type AppealDecision string

const (
	// AppealUphold reinstates the rejected submission for re-review.
	AppealUphold AppealDecision = "upheld"

	// AppealDismiss confirms the rejection. Counts as one more
	// rejection cycle.
	AppealDismiss AppealDecision = "dismissed"
)

// Appeal records a worker's dispute of a rejection. Only the assignee
// of a rejected step may appeal, and only one appeal may be pending at
// a time.
func (e *Engine) Appeal(ctx context.Context, stepID, workerID, appealText string) (*step.Step, error) {
	ctx, span := telemetry.GetTracer().StartStepSpan(ctx, "appeal")
	s, err := e.appeal(ctx, stepID, workerID, appealText)
	e.endStepSpan(span, stepID, workerID, s, err)
	return s, err
}

func (e *Engine) appeal(ctx context.Context, stepID, workerID, appealText string) (*step.Step, error) {
	if e.closed.Load() {
		return nil, errors.Internal("engine closed")
	}
	if workerID == "" {
		return nil, errors.Unauthorized("caller identity required")
	}
	if strings.TrimSpace(appealText) == "" {
		return nil, errors.BadRequest("appeal text is required", errors.WithStepID(stepID))
	}

	s, rev, err := e.loadStep(stepID)
	if err != nil {
		return nil, err
	}

	if s.Status != step.StatusPending || s.RejectionCount == 0 {
		return nil, errors.InvalidState("only a rejected step can be appealed",
			errors.WithStepID(stepID), errors.WithMetadata("status", s.Status.String()))
	}
	if s.AssigneeID != workerID {
		return nil, errors.WrongAssignee(stepID, s.AssigneeID)
	}
	if s.AppealStatus == step.AppealPending {
		return nil, errors.Conflict("an appeal is already pending", errors.WithStepID(stepID))
	}

	now := time.Now()
	s.AppealStatus = step.AppealPending
	s.AppealText = appealText
	s.AppealedAt = &now
	s.AppealResolvedAt = nil

	if err := e.saveStep(s, rev); err != nil {
		return nil, err
	}
	e.log.AppealFiled(stepID, workerID)

	if t, _, err := e.loadTask(s.TaskID); err == nil && t.CreatorID != "" && t.CreatorID != workerID {
		e.publish(t.CreatorID, notify.StepEvent(notify.EventStepAppealed, s, workerID, appealText))
	}

	return s.Clone(), nil
}

// ResolveAppeal records a human's binding decision on a pending appeal.
//
// Upholding moves the step back to waiting_approval without a new
// submission: the rejected submission returns to pending review and its
// content is restored to the step cache. Dismissing leaves the step in
// pending and counts as an additional rejection.
func (e *Engine) ResolveAppeal(ctx context.Context, stepID, humanID string, decision AppealDecision, note string) (*step.Step, error) {
	ctx, span := telemetry.GetTracer().StartStepSpan(ctx, "resolve_appeal")
	s, err := e.resolveAppeal(ctx, stepID, humanID, decision, note)
	e.endStepSpan(span, stepID, humanID, s, err)
	return s, err
}

func (e *Engine) resolveAppeal(ctx context.Context, stepID, humanID string, decision AppealDecision, note string) (*step.Step, error) {
	if e.closed.Load() {
		return nil, errors.Internal("engine closed")
	}
	if humanID == "" {
		return nil, errors.Unauthorized("caller identity required")
	}
	if decision != AppealUphold && decision != AppealDismiss {
		return nil, errors.BadRequest("decision must be upheld or dismissed",
			errors.WithStepID(stepID))
	}

	s, rev, err := e.loadStep(stepID)
	if err != nil {
		return nil, err
	}
	if s.AppealStatus != step.AppealPending {
		return nil, errors.InvalidState("no appeal is pending",
			errors.WithStepID(stepID), errors.WithMetadata("appeal_status", s.AppealStatus.String()))
	}

	t, _, err := e.loadTask(s.TaskID)
	if err != nil {
		return nil, err
	}
	if !e.canReview(humanID, t.CreatorID) {
		return nil, errors.Forbidden("only the task creator may resolve an appeal",
			errors.WithStepID(stepID), errors.WithActorID(humanID))
	}

	now := time.Now()
	s.AppealResolvedAt = &now

	var reinstate *step.Submission
	switch decision {
	case AppealUphold:
		if s.Status != step.StatusPending {
			return nil, errors.InvalidState("step moved since the appeal was filed",
				errors.WithStepID(stepID), errors.WithMetadata("status", s.Status.String()))
		}
		reinstate, err = e.reinstatable(s.ID)
		if err != nil {
			return nil, err
		}
		s.AppealStatus = step.AppealUpheld
		s.Status = step.StatusWaitingApproval
		s.Result = reinstate.Result
		s.Summary = reinstate.Summary
		submittedAt := reinstate.SubmittedAt
		s.CompletedAt = &submittedAt
	case AppealDismiss:
		s.AppealStatus = step.AppealDismissed
		s.RejectionCount++
	}

	// The step CAS commits the ruling before any submission rewrite.
	// A lost race here leaves the submission history untouched, so a
	// retried resolution starts clean.
	if err := e.saveStep(s, rev); err != nil {
		return nil, err
	}
	e.log.AppealResolved(stepID, humanID, string(decision))

	if reinstate != nil && reinstate.ReviewStatus == step.ReviewRejected {
		reinstate.ReviewStatus = step.ReviewPending
		reinstate.ReviewedBy = ""
		reinstate.ReviewedAt = nil
		reinstate.ReviewNote = ""
		if err := e.rewriteSubmission(reinstate); err != nil {
			e.log.Warn("submission_reinstate_failed", map[string]interface{}{
				"step":  stepID,
				"error": err.Error(),
			})
		} else {
			e.indexSubmission(reinstate)
		}
	}

	if s.AssigneeID != "" && s.AssigneeID != humanID {
		detail := string(decision)
		if note != "" {
			detail += ": " + note
		}
		e.publish(s.AssigneeID, notify.StepEvent(notify.EventAppealResolved, s, humanID, detail))
	}

	return s.Clone(), nil
}

// reinstatable returns the submission an upheld appeal puts back under
// review: the most recent rejected one, or the most recent one already
// pending again, which makes a resolution retry after a partial failure
// find its target instead of erroring.
func (e *Engine) reinstatable(stepID string) (*step.Submission, error) {
	subs, err := e.stepSubmissions(stepID)
	if err != nil {
		return nil, err
	}

	var latest *step.Submission
	for _, sub := range subs {
		if sub.ReviewStatus == step.ReviewRejected || sub.ReviewStatus == step.ReviewPending {
			latest = sub
		}
	}
	if latest == nil {
		return nil, errors.InvalidState("no rejected submission to reinstate", errors.WithStepID(stepID))
	}
	return latest, nil
}
