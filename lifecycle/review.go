package lifecycle

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/taskyard/stepkit/errors"
	"github.com/taskyard/stepkit/notify"
	"github.com/taskyard/stepkit/state"
	"github.com/taskyard/stepkit/step"
	"github.com/taskyard/stepkit/telemetry"
)

// Approve accepts the step's latest pending submission and completes
// the step. The next step in the task unblocks, its assignee is told it
// is ready, and the task's aggregate status advances.
func (e *Engine) Approve(ctx context.Context, stepID, reviewerID string) (*step.Step, error) {
	ctx, span := telemetry.GetTracer().StartStepSpan(ctx, "approve")
	s, err := e.approve(ctx, stepID, reviewerID)
	e.endStepSpan(span, stepID, reviewerID, s, err)
	return s, err
}

func (e *Engine) approve(ctx context.Context, stepID, reviewerID string) (*step.Step, error) {
	if e.closed.Load() {
		return nil, errors.Internal("engine closed")
	}
	if reviewerID == "" {
		return nil, errors.Unauthorized("caller identity required")
	}

	s, rev, err := e.loadStep(stepID)
	if err != nil {
		return nil, err
	}
	if s.Status != step.StatusWaitingApproval {
		return nil, errors.InvalidState("step is not waiting for approval",
			errors.WithStepID(stepID), errors.WithMetadata("status", s.Status.String()))
	}

	t, _, err := e.loadTask(s.TaskID)
	if err != nil {
		return nil, err
	}
	if !e.canReview(reviewerID, t.CreatorID) {
		return nil, errors.Forbidden("only the task creator may review",
			errors.WithStepID(stepID), errors.WithActorID(reviewerID))
	}

	now := time.Now()
	s.Status = step.StatusDone
	s.ApprovedAt = &now
	s.ApprovedBy = reviewerID
	if s.CompletedAt != nil {
		s.HumanDurationMs = now.Sub(*s.CompletedAt).Milliseconds()
	}

	if err := e.saveStep(s, rev); err != nil {
		return nil, err
	}
	e.log.ReviewDecision(stepID, reviewerID, "approved")

	if err := e.reviewLatestPending(stepID, step.ReviewApproved, reviewerID, ""); err != nil {
		e.log.Warn("submission_review_update_failed", map[string]interface{}{
			"step":  stepID,
			"error": err.Error(),
		})
	}

	e.unblockNext(s)
	e.advanceTask(s.TaskID)

	if s.AssigneeID != "" && s.AssigneeID != reviewerID {
		e.publish(s.AssigneeID, notify.StepEvent(notify.EventStepApproved, s, reviewerID, s.Title))
	}

	return s.Clone(), nil
}

// Reject returns the step to pending with the reason recorded. The
// assignee is retained: the same worker is expected to rework the step,
// which it does by re-claiming. The rejected result is cleared from the
// step cache; only the submission history keeps it.
func (e *Engine) Reject(ctx context.Context, stepID, reviewerID, reason string) (*step.Step, error) {
	ctx, span := telemetry.GetTracer().StartStepSpan(ctx, "reject")
	s, err := e.reject(ctx, stepID, reviewerID, reason)
	e.endStepSpan(span, stepID, reviewerID, s, err)
	return s, err
}

func (e *Engine) reject(ctx context.Context, stepID, reviewerID, reason string) (*step.Step, error) {
	if e.closed.Load() {
		return nil, errors.Internal("engine closed")
	}
	if reviewerID == "" {
		return nil, errors.Unauthorized("caller identity required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errors.BadRequest("rejection reason is required", errors.WithStepID(stepID))
	}

	s, rev, err := e.loadStep(stepID)
	if err != nil {
		return nil, err
	}
	if s.Status != step.StatusWaitingApproval {
		return nil, errors.InvalidState("step is not waiting for approval",
			errors.WithStepID(stepID), errors.WithMetadata("status", s.Status.String()))
	}

	t, _, err := e.loadTask(s.TaskID)
	if err != nil {
		return nil, err
	}
	if !e.canReview(reviewerID, t.CreatorID) {
		return nil, errors.Forbidden("only the task creator may review",
			errors.WithStepID(stepID), errors.WithActorID(reviewerID))
	}

	now := time.Now()
	s.Status = step.StatusPending
	s.RejectionCount++
	s.RejectionReason = reason
	s.RejectedAt = &now
	s.Result = ""
	s.Summary = ""
	s.CompletedAt = nil

	// A fresh rejection opens a fresh appeal window.
	s.AppealStatus = step.AppealNone
	s.AppealText = ""
	s.AppealedAt = nil
	s.AppealResolvedAt = nil

	if err := e.saveStep(s, rev); err != nil {
		return nil, err
	}
	e.log.ReviewDecision(stepID, reviewerID, "rejected")

	if err := e.reviewLatestPending(stepID, step.ReviewRejected, reviewerID, reason); err != nil {
		e.log.Warn("submission_review_update_failed", map[string]interface{}{
			"step":  stepID,
			"error": err.Error(),
		})
	}

	if s.AssigneeID != "" && s.AssigneeID != reviewerID {
		e.publish(s.AssigneeID, notify.StepEvent(notify.EventStepRejected, s, reviewerID, reason))
	}

	return s.Clone(), nil
}

// reviewLatestPending attaches a review outcome to the most recent
// pending submission. Reviewing when no submission is pending is an
// error: the caller raced a newer review.
func (e *Engine) reviewLatestPending(stepID string, outcome step.ReviewStatus, reviewerID, note string) error {
	subs, err := e.stepSubmissions(stepID)
	if err != nil {
		return err
	}

	var latest *step.Submission
	for _, sub := range subs {
		if sub.ReviewStatus == step.ReviewPending {
			latest = sub
		}
	}
	if latest == nil {
		return errors.InvalidState("no pending submission to review", errors.WithStepID(stepID))
	}

	now := time.Now()
	latest.ReviewStatus = outcome
	latest.ReviewedBy = reviewerID
	latest.ReviewedAt = &now
	latest.ReviewNote = note
	if err := e.rewriteSubmission(latest); err != nil {
		return err
	}

	// Re-index so searches see the outcome, not the frozen pending state.
	e.indexSubmission(latest)
	return nil
}

// rewriteSubmission commits a submission record over its current
// revision.
func (e *Engine) rewriteSubmission(sub *step.Submission) error {
	key := subKey(sub.StepID, sub.Attempt)
	kv, err := e.store.GetKeyValue(key)
	if err != nil {
		if err == state.ErrNotFound {
			return errors.NotFound("submission not found", errors.WithStepID(sub.StepID))
		}
		return errors.Internal("load submission", errors.WithStepID(sub.StepID), errors.WithCause(err))
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return errors.Internal("encode submission", errors.WithStepID(sub.StepID), errors.WithCause(err))
	}
	if _, err := e.store.Update(key, data, kv.Revision); err != nil {
		if err == state.ErrRevisionStale {
			return errors.StaleRevision(sub.StepID)
		}
		return errors.Internal("save submission", errors.WithStepID(sub.StepID), errors.WithCause(err))
	}
	return nil
}

// unblockNext clears the blocked flag on the step following the one
// just completed and tells its assignee it is ready.
func (e *Engine) unblockNext(done *step.Step) {
	steps, err := e.taskSteps(done.TaskID)
	if err != nil {
		e.log.Warn("unblock_next_failed", map[string]interface{}{
			"task":  done.TaskID,
			"error": err.Error(),
		})
		return
	}

	for _, s := range steps {
		if s.Order <= done.Order || s.Status == step.StatusDone {
			continue
		}
		if s.Blocked {
			s.Blocked = false
			if err := e.rewriteStep(s); err != nil {
				e.log.Warn("unblock_next_failed", map[string]interface{}{
					"step":  s.ID,
					"error": err.Error(),
				})
				return
			}
			if s.AssigneeID != "" {
				e.publish(s.AssigneeID, notify.StepEvent(notify.EventStepReady, s, "", s.Title))
			}
		}
		return
	}
}
