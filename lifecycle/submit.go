package lifecycle

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/taskyard/stepkit/errors"
	"github.com/taskyard/stepkit/notify"
	"github.com/taskyard/stepkit/step"
	"github.com/taskyard/stepkit/telemetry"
)

// SubmitRequest carries one work attempt.
type SubmitRequest struct {
	Result         string
	Summary        string
	DurationMs     int64
	AttachmentURLs []string
}

// Submit records a work attempt on a claimed step.
//
// The submission becomes an immutable history entry; the step caches
// its content and moves to waiting_approval, or straight to done when
// the step does not require approval. On the auto-approve path the
// submission is stored already approved with no reviewer, keeping
// history symmetric with reviewed steps.
func (e *Engine) Submit(ctx context.Context, stepID, workerID string, req SubmitRequest) (*step.Step, error) {
	ctx, span := telemetry.GetTracer().StartStepSpan(ctx, "submit")
	s, err := e.submit(ctx, stepID, workerID, req)
	e.endStepSpan(span, stepID, workerID, s, err)
	return s, err
}

func (e *Engine) submit(ctx context.Context, stepID, workerID string, req SubmitRequest) (*step.Step, error) {
	if e.closed.Load() {
		return nil, errors.Internal("engine closed")
	}
	if workerID == "" {
		return nil, errors.Unauthorized("caller identity required")
	}
	if strings.TrimSpace(req.Result) == "" {
		return nil, errors.BadRequest("result is required", errors.WithStepID(stepID))
	}

	s, rev, err := e.loadStep(stepID)
	if err != nil {
		return nil, err
	}

	if s.Status != step.StatusInProgress {
		return nil, errors.InvalidState("step is not in progress",
			errors.WithStepID(stepID), errors.WithMetadata("status", s.Status.String()))
	}
	if s.AssigneeID != workerID {
		return nil, errors.InvalidState("step is not claimed by caller",
			errors.WithStepID(stepID), errors.WithActorID(workerID))
	}

	summary := req.Summary
	if summary == "" {
		summary = e.synthesizeSummary(ctx, req.Result)
	}

	attempt, err := e.nextAttempt(stepID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	auto := !s.RequiresApproval

	s.Result = req.Result
	s.Summary = summary
	s.CompletedAt = &now
	if req.DurationMs > 0 {
		s.AgentDurationMs = req.DurationMs
	} else if s.ClaimedAt != nil {
		s.AgentDurationMs = now.Sub(*s.ClaimedAt).Milliseconds()
	}
	if auto {
		s.Status = step.StatusDone
		s.ApprovedAt = &now
	} else {
		s.Status = step.StatusWaitingApproval
	}

	// The revision guard is the race arbiter: only the winning submit
	// gets to append the history entry below.
	if err := e.saveStep(s, rev); err != nil {
		return nil, err
	}

	sub := &step.Submission{
		ID:             e.idGen(),
		StepID:         s.ID,
		TaskID:         s.TaskID,
		Attempt:        attempt,
		Result:         req.Result,
		Summary:        summary,
		DurationMs:     req.DurationMs,
		AttachmentURLs: req.AttachmentURLs,
		SubmittedBy:    workerID,
		SubmittedAt:    now,
		ReviewStatus:   step.ReviewPending,
	}
	if auto {
		sub.ReviewStatus = step.ReviewApproved
		sub.ReviewedAt = &now
		sub.AutoApproved = true
	}
	if err := e.storeSubmission(sub); err != nil {
		return nil, err
	}
	e.log.StepSubmitted(stepID, workerID, attempt, auto)
	e.indexSubmission(sub)

	if auto {
		e.unblockNext(s)
	}
	e.advanceTask(s.TaskID)

	if t, _, err := e.loadTask(s.TaskID); err == nil && t.CreatorID != "" && t.CreatorID != workerID {
		ev := notify.EventStepSubmitted
		if auto {
			ev = notify.EventStepApproved
		}
		e.publish(t.CreatorID, notify.StepEvent(ev, s, workerID, s.Title))
	}

	return s.Clone(), nil
}

// History returns a step's submissions in attempt order, oldest first.
func (e *Engine) History(ctx context.Context, stepID string) ([]*step.Submission, error) {
	if e.closed.Load() {
		return nil, errors.Internal("engine closed")
	}
	if _, _, err := e.loadStep(stepID); err != nil {
		return nil, err
	}
	return e.stepSubmissions(stepID)
}

// synthesizeSummary derives a short summary from the result. The
// synthesizer runs under a strict timeout; any failure falls back to a
// local first-sentence heuristic. Submission never blocks on this.
func (e *Engine) synthesizeSummary(ctx context.Context, result string) string {
	if e.summarizer != nil {
		sctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
		defer cancel()

		tr := telemetry.GetTracer()
		sctx, span := tr.StartSummarySpan(sctx)
		s, err := e.summarizer.Summarize(sctx, result)
		opts := telemetry.SummarySpanOptions{Source: result, Summary: s}
		if named, ok := e.summarizer.(interface{ ProviderName() string }); ok {
			opts.Provider = named.ProviderName()
		}
		tr.EndSummarySpan(span, opts, err)

		if err == nil && s != "" {
			return s
		}
	}
	return firstSentence(result)
}

// firstSentence trims a result down to its opening sentence, capped at
// 140 characters.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".!?\n"); i > 0 {
		text = text[:i+1]
	}
	text = strings.TrimRight(text, "\n")
	if len(text) > 140 {
		cut := text[:140]
		if i := strings.LastIndex(cut, " "); i > 0 {
			cut = cut[:i]
		}
		text = cut + "…"
	}
	return text
}

// nextAttempt numbers a new submission: one past the current count.
func (e *Engine) nextAttempt(stepID string) (int, error) {
	keys, err := e.store.Keys(subPrefix + stepID + ".*")
	if err != nil {
		return 0, errors.Internal("list submissions", errors.WithStepID(stepID), errors.WithCause(err))
	}
	return len(keys) + 1, nil
}

// storeSubmission appends a submission record. Create, not Put: an
// attempt number is written exactly once.
func (e *Engine) storeSubmission(sub *step.Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return errors.Internal("encode submission", errors.WithStepID(sub.StepID), errors.WithCause(err))
	}
	if _, err := e.store.Create(subKey(sub.StepID, sub.Attempt), data); err != nil {
		return errors.Internal("store submission", errors.WithStepID(sub.StepID), errors.WithCause(err))
	}
	return nil
}

// stepSubmissions loads all submissions of a step, ascending attempts.
func (e *Engine) stepSubmissions(stepID string) ([]*step.Submission, error) {
	keys, err := e.store.Keys(subPrefix + stepID + ".*")
	if err != nil {
		return nil, errors.Internal("list submissions", errors.WithStepID(stepID), errors.WithCause(err))
	}

	subs := make([]*step.Submission, 0, len(keys))
	for _, key := range keys {
		data, err := e.store.Get(key)
		if err != nil {
			continue
		}
		var sub step.Submission
		if err := json.Unmarshal(data, &sub); err != nil {
			continue
		}
		subs = append(subs, &sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Attempt < subs[j].Attempt })
	return subs, nil
}
