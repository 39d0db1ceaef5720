package lifecycle

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/taskyard/stepkit/errors"
	"github.com/taskyard/stepkit/logging"
	"github.com/taskyard/stepkit/notify"
	"github.com/taskyard/stepkit/state"
	"github.com/taskyard/stepkit/step"
)

// recordingNotifier captures published events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
	fail   bool
}

type recordedEvent struct {
	userID string
	event  *notify.Event
}

func (r *recordingNotifier) Publish(userID string, ev *notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New(errors.CodeNotifyFailed, "bus down")
	}
	r.events = append(r.events, recordedEvent{userID, ev})
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) byType(t notify.EventType) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.event.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func quietLogger() *logging.Logger {
	log := logging.New()
	log.SetLevel(logging.LevelError)
	log.SetOutput(discard{})
	return log
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *recordingNotifier) {
	t.Helper()
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	rec := &recordingNotifier{}
	base := []Option{WithNotifier(rec), WithLogger(quietLogger())}
	e := NewEngine(store, append(base, opts...)...)
	t.Cleanup(func() { e.Close() })
	return e, rec
}

// threeStepTask creates a task with three approval-gated steps.
func threeStepTask(t *testing.T, e *Engine) (*step.Task, []*step.Step) {
	t.Helper()
	task, err := e.CreateTask(context.Background(), TaskSpec{
		Title:     "ship the quarterly report",
		CreatorID: "creator-1",
		Steps: []StepSpec{
			{Title: "gather figures", RequiresApproval: true},
			{Title: "draft report", RequiresApproval: true},
			{Title: "publish", RequiresApproval: true},
		},
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	steps, err := e.ListSteps(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListSteps failed: %v", err)
	}
	return task, steps
}

func TestCreateTask(t *testing.T) {
	e, _ := newTestEngine(t)
	task, steps := threeStepTask(t, e)

	if task.Status != step.TaskTodo {
		t.Errorf("expected todo, got %q", task.Status)
	}
	if task.StepCount != 3 || len(steps) != 3 {
		t.Fatalf("expected 3 steps, got count=%d listed=%d", task.StepCount, len(steps))
	}
	for i, s := range steps {
		if s.Order != i+1 {
			t.Errorf("step %d has order %d", i, s.Order)
		}
		if s.Status != step.StatusPending {
			t.Errorf("step %d not pending: %q", i, s.Status)
		}
	}
	if steps[0].Blocked {
		t.Error("first step must start unblocked")
	}
	if !steps[1].Blocked || !steps[2].Blocked {
		t.Error("later steps must start blocked")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.CreateTask(context.Background(), TaskSpec{}); !errors.Is(err, errors.CodeBadRequest) {
		t.Errorf("expected BAD_REQUEST, got %v", err)
	}
	_, err := e.CreateTask(context.Background(), TaskSpec{Title: "t", Steps: []StepSpec{{}}})
	if !errors.Is(err, errors.CodeBadRequest) {
		t.Errorf("expected BAD_REQUEST for untitled step, got %v", err)
	}
}

func TestClaim(t *testing.T) {
	e, rec := newTestEngine(t)
	task, steps := threeStepTask(t, e)

	s, sc, err := e.Claim(context.Background(), steps[0].ID, "worker-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if s.Status != step.StatusInProgress {
		t.Errorf("expected in_progress, got %q", s.Status)
	}
	if s.AssigneeID != "worker-1" {
		t.Errorf("expected assignee worker-1, got %q", s.AssigneeID)
	}
	if s.ClaimedAt == nil || s.StartedAt == nil {
		t.Error("claim timestamps not set")
	}

	if sc.TaskTitle != "ship the quarterly report" {
		t.Errorf("context lost task title: %q", sc.TaskTitle)
	}
	if len(sc.Siblings) != 3 {
		t.Fatalf("expected 3 siblings, got %d", len(sc.Siblings))
	}
	if sc.Siblings[0].Status != step.WorkerWorking {
		t.Errorf("claimed step should show working, got %q", sc.Siblings[0].Status)
	}
	if len(sc.PriorOutputs) != 0 {
		t.Errorf("first step should have no prior outputs, got %d", len(sc.PriorOutputs))
	}

	// The creator hears about the claim.
	assigned := rec.byType(notify.EventStepAssigned)
	if len(assigned) != 1 || assigned[0].userID != "creator-1" {
		t.Errorf("expected one step:assigned to creator, got %+v", assigned)
	}

	got, err := e.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != step.TaskInProgress {
		t.Errorf("task should advance to in_progress, got %q", got.Status)
	}
}

func TestClaimConflicts(t *testing.T) {
	e, _ := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	if _, _, err := e.Claim(ctx, steps[0].ID, "worker-1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	// Claiming an in_progress step fails even for the holder.
	if _, _, err := e.Claim(ctx, steps[0].ID, "worker-1"); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE re-claiming in_progress, got %v", err)
	}
	if _, _, err := e.Claim(ctx, steps[0].ID, "worker-2"); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE for second claimant, got %v", err)
	}

	// A blocked step cannot be claimed.
	if _, _, err := e.Claim(ctx, steps[1].ID, "worker-2"); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE claiming blocked step, got %v", err)
	}

	// Unknown step.
	if _, _, err := e.Claim(ctx, "nope", "worker-1"); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if _, _, err := e.Claim(ctx, steps[0].ID, ""); !errors.Is(err, errors.CodeUnauthorized) {
		t.Errorf("expected UNAUTHORIZED for empty identity, got %v", err)
	}
}

func TestConcurrentClaimOneWinner(t *testing.T) {
	e, _ := newTestEngine(t)
	_, steps := threeStepTask(t, e)

	const racers = 16
	results := make(chan error, racers)
	winners := make(chan string, racers)

	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < racers; i++ {
		worker := string(rune('a' + i))
		go func() {
			start.Wait()
			_, _, err := e.Claim(context.Background(), steps[0].ID, "worker-"+worker)
			if err == nil {
				winners <- "worker-" + worker
			}
			results <- err
		}()
	}
	start.Done()

	var wins, losses int
	for i := 0; i < racers; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		case errors.Is(err, errors.CodeStaleRevision),
			errors.Is(err, errors.CodeInvalidState),
			errors.Is(err, errors.CodeConflict):
			losses++
		default:
			t.Errorf("unexpected race error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d (losses %d)", wins, losses)
	}

	winner := <-winners
	s, err := e.GetStep(context.Background(), steps[0].ID)
	if err != nil {
		t.Fatalf("GetStep failed: %v", err)
	}
	if s.AssigneeID != winner {
		t.Errorf("final assignee %q is not the winner %q", s.AssigneeID, winner)
	}
	if s.Status != step.StatusInProgress {
		t.Errorf("expected in_progress, got %q", s.Status)
	}
}

func TestSubmitToReview(t *testing.T) {
	e, rec := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	if _, _, err := e.Claim(ctx, steps[0].ID, "worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	s, err := e.Submit(ctx, steps[0].ID, "worker-1", SubmitRequest{
		Result:  "Figures gathered from all four regions.",
		Summary: "figures ready",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if s.Status != step.StatusWaitingApproval {
		t.Errorf("expected waiting_approval, got %q", s.Status)
	}
	if s.Result == "" || s.Summary != "figures ready" {
		t.Errorf("step cache not updated: result=%q summary=%q", s.Result, s.Summary)
	}
	if s.CompletedAt == nil {
		t.Error("completedAt not set")
	}

	subs, err := e.History(ctx, steps[0].ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(subs))
	}
	if subs[0].Attempt != 1 || subs[0].ReviewStatus != step.ReviewPending {
		t.Errorf("unexpected submission: %+v", subs[0])
	}
	if subs[0].SubmittedBy != "worker-1" {
		t.Errorf("expected submitter worker-1, got %q", subs[0].SubmittedBy)
	}

	if got := rec.byType(notify.EventStepSubmitted); len(got) != 1 || got[0].userID != "creator-1" {
		t.Errorf("expected one step:submitted to creator, got %+v", got)
	}
}

func TestSubmitPreconditions(t *testing.T) {
	e, _ := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	// Not claimed yet.
	_, err := e.Submit(ctx, steps[0].ID, "worker-1", SubmitRequest{Result: "x"})
	if !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE for unclaimed step, got %v", err)
	}

	if _, _, err := e.Claim(ctx, steps[0].ID, "worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Wrong worker.
	_, err = e.Submit(ctx, steps[0].ID, "worker-2", SubmitRequest{Result: "x"})
	if !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE for non-assignee, got %v", err)
	}

	// Empty result.
	_, err = e.Submit(ctx, steps[0].ID, "worker-1", SubmitRequest{Result: "   "})
	if !errors.Is(err, errors.CodeBadRequest) {
		t.Errorf("expected BAD_REQUEST for empty result, got %v", err)
	}
}

func TestAutoApprove(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	task, err := e.CreateTask(ctx, TaskSpec{
		Title:     "routine sync",
		CreatorID: "creator-1",
		Steps: []StepSpec{
			{Title: "pull data"},
			{Title: "verify totals", RequiresApproval: true},
		},
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	steps, _ := e.ListSteps(ctx, task.ID)

	if _, _, err := e.Claim(ctx, steps[0].ID, "agent-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	s, err := e.Submit(ctx, steps[0].ID, "agent-1", SubmitRequest{Result: "pulled 1204 rows"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if s.Status != step.StatusDone {
		t.Errorf("auto-approve should land on done, got %q", s.Status)
	}
	if s.ApprovedAt == nil || s.ApprovedBy != "" {
		t.Errorf("auto-approve should stamp approval with no reviewer: at=%v by=%q", s.ApprovedAt, s.ApprovedBy)
	}

	subs, _ := e.History(ctx, steps[0].ID)
	if len(subs) != 1 {
		t.Fatalf("expected exactly 1 submission, got %d", len(subs))
	}
	if subs[0].ReviewStatus != step.ReviewApproved || subs[0].ReviewedBy != "" || !subs[0].AutoApproved {
		t.Errorf("auto-approved submission malformed: %+v", subs[0])
	}

	// The follower unblocks immediately.
	next, _ := e.GetStep(ctx, steps[1].ID)
	if next.Blocked {
		t.Error("next step should unblock after auto-approve")
	}
}

func TestApprove(t *testing.T) {
	e, rec := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "regional figures attached")

	s, err := e.Approve(ctx, steps[0].ID, "creator-1")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if s.Status != step.StatusDone {
		t.Errorf("expected done, got %q", s.Status)
	}
	if s.ApprovedBy != "creator-1" || s.ApprovedAt == nil {
		t.Errorf("approval stamp missing: by=%q at=%v", s.ApprovedBy, s.ApprovedAt)
	}

	subs, _ := e.History(ctx, steps[0].ID)
	if subs[0].ReviewStatus != step.ReviewApproved || subs[0].ReviewedBy != "creator-1" {
		t.Errorf("submission review outcome missing: %+v", subs[0])
	}

	next, _ := e.GetStep(ctx, steps[1].ID)
	if next.Blocked {
		t.Error("next step should unblock on approval")
	}
	third, _ := e.GetStep(ctx, steps[2].ID)
	if !third.Blocked {
		t.Error("third step should stay blocked")
	}

	if got := rec.byType(notify.EventStepApproved); len(got) != 1 || got[0].userID != "worker-1" {
		t.Errorf("expected one step:approved to worker, got %+v", got)
	}

	// Done is terminal.
	if _, err := e.Approve(ctx, steps[0].ID, "creator-1"); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE re-approving, got %v", err)
	}
	if _, _, err := e.Claim(ctx, steps[0].ID, "worker-2"); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE claiming done step, got %v", err)
	}
}

func TestApproveForbidden(t *testing.T) {
	e, _ := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "done")

	if _, err := e.Approve(ctx, steps[0].ID, "worker-1"); !errors.Is(err, errors.CodeForbidden) {
		t.Errorf("expected FORBIDDEN for non-creator, got %v", err)
	}
	if _, err := e.Reject(ctx, steps[0].ID, "worker-2", "nope"); !errors.Is(err, errors.CodeForbidden) {
		t.Errorf("expected FORBIDDEN for non-creator reject, got %v", err)
	}
}

type allowAll struct{}

func (allowAll) IsPrivileged(string) bool   { return true }
func (allowAll) CanReview(_, _ string) bool { return true }

func TestPrivilegedReviewer(t *testing.T) {
	e, _ := newTestEngine(t, WithPolicy(allowAll{}))
	_, steps := threeStepTask(t, e)

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "done")
	if _, err := e.Approve(context.Background(), steps[0].ID, "admin-1"); err != nil {
		t.Errorf("privileged identity should review: %v", err)
	}
}

func TestReject(t *testing.T) {
	e, rec := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "half the figures")

	s, err := e.Reject(ctx, steps[0].ID, "creator-1", "incomplete")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if s.Status != step.StatusPending {
		t.Errorf("expected pending, got %q", s.Status)
	}
	if s.RejectionCount != 1 || s.RejectionReason != "incomplete" || s.RejectedAt == nil {
		t.Errorf("rejection audit trail wrong: %+v", s)
	}
	if s.AssigneeID != "worker-1" {
		t.Errorf("assignee must be retained on rejection, got %q", s.AssigneeID)
	}
	if s.Result != "" || s.Summary != "" {
		t.Error("rejected result must be cleared from the step cache")
	}

	subs, _ := e.History(ctx, steps[0].ID)
	if subs[0].ReviewStatus != step.ReviewRejected || subs[0].ReviewNote != "incomplete" {
		t.Errorf("submission should record the rejection: %+v", subs[0])
	}
	if subs[0].Result == "" {
		t.Error("history must retain the rejected result")
	}

	if got := rec.byType(notify.EventStepRejected); len(got) != 1 || got[0].userID != "worker-1" {
		t.Errorf("expected one step:rejected to worker, got %+v", got)
	}

	if _, err := e.Reject(ctx, steps[0].ID, "creator-1", "again"); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE rejecting a pending step, got %v", err)
	}
}

func TestRejectEmptyReason(t *testing.T) {
	e, _ := newTestEngine(t)
	_, steps := threeStepTask(t, e)

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "work")
	if _, err := e.Reject(context.Background(), steps[0].ID, "creator-1", "  "); !errors.Is(err, errors.CodeBadRequest) {
		t.Errorf("expected BAD_REQUEST for empty reason, got %v", err)
	}
}

func TestReworkCycle(t *testing.T) {
	e, _ := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "first pass")
	if _, err := e.Reject(ctx, steps[0].ID, "creator-1", "missing region 4"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	// Same worker re-claims; the rejection reason rides along in the
	// context, the rejected result does not.
	_, sc, err := e.Claim(ctx, steps[0].ID, "worker-1")
	if err != nil {
		t.Fatalf("re-claim by assignee failed: %v", err)
	}
	if sc.RejectionReason != "missing region 4" || sc.RejectionCount != 1 {
		t.Errorf("rework context missing rejection info: %+v", sc)
	}

	// Another worker cannot take over.
	if _, _, err := e.Claim(ctx, steps[0].ID, "worker-2"); err == nil {
		t.Fatal("foreign claim on rejected step should fail")
	}

	if _, err := e.Submit(ctx, steps[0].ID, "worker-1", SubmitRequest{Result: "all regions now"}); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	s, err := e.Approve(ctx, steps[0].ID, "creator-1")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	if s.Status != step.StatusDone {
		t.Errorf("expected done, got %q", s.Status)
	}
	if s.RejectionCount != 1 {
		t.Errorf("rejection count should stay 1 through rework, got %d", s.RejectionCount)
	}

	subs, _ := e.History(ctx, steps[0].ID)
	if len(subs) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(subs))
	}
	if subs[0].Attempt != 1 || subs[1].Attempt != 2 {
		t.Errorf("history out of order: %d then %d", subs[0].Attempt, subs[1].Attempt)
	}
	if subs[0].ReviewStatus != step.ReviewRejected || subs[1].ReviewStatus != step.ReviewApproved {
		t.Errorf("review outcomes wrong: %q then %q", subs[0].ReviewStatus, subs[1].ReviewStatus)
	}
}

func TestAppealUpheld(t *testing.T) {
	e, rec := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "the figures are complete")
	if _, err := e.Reject(ctx, steps[0].ID, "creator-1", "incomplete"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	s, err := e.Appeal(ctx, steps[0].ID, "worker-1", "region 4 reported zero, that is not missing data")
	if err != nil {
		t.Fatalf("Appeal failed: %v", err)
	}
	if s.AppealStatus != step.AppealPending || s.AppealedAt == nil {
		t.Errorf("appeal not recorded: %+v", s)
	}
	if got := rec.byType(notify.EventStepAppealed); len(got) != 1 || got[0].userID != "creator-1" {
		t.Errorf("expected one step:appealed to creator, got %+v", got)
	}

	before, _ := e.History(ctx, steps[0].ID)

	s, err = e.ResolveAppeal(ctx, steps[0].ID, "creator-1", AppealUphold, "")
	if err != nil {
		t.Fatalf("ResolveAppeal failed: %v", err)
	}
	if s.Status != step.StatusWaitingApproval {
		t.Errorf("upheld appeal should return to waiting_approval, got %q", s.Status)
	}
	if s.AppealStatus != step.AppealUpheld || s.AppealResolvedAt == nil {
		t.Errorf("appeal resolution not recorded: %+v", s)
	}
	if s.Result != "the figures are complete" {
		t.Errorf("upheld appeal should restore the rejected result, got %q", s.Result)
	}

	after, _ := e.History(ctx, steps[0].ID)
	if len(after) != len(before) {
		t.Errorf("upholding must not create a submission: %d -> %d", len(before), len(after))
	}
	if after[0].ReviewStatus != step.ReviewPending {
		t.Errorf("reinstated submission should await review again, got %q", after[0].ReviewStatus)
	}

	// The reinstated submission flows through the normal approve path.
	if _, err := e.Approve(ctx, steps[0].ID, "creator-1"); err != nil {
		t.Fatalf("approve after upheld appeal failed: %v", err)
	}
	final, _ := e.History(ctx, steps[0].ID)
	if final[0].ReviewStatus != step.ReviewApproved {
		t.Errorf("expected approved, got %q", final[0].ReviewStatus)
	}
}

func TestAppealDismissed(t *testing.T) {
	e, _ := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "work")
	if _, err := e.Reject(ctx, steps[0].ID, "creator-1", "incomplete"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if _, err := e.Appeal(ctx, steps[0].ID, "worker-1", "disagree"); err != nil {
		t.Fatalf("appeal failed: %v", err)
	}

	s, err := e.ResolveAppeal(ctx, steps[0].ID, "creator-1", AppealDismiss, "rejection stands")
	if err != nil {
		t.Fatalf("ResolveAppeal failed: %v", err)
	}
	if s.Status != step.StatusPending {
		t.Errorf("dismissed appeal should leave the step pending, got %q", s.Status)
	}
	if s.RejectionCount != 2 {
		t.Errorf("dismissal counts as a rejection cycle: got %d", s.RejectionCount)
	}
	if s.AppealStatus != step.AppealDismissed {
		t.Errorf("expected dismissed, got %q", s.AppealStatus)
	}
}

func TestAppealPreconditions(t *testing.T) {
	e, _ := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	// No rejection yet.
	if _, err := e.Appeal(ctx, steps[0].ID, "worker-1", "text"); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE without rejection, got %v", err)
	}

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "work")
	if _, err := e.Reject(ctx, steps[0].ID, "creator-1", "no"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	// Wrong caller.
	if _, err := e.Appeal(ctx, steps[0].ID, "worker-2", "text"); !errors.Is(err, errors.CodeConflict) {
		t.Errorf("expected CONFLICT for non-assignee, got %v", err)
	}
	// Empty text.
	if _, err := e.Appeal(ctx, steps[0].ID, "worker-1", " "); !errors.Is(err, errors.CodeBadRequest) {
		t.Errorf("expected BAD_REQUEST for empty text, got %v", err)
	}

	if _, err := e.Appeal(ctx, steps[0].ID, "worker-1", "first"); err != nil {
		t.Fatalf("appeal failed: %v", err)
	}
	// Double appeal.
	if _, err := e.Appeal(ctx, steps[0].ID, "worker-1", "second"); !errors.Is(err, errors.CodeConflict) {
		t.Errorf("expected CONFLICT for double appeal, got %v", err)
	}

	// Resolution guards.
	if _, err := e.ResolveAppeal(ctx, steps[0].ID, "worker-1", AppealUphold, ""); !errors.Is(err, errors.CodeForbidden) {
		t.Errorf("expected FORBIDDEN for non-creator resolver, got %v", err)
	}
	if _, err := e.ResolveAppeal(ctx, steps[0].ID, "creator-1", "maybe", ""); !errors.Is(err, errors.CodeBadRequest) {
		t.Errorf("expected BAD_REQUEST for bad decision, got %v", err)
	}
	if _, err := e.ResolveAppeal(ctx, steps[1].ID, "creator-1", AppealUphold, ""); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE without pending appeal, got %v", err)
	}
}

func TestClaimWaitsForAppealRuling(t *testing.T) {
	e, _ := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "the figures are complete")
	if _, err := e.Reject(ctx, steps[0].ID, "creator-1", "incomplete"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if _, err := e.Appeal(ctx, steps[0].ID, "worker-1", "region 4 reported zero"); err != nil {
		t.Fatalf("appeal failed: %v", err)
	}

	// Rework started now would be invalidated by an upheld ruling, so
	// the claim has to wait for the resolution.
	if _, _, err := e.Claim(ctx, steps[0].ID, "worker-1"); !errors.Is(err, errors.CodeConflict) {
		t.Errorf("expected CONFLICT while the appeal is pending, got %v", err)
	}
	if _, _, err := e.Claim(ctx, steps[0].ID, "worker-2"); !errors.Is(err, errors.CodeConflict) {
		t.Errorf("expected CONFLICT for another worker too, got %v", err)
	}

	s, err := e.ResolveAppeal(ctx, steps[0].ID, "creator-1", AppealUphold, "")
	if err != nil {
		t.Fatalf("ResolveAppeal failed: %v", err)
	}
	if s.Status != step.StatusWaitingApproval {
		t.Errorf("upheld appeal should land in waiting_approval, got %q", s.Status)
	}
	if _, err := e.Approve(ctx, steps[0].ID, "creator-1"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	// A dismissal reopens the step for rework.
	e.mustClaimSubmit(t, steps[1].ID, "worker-1", "draft v1")
	if _, err := e.Reject(ctx, steps[1].ID, "creator-1", "thin"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if _, err := e.Appeal(ctx, steps[1].ID, "worker-1", "covers every section"); err != nil {
		t.Fatalf("appeal failed: %v", err)
	}
	if _, err := e.ResolveAppeal(ctx, steps[1].ID, "creator-1", AppealDismiss, "still thin"); err != nil {
		t.Fatalf("ResolveAppeal failed: %v", err)
	}
	if _, _, err := e.Claim(ctx, steps[1].ID, "worker-1"); err != nil {
		t.Errorf("claim after dismissal should succeed, got %v", err)
	}
}

// recordingSink captures the last indexed state of each submission.
type recordingSink struct {
	mu   sync.Mutex
	subs map[string]*step.Submission
}

func newRecordingSink() *recordingSink {
	return &recordingSink{subs: map[string]*step.Submission{}}
}

func (r *recordingSink) IndexSubmission(sub *step.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *recordingSink) get(id string) *step.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

func TestAuditSinkFollowsReview(t *testing.T) {
	sink := newRecordingSink()
	e, _ := newTestEngine(t, WithAuditSink(sink))
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "first pass")
	if _, err := e.Reject(ctx, steps[0].ID, "creator-1", "numbers off"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	subs, err := e.History(ctx, steps[0].ID)
	if err != nil || len(subs) != 1 {
		t.Fatalf("history: %v (%d entries)", err, len(subs))
	}
	got := sink.get(subs[0].ID)
	if got == nil {
		t.Fatal("sink never saw the submission")
	}
	if got.ReviewStatus != step.ReviewRejected || got.ReviewNote != "numbers off" {
		t.Errorf("sink saw %q/%q, want the rejection", got.ReviewStatus, got.ReviewNote)
	}

	// An upheld appeal puts the submission back under review; the
	// sink follows.
	if _, err := e.Appeal(ctx, steps[0].ID, "worker-1", "numbers match the ledger"); err != nil {
		t.Fatalf("appeal failed: %v", err)
	}
	if _, err := e.ResolveAppeal(ctx, steps[0].ID, "creator-1", AppealUphold, ""); err != nil {
		t.Fatalf("ResolveAppeal failed: %v", err)
	}
	if got := sink.get(subs[0].ID); got.ReviewStatus != step.ReviewPending {
		t.Errorf("sink saw %q after uphold, want pending", got.ReviewStatus)
	}

	if _, err := e.Approve(ctx, steps[0].ID, "creator-1"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if got := sink.get(subs[0].ID); got.ReviewStatus != step.ReviewApproved {
		t.Errorf("sink saw %q after approval, want approved", got.ReviewStatus)
	}
}

// flakyStore fails conditional updates on matching keys a set number
// of times, then behaves normally.
type flakyStore struct {
	state.Store
	prefix string
	fails  int
}

func (f *flakyStore) Update(key string, value []byte, rev uint64) (uint64, error) {
	if f.fails > 0 && strings.HasPrefix(key, f.prefix) {
		f.fails--
		return 0, state.ErrRevisionStale
	}
	return f.Store.Update(key, value, rev)
}

func TestResolveAppealRetriesAfterLostRace(t *testing.T) {
	mem := state.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })
	fs := &flakyStore{Store: mem}
	e := NewEngine(fs, WithNotifier(&recordingNotifier{}), WithLogger(quietLogger()))
	t.Cleanup(func() { e.Close() })
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	e.mustClaimSubmit(t, steps[0].ID, "worker-1", "the figures are complete")
	if _, err := e.Reject(ctx, steps[0].ID, "creator-1", "incomplete"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if _, err := e.Appeal(ctx, steps[0].ID, "worker-1", "they are all there"); err != nil {
		t.Fatalf("appeal failed: %v", err)
	}

	// Lose the step commit once. The ruling must not land and the
	// submission must stay rejected, or a retry has nothing to
	// reinstate.
	fs.prefix = stepPrefix
	fs.fails = 1
	if _, err := e.ResolveAppeal(ctx, steps[0].ID, "creator-1", AppealUphold, ""); !errors.Is(err, errors.CodeStaleRevision) {
		t.Fatalf("expected STALE_REVISION, got %v", err)
	}

	s, err := e.GetStep(ctx, steps[0].ID)
	if err != nil {
		t.Fatalf("GetStep failed: %v", err)
	}
	if s.AppealStatus != step.AppealPending {
		t.Errorf("lost race must leave the appeal pending, got %q", s.AppealStatus)
	}
	subs, _ := e.History(ctx, steps[0].ID)
	if subs[0].ReviewStatus != step.ReviewRejected {
		t.Errorf("lost race must leave the submission rejected, got %q", subs[0].ReviewStatus)
	}

	s, err = e.ResolveAppeal(ctx, steps[0].ID, "creator-1", AppealUphold, "")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if s.Status != step.StatusWaitingApproval || s.AppealStatus != step.AppealUpheld {
		t.Errorf("retry should complete the ruling: %+v", s)
	}
	subs, _ = e.History(ctx, steps[0].ID)
	if subs[0].ReviewStatus != step.ReviewPending {
		t.Errorf("retry should reinstate the submission, got %q", subs[0].ReviewStatus)
	}
}

func TestSummaryHeuristicFallback(t *testing.T) {
	e, _ := newTestEngine(t)
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	if _, _, err := e.Claim(ctx, steps[0].ID, "worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	s, err := e.Submit(ctx, steps[0].ID, "worker-1", SubmitRequest{
		Result: "All figures are in. The totals reconcile against last quarter.",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if s.Summary != "All figures are in." {
		t.Errorf("expected first-sentence summary, got %q", s.Summary)
	}
}

// failingSummarizer always errors; submit must not care.
type failingSummarizer struct{}

func (failingSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return "", errors.Timeout("model timeout")
}

func TestSummarizerFailureDoesNotBlockSubmit(t *testing.T) {
	e, _ := newTestEngine(t, WithSummarizer(failingSummarizer{}))
	_, steps := threeStepTask(t, e)
	ctx := context.Background()

	if _, _, err := e.Claim(ctx, steps[0].ID, "worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	s, err := e.Submit(ctx, steps[0].ID, "worker-1", SubmitRequest{Result: "Done. All of it."})
	if err != nil {
		t.Fatalf("Submit must survive summarizer failure: %v", err)
	}
	if s.Summary != "Done." {
		t.Errorf("expected heuristic fallback, got %q", s.Summary)
	}
}

func TestNotifierFailureDoesNotSurface(t *testing.T) {
	e, rec := newTestEngine(t)
	rec.fail = true
	_, steps := threeStepTask(t, e)

	if _, _, err := e.Claim(context.Background(), steps[0].ID, "worker-1"); err != nil {
		t.Fatalf("claim must succeed despite notify failure: %v", err)
	}
}

func TestAddStepInsertShiftsOrders(t *testing.T) {
	e, _ := newTestEngine(t)
	task, _ := threeStepTask(t, e)
	ctx := context.Background()

	inserted, err := e.AddStep(ctx, task.ID, 2, StepSpec{Title: "sanity-check figures", RequiresApproval: true})
	if err != nil {
		t.Fatalf("AddStep failed: %v", err)
	}
	if inserted.Order != 2 {
		t.Errorf("expected order 2, got %d", inserted.Order)
	}

	steps, _ := e.ListSteps(ctx, task.ID)
	if len(steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(steps))
	}
	seen := map[int]string{}
	for i, s := range steps {
		if s.Order != i+1 {
			t.Errorf("position %d holds order %d", i, s.Order)
		}
		if prev, dup := seen[s.Order]; dup {
			t.Errorf("order %d shared by %q and %q", s.Order, prev, s.Title)
		}
		seen[s.Order] = s.Title
	}
	if steps[1].Title != "sanity-check figures" {
		t.Errorf("inserted step not at position 2: %q", steps[1].Title)
	}
	if steps[2].Title != "draft report" || steps[3].Title != "publish" {
		t.Errorf("shifted steps out of order: %q, %q", steps[2].Title, steps[3].Title)
	}
	if !steps[1].Blocked || !steps[2].Blocked || !steps[3].Blocked {
		t.Error("everything after an unapproved first step stays blocked")
	}

	appended, err := e.AddStep(ctx, task.ID, 0, StepSpec{Title: "archive"})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if appended.Order != 5 {
		t.Errorf("append should take order 5, got %d", appended.Order)
	}

	updated, _ := e.GetTask(ctx, task.ID)
	if updated.StepCount != 5 {
		t.Errorf("step count should track inserts, got %d", updated.StepCount)
	}
}

func TestTaskCompletes(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx := context.Background()
	task, err := e.CreateTask(ctx, TaskSpec{
		Title:     "two quick steps",
		CreatorID: "creator-1",
		Steps: []StepSpec{
			{Title: "one"},
			{Title: "two"},
		},
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	steps, _ := e.ListSteps(ctx, task.ID)

	for _, s := range steps {
		if _, _, err := e.Claim(ctx, s.ID, "agent-1"); err != nil {
			t.Fatalf("claim %q failed: %v", s.Title, err)
		}
		if _, err := e.Submit(ctx, s.ID, "agent-1", SubmitRequest{Result: "ok, done here."}); err != nil {
			t.Fatalf("submit %q failed: %v", s.Title, err)
		}
	}

	got, _ := e.GetTask(ctx, task.ID)
	if got.Status != step.TaskDone {
		t.Errorf("expected task done, got %q", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("task completion timestamp missing")
	}
	if len(rec.byType(notify.EventTaskDone)) != 1 {
		t.Error("expected one task:done event to the creator")
	}
}

func TestHistoryUnknownStep(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.History(context.Background(), "missing"); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestFirstSentence(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Short answer.", "Short answer."},
		{"First sentence. Second sentence.", "First sentence."},
		{"no terminator here", "no terminator here"},
		{"line one\nline two", "line one"},
	}
	for _, tt := range tests {
		if got := firstSentence(tt.in); got != tt.want {
			t.Errorf("firstSentence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := strings.Repeat("word ", 60)
	if got := firstSentence(long); len(got) > 145 {
		t.Errorf("long text not capped: %d chars", len(got))
	}
}

// mustClaimSubmit claims a step for the worker and submits a result.
func (e *Engine) mustClaimSubmit(t *testing.T, stepID, workerID, result string) {
	t.Helper()
	if _, _, err := e.Claim(context.Background(), stepID, workerID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := e.Submit(context.Background(), stepID, workerID, SubmitRequest{Result: result, Summary: "s"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
}
