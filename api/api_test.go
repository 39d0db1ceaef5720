package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/taskyard/stepkit/audit"
	coorderrors "github.com/taskyard/stepkit/errors"
	"github.com/taskyard/stepkit/lifecycle"
	"github.com/taskyard/stepkit/logging"
	"github.com/taskyard/stepkit/ratelimit"
	"github.com/taskyard/stepkit/registry"
	"github.com/taskyard/stepkit/state"
	"github.com/taskyard/stepkit/step"
	"github.com/taskyard/stepkit/transport"
)

func quietLogger() *logging.Logger {
	log := logging.New()
	log.SetLevel(logging.LevelError)
	log.SetOutput(discard{})
	return log
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	engine := lifecycle.NewEngine(store, lifecycle.WithLogger(quietLogger()))
	t.Cleanup(func() { engine.Close() })

	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	t.Cleanup(func() { reg.Close() })

	idx, err := audit.New(audit.Config{})
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	srv, err := NewServer(Config{
		Engine:   engine,
		Registry: reg,
		Audit:    idx,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv
}

func call(t *testing.T, s *Server, caller, method string, params interface{}) interface{} {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	result, err := s.Handle(context.Background(), caller, method, raw)
	if err != nil {
		t.Fatalf("%s failed: %v", method, err)
	}
	return result
}

func createTask(t *testing.T, s *Server) (*step.Task, []*step.Step) {
	t.Helper()
	result := call(t, s, "creator-1", "task.create", TaskCreateParams{
		Title: "launch announcement",
		Steps: []StepSpecParams{
			{Title: "draft post", RequiresApproval: true},
			{Title: "publish", RequiresApproval: true},
		},
	})
	task, ok := result.(*step.Task)
	if !ok {
		t.Fatalf("task.create returned %T, want *step.Task", result)
	}

	listed := call(t, s, "creator-1", "task.steps", TaskParams{TaskID: task.ID})
	steps, ok := listed.([]*step.Step)
	if !ok {
		t.Fatalf("task.steps returned %T, want []*step.Step", listed)
	}
	return task, steps
}

func TestClaimSubmitApproveFlow(t *testing.T) {
	s := newTestServer(t)
	_, steps := createTask(t, s)

	result := call(t, s, "worker-1", "step.claim", StepParams{StepID: steps[0].ID})
	claim, ok := result.(*ClaimResult)
	if !ok {
		t.Fatalf("step.claim returned %T, want *ClaimResult", result)
	}
	if claim.Step.Status != step.StatusInProgress {
		t.Errorf("status = %q, want %q", claim.Step.Status, step.StatusInProgress)
	}
	if claim.Step.AssigneeID != "worker-1" {
		t.Errorf("assignee = %q, want worker-1", claim.Step.AssigneeID)
	}
	if claim.Context == nil {
		t.Error("expected a step context on claim")
	}

	result = call(t, s, "worker-1", "step.submit", SubmitParams{
		StepID: steps[0].ID,
		Result: "post drafted, see attached doc",
	})
	submitted := result.(*step.Step)
	if submitted.Status != step.StatusWaitingApproval {
		t.Errorf("status after submit = %q, want %q", submitted.Status, step.StatusWaitingApproval)
	}

	result = call(t, s, "creator-1", "step.approve", StepParams{StepID: steps[0].ID})
	approved := result.(*step.Step)
	if approved.Status != step.StatusDone {
		t.Errorf("status after approve = %q, want %q", approved.Status, step.StatusDone)
	}
}

func TestCallerIdentityIsEnforced(t *testing.T) {
	s := newTestServer(t)
	_, steps := createTask(t, s)

	call(t, s, "worker-1", "step.claim", StepParams{StepID: steps[0].ID})

	// A different connection cannot submit on worker-1's claim.
	raw, _ := json.Marshal(SubmitParams{StepID: steps[0].ID, Result: "hijacked"})
	_, err := s.Handle(context.Background(), "worker-2", "step.submit", raw)
	if !coorderrors.Is(err, coorderrors.CodeConflict) {
		t.Errorf("submit by non-holder: got %v, want conflict", err)
	}
}

func TestHistoryAfterRejection(t *testing.T) {
	s := newTestServer(t)
	_, steps := createTask(t, s)

	call(t, s, "worker-1", "worker.register", registry.WorkerInfo{
		Name:   "Drafting Agent",
		Kind:   registry.KindAgent,
		Status: registry.StatusOnline,
	})
	call(t, s, "creator-1", "worker.register", registry.WorkerInfo{
		Name:   "Maya",
		Kind:   registry.KindHuman,
		Status: registry.StatusOnline,
	})

	call(t, s, "worker-1", "step.claim", StepParams{StepID: steps[0].ID})
	call(t, s, "worker-1", "step.submit", SubmitParams{StepID: steps[0].ID, Result: "first try"})
	call(t, s, "creator-1", "step.reject", RejectParams{StepID: steps[0].ID, Reason: "missing numbers"})
	call(t, s, "worker-1", "step.claim", StepParams{StepID: steps[0].ID})
	call(t, s, "worker-1", "step.submit", SubmitParams{StepID: steps[0].ID, Result: "second try"})

	result := call(t, s, "creator-1", "step.history", StepParams{StepID: steps[0].ID})
	history, ok := result.([]HistoryEntry)
	if !ok {
		t.Fatalf("step.history returned %T, want []HistoryEntry", result)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Result != "first try" || history[1].Result != "second try" {
		t.Errorf("history out of order: %q, %q", history[0].Result, history[1].Result)
	}

	// Identities come back as registered display names, not raw IDs.
	if history[0].SubmittedByName != "Drafting Agent" {
		t.Errorf("SubmittedByName = %q, want Drafting Agent", history[0].SubmittedByName)
	}
	if history[0].ReviewedByName != "Maya" {
		t.Errorf("ReviewedByName = %q, want Maya", history[0].ReviewedByName)
	}
	// The second attempt awaits review, so there is no reviewer yet.
	if history[1].ReviewedByName != "" {
		t.Errorf("ReviewedByName = %q for an unreviewed submission", history[1].ReviewedByName)
	}
}

func TestHistoryNamesFallBackToIDs(t *testing.T) {
	s := newTestServer(t)
	_, steps := createTask(t, s)

	call(t, s, "worker-9", "step.claim", StepParams{StepID: steps[0].ID})
	call(t, s, "worker-9", "step.submit", SubmitParams{StepID: steps[0].ID, Result: "done"})

	result := call(t, s, "creator-1", "step.history", StepParams{StepID: steps[0].ID})
	history := result.([]HistoryEntry)
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].SubmittedByName != "worker-9" {
		t.Errorf("unregistered worker should fall back to its ID, got %q", history[0].SubmittedByName)
	}
}

func TestWorkerRegistration(t *testing.T) {
	s := newTestServer(t)

	// The payload's ID is ignored in favor of the connection identity.
	call(t, s, "agent-7", "worker.register", registry.WorkerInfo{
		ID:     "spoofed",
		Name:   "Research Agent",
		Kind:   registry.KindAgent,
		Skills: []string{"research"},
		Status: registry.StatusOnline,
	})

	result := call(t, s, "anyone", "worker.list", WorkerListParams{Skill: "research"})
	workers, ok := result.([]registry.WorkerInfo)
	if !ok {
		t.Fatalf("worker.list returned %T, want []registry.WorkerInfo", result)
	}
	if len(workers) != 1 || workers[0].ID != "agent-7" {
		t.Fatalf("workers = %+v, want one entry with ID agent-7", workers)
	}

	call(t, s, "agent-7", "worker.deregister", struct{}{})
	result = call(t, s, "anyone", "worker.list", WorkerListParams{})
	if workers := result.([]registry.WorkerInfo); len(workers) != 0 {
		t.Errorf("workers after deregister = %d, want 0", len(workers))
	}
}

func TestAuditSearchRequiresQuery(t *testing.T) {
	s := newTestServer(t)

	raw, _ := json.Marshal(AuditSearchParams{})
	_, err := s.Handle(context.Background(), "reviewer-1", "audit.search", raw)
	if !coorderrors.Is(err, coorderrors.CodeBadRequest) {
		t.Errorf("empty query: got %v, want bad request", err)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)

	_, err := s.Handle(context.Background(), "worker-1", "step.teleport", json.RawMessage(`{}`))
	if !stderrors.Is(err, ErrMethodNotFound) {
		t.Errorf("got %v, want ErrMethodNotFound", err)
	}
}

func TestMalformedParams(t *testing.T) {
	s := newTestServer(t)

	_, err := s.Handle(context.Background(), "worker-1", "step.claim", json.RawMessage(`{not json`))
	if !coorderrors.Is(err, coorderrors.CodeBadRequest) {
		t.Errorf("malformed params: got %v, want bad request", err)
	}

	_, err = s.Handle(context.Background(), "worker-1", "step.claim", nil)
	if !coorderrors.Is(err, coorderrors.CodeBadRequest) {
		t.Errorf("missing params: got %v, want bad request", err)
	}
}

func TestRateLimitExhausted(t *testing.T) {
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	engine := lifecycle.NewEngine(store, lifecycle.WithLogger(quietLogger()))
	t.Cleanup(func() { engine.Close() })

	limiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{
		DefaultBudget: 1,
		DefaultWindow: time.Hour,
	})
	t.Cleanup(func() { limiter.Close() })

	srv, err := NewServer(Config{Engine: engine, Limiter: limiter, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	// Hold the caller's only token so the next call finds none.
	if !limiter.TryAcquire("worker-1") {
		t.Fatal("expected first acquire to succeed")
	}

	_, err = srv.Handle(context.Background(), "worker-1", "step.get", json.RawMessage(`{"step_id":"s1"}`))
	if !coorderrors.Is(err, coorderrors.CodeRateLimit) {
		t.Errorf("got %v, want rate limit error", err)
	}

	// Another caller has its own budget.
	_, err = srv.Handle(context.Background(), "worker-2", "step.get", json.RawMessage(`{"step_id":"s1"}`))
	if coorderrors.Is(err, coorderrors.CodeRateLimit) {
		t.Errorf("worker-2 should not share worker-1's budget, got %v", err)
	}
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"method not found", ErrMethodNotFound, transport.MethodNotFound},
		{"bad request", coorderrors.BadRequest("bad"), transport.InvalidParams},
		{"not found", coorderrors.NotFound("missing"), -32004},
		{"forbidden", coorderrors.Forbidden("no"), -32003},
		{"invalid state", coorderrors.InvalidState("cannot"), -32009},
		{"conflict", coorderrors.Conflict("taken"), -32010},
		{"stale revision", coorderrors.StaleRevision("s1"), -32011},
		{"rate limited", coorderrors.RateLimited("slow down"), -32029},
		{"plain error", stderrors.New("boom"), transport.InternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, message, _ := translateError("step.claim", tt.err)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if message == "" {
				t.Error("message should not be empty")
			}
		})
	}
}

func TestDispatchBuildsResponses(t *testing.T) {
	s := newTestServer(t)
	task, _ := createTask(t, s)

	raw, _ := json.Marshal(TaskParams{TaskID: task.ID})
	resp := s.dispatch(context.Background(), "creator-1", &transport.Request{
		JSONRPC: "2.0",
		ID:      float64(1),
		Method:  "task.get",
		Params:  raw,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.ID != float64(1) {
		t.Errorf("response ID = %v, want 1", resp.ID)
	}

	resp = s.dispatch(context.Background(), "creator-1", &transport.Request{
		JSONRPC: "2.0",
		ID:      float64(2),
		Method:  "task.get",
		Params:  json.RawMessage(`{"task_id":"nope"}`),
	})
	if resp.Error == nil || resp.Error.Code != -32004 {
		t.Fatalf("error = %+v, want code -32004", resp.Error)
	}
	if resp.Error.Data == nil {
		t.Error("domain errors should carry structured data")
	}
}
