package api

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/taskyard/stepkit/audit"
	"github.com/taskyard/stepkit/errors"
	"github.com/taskyard/stepkit/lifecycle"
	"github.com/taskyard/stepkit/logging"
	"github.com/taskyard/stepkit/ratelimit"
	"github.com/taskyard/stepkit/registry"
	"github.com/taskyard/stepkit/step"
)

// ErrMethodNotFound is returned for unrecognized method names.
var ErrMethodNotFound = stderrors.New("method not found")

// Server dispatches JSON-RPC methods onto the lifecycle engine.
//
// Caller identity is established per connection, not per request: the
// transport layer resolves it (e.g. from an upgrade header) and passes
// it to Handle. Params never carry identity, so a worker cannot claim
// as someone else.
type Server struct {
	engine   *lifecycle.Engine
	registry registry.Registry
	audit    *audit.Index
	limiter  ratelimit.Limiter
	log      *logging.Logger
}

// Config configures the API server. Engine is required; the rest are
// optional features.
type Config struct {
	Engine   *lifecycle.Engine
	Registry registry.Registry
	Audit    *audit.Index
	Limiter  ratelimit.Limiter
	Logger   *logging.Logger
}

// NewServer creates an API server over the given engine.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, stderrors.New("engine is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New().WithComponent("api")
	}
	return &Server{
		engine:   cfg.Engine,
		registry: cfg.Registry,
		audit:    cfg.Audit,
		limiter:  cfg.Limiter,
		log:      log,
	}, nil
}

// --- Params and results ---

// StepSpecParams describes one step in task creation or insertion.
type StepSpecParams struct {
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	ExpectedOutput   string `json:"expected_output,omitempty"`
	AssigneeID       string `json:"assignee_id,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
}

func (p StepSpecParams) spec() lifecycle.StepSpec {
	return lifecycle.StepSpec{
		Title:            p.Title,
		Description:      p.Description,
		ExpectedOutput:   p.ExpectedOutput,
		AssigneeID:       p.AssigneeID,
		RequiresApproval: p.RequiresApproval,
	}
}

// TaskCreateParams are the parameters for "task.create".
type TaskCreateParams struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Steps       []StepSpecParams `json:"steps"`
}

// TaskParams identify a task.
type TaskParams struct {
	TaskID string `json:"task_id"`
}

// AddStepParams are the parameters for "task.addStep".
type AddStepParams struct {
	TaskID string         `json:"task_id"`
	Order  int            `json:"order,omitempty"`
	Step   StepSpecParams `json:"step"`
}

// StepParams identify a step.
type StepParams struct {
	StepID string `json:"step_id"`
}

// HistoryEntry is one submission in a "step.history" response, with
// worker and reviewer identities resolved to display names.
type HistoryEntry struct {
	*step.Submission
	SubmittedByName string `json:"submitted_by_name,omitempty"`
	ReviewedByName  string `json:"reviewed_by_name,omitempty"`
}

// ClaimResult is the result of "step.claim".
type ClaimResult struct {
	Step    *step.Step             `json:"step"`
	Context *lifecycle.StepContext `json:"context"`
}

// SubmitParams are the parameters for "step.submit".
type SubmitParams struct {
	StepID         string   `json:"step_id"`
	Result         string   `json:"result"`
	Summary        string   `json:"summary,omitempty"`
	DurationMs     int64    `json:"duration_ms,omitempty"`
	AttachmentURLs []string `json:"attachment_urls,omitempty"`
}

// RejectParams are the parameters for "step.reject".
type RejectParams struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

// AppealParams are the parameters for "step.appeal".
type AppealParams struct {
	StepID string `json:"step_id"`
	Text   string `json:"text"`
}

// ResolveAppealParams are the parameters for "step.resolveAppeal".
type ResolveAppealParams struct {
	StepID   string `json:"step_id"`
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
}

// WorkerListParams are the parameters for "worker.list".
type WorkerListParams struct {
	Kind    string  `json:"kind,omitempty"`
	Status  string  `json:"status,omitempty"`
	Skill   string  `json:"skill,omitempty"`
	MaxLoad float64 `json:"max_load,omitempty"`
}

// AuditSearchParams are the parameters for "audit.search".
type AuditSearchParams struct {
	Query  string `json:"query"`
	TaskID string `json:"task_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// --- Dispatch ---

// Handle dispatches a single method call for the given caller identity.
func (s *Server) Handle(ctx context.Context, caller, method string, params json.RawMessage) (interface{}, error) {
	if s.limiter != nil {
		if !s.limiter.TryAcquire(caller) {
			return nil, errors.RateLimited("operation budget exhausted", errors.WithActorID(caller))
		}
		defer s.limiter.Release(caller)
	}

	switch method {
	case "task.create":
		return s.taskCreate(ctx, caller, params)
	case "task.get":
		var p TaskParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.engine.GetTask(ctx, p.TaskID)
	case "task.steps":
		var p TaskParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.engine.ListSteps(ctx, p.TaskID)
	case "task.addStep":
		var p AddStepParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.engine.AddStep(ctx, p.TaskID, p.Order, p.Step.spec())

	case "step.get":
		var p StepParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.engine.GetStep(ctx, p.StepID)
	case "step.claim":
		var p StepParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		claimed, stepCtx, err := s.engine.Claim(ctx, p.StepID, caller)
		if err != nil {
			return nil, err
		}
		return &ClaimResult{Step: claimed, Context: stepCtx}, nil
	case "step.submit":
		var p SubmitParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.engine.Submit(ctx, p.StepID, caller, lifecycle.SubmitRequest{
			Result:         p.Result,
			Summary:        p.Summary,
			DurationMs:     p.DurationMs,
			AttachmentURLs: p.AttachmentURLs,
		})
	case "step.approve":
		var p StepParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.engine.Approve(ctx, p.StepID, caller)
	case "step.reject":
		var p RejectParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.engine.Reject(ctx, p.StepID, caller, p.Reason)
	case "step.appeal":
		var p AppealParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.engine.Appeal(ctx, p.StepID, caller, p.Text)
	case "step.resolveAppeal":
		var p ResolveAppealParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.engine.ResolveAppeal(ctx, p.StepID, caller, lifecycle.AppealDecision(p.Decision), p.Note)
	case "step.history":
		var p StepParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.stepHistory(ctx, p.StepID)

	case "worker.register":
		return s.workerRegister(caller, params)
	case "worker.deregister":
		if s.registry == nil {
			return nil, ErrMethodNotFound
		}
		if err := s.registry.Deregister(caller); err != nil {
			return nil, errors.NotFound("worker not registered", errors.WithActorID(caller))
		}
		return map[string]bool{"ok": true}, nil
	case "worker.list":
		return s.workerList(params)

	case "audit.search":
		return s.auditSearch(params)
	}

	return nil, ErrMethodNotFound
}

func (s *Server) taskCreate(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
	var p TaskCreateParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	spec := lifecycle.TaskSpec{
		Title:       p.Title,
		Description: p.Description,
		CreatorID:   caller,
	}
	for _, sp := range p.Steps {
		spec.Steps = append(spec.Steps, sp.spec())
	}
	return s.engine.CreateTask(ctx, spec)
}

// stepHistory returns the submission history with identities resolved
// through the worker registry. Without a registry the raw IDs stand.
func (s *Server) stepHistory(ctx context.Context, stepID string) (interface{}, error) {
	subs, err := s.engine.History(ctx, stepID)
	if err != nil {
		return nil, err
	}

	var names *registry.Names
	if s.registry != nil {
		names = registry.NewNames(s.registry)
	}
	entries := make([]HistoryEntry, 0, len(subs))
	for _, sub := range subs {
		e := HistoryEntry{Submission: sub}
		if names != nil {
			e.SubmittedByName = names.DisplayName(sub.SubmittedBy)
			if sub.ReviewedBy != "" {
				e.ReviewedByName = names.DisplayName(sub.ReviewedBy)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Server) workerRegister(caller string, params json.RawMessage) (interface{}, error) {
	if s.registry == nil {
		return nil, ErrMethodNotFound
	}

	var info registry.WorkerInfo
	if err := decode(params, &info); err != nil {
		return nil, err
	}
	// The connection identity wins over whatever the payload claims.
	info.ID = caller
	if err := s.registry.Register(info); err != nil {
		return nil, errors.BadRequest("invalid worker info", errors.WithCause(err))
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) workerList(params json.RawMessage) (interface{}, error) {
	if s.registry == nil {
		return nil, ErrMethodNotFound
	}

	var p WorkerListParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	var filter *registry.Filter
	if p.Kind != "" || p.Status != "" || p.Skill != "" || p.MaxLoad > 0 {
		filter = &registry.Filter{
			Kind:    registry.Kind(p.Kind),
			Status:  registry.Status(p.Status),
			Skill:   p.Skill,
			MaxLoad: p.MaxLoad,
		}
	}
	return s.registry.List(filter)
}

func (s *Server) auditSearch(params json.RawMessage) (interface{}, error) {
	if s.audit == nil {
		return nil, ErrMethodNotFound
	}

	var p AuditSearchParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, errors.BadRequest("query is required")
	}

	hits, err := s.audit.Search(p.Query, p.TaskID, p.Limit)
	if err != nil {
		return nil, errors.Internal("audit search failed", errors.WithCause(err))
	}
	return hits, nil
}

// decode unmarshals params, treating malformed input as a bad request.
func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return errors.BadRequest("params are required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errors.BadRequest("malformed params", errors.WithCause(err))
	}
	return nil
}
