package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskyard/stepkit/errors"
	"github.com/taskyard/stepkit/logging"
	"github.com/taskyard/stepkit/notify"
	"github.com/taskyard/stepkit/state"
	"github.com/taskyard/stepkit/step"
	"github.com/taskyard/stepkit/telemetry"
)

const (
	// Key prefixes for the state store.
	taskPrefix    = "lc.task."
	stepPrefix    = "lc.step."
	stepIdxPrefix = "lc.stepidx."
	subPrefix     = "lc.sub."
)

// summarizeTimeout bounds best-effort summary synthesis on submit.
const summarizeTimeout = 3 * time.Second

// AccessPolicy decides review rights. Injected so privileged identities
// and delegation stay outside the engine.
type AccessPolicy interface {
	// IsPrivileged reports whether the identity bypasses role checks.
	IsPrivileged(identity string) bool

	// CanReview reports whether the identity may review steps of a
	// task created by creatorID.
	CanReview(identity, creatorID string) bool
}

// creatorOnly is the default policy: only the task creator reviews.
type creatorOnly struct{}

func (creatorOnly) IsPrivileged(string) bool { return false }

func (creatorOnly) CanReview(identity, creatorID string) bool {
	return identity != "" && identity == creatorID
}

// Summarizer synthesizes a short summary from a submission result.
// Called with a bounded context; errors fall back to a local heuristic.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// AuditSink receives submissions for out-of-band indexing. Calls are
// best-effort after the transition commits.
type AuditSink interface {
	IndexSubmission(sub *step.Submission) error
}

// NameResolver maps worker identities to display names for the
// sibling-step manifest handed out on claim.
type NameResolver interface {
	DisplayName(id string) string
}

// Engine orchestrates the step lifecycle over a revision-guarded state
// store. Every status-changing operation loads the record with its
// revision and commits with a conditional update, so concurrent callers
// on the same step resolve to exactly one winner.
type Engine struct {
	store      state.Store
	log        *logging.Logger
	notifier   notify.Notifier
	policy     AccessPolicy
	summarizer Summarizer
	audit      AuditSink
	names      NameResolver
	idGen      func() string
	closed     atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithNotifier sets the event notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithPolicy sets the access policy.
func WithPolicy(p AccessPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithSummarizer sets the summary synthesizer used when a submission
// omits its summary.
func WithSummarizer(s Summarizer) Option {
	return func(e *Engine) {
		e.summarizer = s
	}
}

// WithAuditSink sets the submission audit sink.
func WithAuditSink(a AuditSink) Option {
	return func(e *Engine) {
		e.audit = a
	}
}

// WithNameResolver sets the worker display-name resolver.
func WithNameResolver(r NameResolver) Option {
	return func(e *Engine) {
		e.names = r
	}
}

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.idGen = gen
	}
}

// NewEngine creates an engine backed by the given state store.
func NewEngine(store state.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		log:      logging.New().WithComponent("lifecycle"),
		notifier: notify.NopNotifier{},
		policy:   creatorOnly{},
		idGen:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close releases resources held by the engine. The store, bus, and
// notifier are owned by the caller.
func (e *Engine) Close() error {
	e.closed.Swap(true)
	return nil
}

// canReview applies the injected policy plus the privilege bypass.
func (e *Engine) canReview(identity, creatorID string) bool {
	if e.policy.IsPrivileged(identity) {
		return true
	}
	return e.policy.CanReview(identity, creatorID)
}

// publish delivers an event best-effort. Failures never surface.
func (e *Engine) publish(userID string, ev *notify.Event) {
	if userID == "" {
		return
	}
	if err := e.notifier.Publish(userID, ev); err != nil {
		e.log.PublishFailed(userID, ev.Type.String(), err)
	}
}

// endStepSpan closes an operation span with the step's final shape.
// Result content rides along only when the tracer runs in debug mode.
func (e *Engine) endStepSpan(span trace.Span, stepID, actor string, s *step.Step, err error) {
	opts := telemetry.StepSpanOptions{StepID: stepID, Actor: actor}
	if s != nil {
		opts.TaskID = s.TaskID
		opts.Status = s.Status.String()
		opts.Result = s.Result
	}
	telemetry.GetTracer().EndStepSpan(span, opts, err)
}

// indexSubmission hands a submission to the audit sink best-effort.
func (e *Engine) indexSubmission(sub *step.Submission) {
	if e.audit == nil {
		return
	}
	if err := e.audit.IndexSubmission(sub); err != nil {
		e.log.Warn("audit_index_failed", map[string]interface{}{
			"submission": sub.ID,
			"error":      err.Error(),
		})
	}
}

// --- Persistence helpers ---

func taskKey(taskID string) string {
	return taskPrefix + taskID
}

func stepKey(taskID, stepID string) string {
	return stepPrefix + taskID + "." + stepID
}

func stepIdxKey(stepID string) string {
	return stepIdxPrefix + stepID
}

func subKey(stepID string, attempt int) string {
	return fmt.Sprintf("%s%s.%06d", subPrefix, stepID, attempt)
}

// loadTask reads and decodes a task with its revision.
func (e *Engine) loadTask(taskID string) (*step.Task, uint64, error) {
	kv, err := e.store.GetKeyValue(taskKey(taskID))
	if err != nil {
		if err == state.ErrNotFound {
			return nil, 0, errors.NotFound("task not found", errors.WithTaskID(taskID))
		}
		return nil, 0, errors.Internal("load task", errors.WithTaskID(taskID), errors.WithCause(err))
	}

	var t step.Task
	if err := json.Unmarshal(kv.Value, &t); err != nil {
		return nil, 0, errors.New(errors.CodeCorruption, "task record corrupt",
			errors.WithTaskID(taskID), errors.WithCause(err))
	}
	return &t, kv.Revision, nil
}

// loadStep resolves a step by ID through the index and reads it with
// its revision.
func (e *Engine) loadStep(stepID string) (*step.Step, uint64, error) {
	idx, err := e.store.Get(stepIdxKey(stepID))
	if err != nil {
		if err == state.ErrNotFound {
			return nil, 0, errors.NotFound("step not found", errors.WithStepID(stepID))
		}
		return nil, 0, errors.Internal("resolve step", errors.WithStepID(stepID), errors.WithCause(err))
	}

	kv, err := e.store.GetKeyValue(stepKey(string(idx), stepID))
	if err != nil {
		if err == state.ErrNotFound {
			return nil, 0, errors.NotFound("step not found", errors.WithStepID(stepID))
		}
		return nil, 0, errors.Internal("load step", errors.WithStepID(stepID), errors.WithCause(err))
	}

	var s step.Step
	if err := json.Unmarshal(kv.Value, &s); err != nil {
		return nil, 0, errors.New(errors.CodeCorruption, "step record corrupt",
			errors.WithStepID(stepID), errors.WithCause(err))
	}
	return &s, kv.Revision, nil
}

// saveStep commits a step with a conditional update. A stale revision
// means a concurrent writer won the race.
func (e *Engine) saveStep(s *step.Step, rev uint64) error {
	s.UpdatedAt = time.Now()
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Internal("encode step", errors.WithStepID(s.ID), errors.WithCause(err))
	}

	if _, err := e.store.Update(stepKey(s.TaskID, s.ID), data, rev); err != nil {
		if err == state.ErrRevisionStale {
			return errors.StaleRevision(s.ID)
		}
		return errors.Internal("save step", errors.WithStepID(s.ID), errors.WithCause(err))
	}
	return nil
}

// saveTask commits a task with a conditional update.
func (e *Engine) saveTask(t *step.Task, rev uint64) error {
	t.UpdatedAt = time.Now()
	data, err := json.Marshal(t)
	if err != nil {
		return errors.Internal("encode task", errors.WithTaskID(t.ID), errors.WithCause(err))
	}

	if _, err := e.store.Update(taskKey(t.ID), data, rev); err != nil {
		if err == state.ErrRevisionStale {
			return errors.New(errors.CodeStaleRevision, "task was modified concurrently",
				errors.WithTaskID(t.ID))
		}
		return errors.Internal("save task", errors.WithTaskID(t.ID), errors.WithCause(err))
	}
	return nil
}

// taskSteps loads all steps of a task, sorted by order.
func (e *Engine) taskSteps(taskID string) ([]*step.Step, error) {
	keys, err := e.store.Keys(stepPrefix + taskID + ".*")
	if err != nil && err != state.ErrNotFound {
		return nil, errors.Internal("list steps", errors.WithTaskID(taskID), errors.WithCause(err))
	}

	steps := make([]*step.Step, 0, len(keys))
	for _, key := range keys {
		data, err := e.store.Get(key)
		if err != nil {
			continue
		}
		var s step.Step
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		steps = append(steps, &s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps, nil
}
