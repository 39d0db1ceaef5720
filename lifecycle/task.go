package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskyard/stepkit/errors"
	"github.com/taskyard/stepkit/notify"
	"github.com/taskyard/stepkit/state"
	"github.com/taskyard/stepkit/step"
)

// StepSpec describes one step at task creation or insertion time.
type StepSpec struct {
	Title            string
	Description      string
	ExpectedOutput   string
	AssigneeID       string
	RequiresApproval bool
}

// TaskSpec describes a task and its ordered steps.
type TaskSpec struct {
	Title       string
	Description string
	CreatorID   string
	Steps       []StepSpec
}

// CreateTask creates a task with its steps in the given order. The
// first step starts unblocked; every later step starts blocked until
// its predecessor is approved.
func (e *Engine) CreateTask(ctx context.Context, spec TaskSpec) (*step.Task, error) {
	if e.closed.Load() {
		return nil, errors.Internal("engine closed")
	}
	if spec.Title == "" {
		return nil, errors.BadRequest("task title is required")
	}
	for _, ss := range spec.Steps {
		if ss.Title == "" {
			return nil, errors.BadRequest("step title is required")
		}
	}

	now := time.Now()
	t := &step.Task{
		ID:          e.idGen(),
		Title:       spec.Title,
		Description: spec.Description,
		Status:      step.TaskTodo,
		CreatorID:   spec.CreatorID,
		StepCount:   len(spec.Steps),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Internal("encode task", errors.WithCause(err))
	}
	if _, err := e.store.Create(taskKey(t.ID), data); err != nil {
		return nil, errors.Internal("store task", errors.WithTaskID(t.ID), errors.WithCause(err))
	}

	for i, ss := range spec.Steps {
		s := newStep(e.idGen(), t.ID, i+1, ss, now)
		s.Blocked = i > 0
		if err := e.createStep(s); err != nil {
			return nil, err
		}
	}

	return t.Clone(), nil
}

// AddStep inserts a step into an existing task at the given order.
// Steps at or after that order shift by +1. Order 0 or anything past
// the end appends. Blocked flags are recomputed for the whole task.
func (e *Engine) AddStep(ctx context.Context, taskID string, order int, spec StepSpec) (*step.Step, error) {
	if e.closed.Load() {
		return nil, errors.Internal("engine closed")
	}
	if spec.Title == "" {
		return nil, errors.BadRequest("step title is required")
	}

	t, taskRev, err := e.loadTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == step.TaskDone {
		return nil, errors.InvalidState("task is done", errors.WithTaskID(taskID))
	}

	steps, err := e.taskSteps(taskID)
	if err != nil {
		return nil, err
	}

	if order <= 0 || order > len(steps)+1 {
		order = len(steps) + 1
	}

	// Shift everything at or after the insertion point. Shifting from
	// the tail keeps orders unique at every intermediate write.
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Order < order {
			break
		}
		steps[i].Order++
		if err := e.rewriteStep(steps[i]); err != nil {
			return nil, err
		}
	}

	s := newStep(e.idGen(), taskID, order, spec, time.Now())
	if err := e.createStep(s); err != nil {
		return nil, err
	}

	t.StepCount = len(steps) + 1
	if err := e.saveTask(t, taskRev); err != nil {
		return nil, err
	}

	if err := e.recomputeBlocked(taskID); err != nil {
		return nil, err
	}

	fresh, _, err := e.loadStep(s.ID)
	if err != nil {
		return nil, err
	}
	return fresh.Clone(), nil
}

// GetTask retrieves a task by ID.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*step.Task, error) {
	if e.closed.Load() {
		return nil, errors.Internal("engine closed")
	}
	t, _, err := e.loadTask(taskID)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// GetStep retrieves a step by ID.
func (e *Engine) GetStep(ctx context.Context, stepID string) (*step.Step, error) {
	if e.closed.Load() {
		return nil, errors.Internal("engine closed")
	}
	s, _, err := e.loadStep(stepID)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// ListSteps returns a task's steps in order.
func (e *Engine) ListSteps(ctx context.Context, taskID string) ([]*step.Step, error) {
	if e.closed.Load() {
		return nil, errors.Internal("engine closed")
	}
	if _, _, err := e.loadTask(taskID); err != nil {
		return nil, err
	}

	steps, err := e.taskSteps(taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*step.Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out, nil
}

// newStep builds a fresh pending step from a spec.
func newStep(id, taskID string, order int, spec StepSpec, now time.Time) *step.Step {
	return &step.Step{
		ID:               id,
		TaskID:           taskID,
		Order:            order,
		Title:            spec.Title,
		Description:      spec.Description,
		ExpectedOutput:   spec.ExpectedOutput,
		Status:           step.StatusPending,
		AssigneeID:       spec.AssigneeID,
		RequiresApproval: spec.RequiresApproval,
		AppealStatus:     step.AppealNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// createStep stores a new step plus its ID index entry.
func (e *Engine) createStep(s *step.Step) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Internal("encode step", errors.WithStepID(s.ID), errors.WithCause(err))
	}
	if _, err := e.store.Create(stepKey(s.TaskID, s.ID), data); err != nil {
		return errors.Internal("store step", errors.WithStepID(s.ID), errors.WithCause(err))
	}
	if err := e.store.Put(stepIdxKey(s.ID), []byte(s.TaskID), 0); err != nil {
		return errors.Internal("index step", errors.WithStepID(s.ID), errors.WithCause(err))
	}
	return nil
}

// rewriteStep re-reads a step's revision and commits the given record
// over it. Used by order shifts and blocked-flag recomputation, where
// the caller already holds the authoritative content.
func (e *Engine) rewriteStep(s *step.Step) error {
	kv, err := e.store.GetKeyValue(stepKey(s.TaskID, s.ID))
	if err != nil {
		if err == state.ErrNotFound {
			return errors.NotFound("step not found", errors.WithStepID(s.ID))
		}
		return errors.Internal("load step", errors.WithStepID(s.ID), errors.WithCause(err))
	}
	return e.saveStep(s, kv.Revision)
}

// recomputeBlocked rewrites blocked flags so each pending step is
// unblocked only when everything before it is done.
func (e *Engine) recomputeBlocked(taskID string) error {
	steps, err := e.taskSteps(taskID)
	if err != nil {
		return err
	}

	allPriorDone := true
	for _, s := range steps {
		blocked := !allPriorDone
		if s.Status != step.StatusDone && s.Blocked != blocked {
			s.Blocked = blocked
			if err := e.rewriteStep(s); err != nil {
				return err
			}
		}
		if s.Status != step.StatusDone {
			allPriorDone = false
		}
	}
	return nil
}

// advanceTask moves the task's aggregate status after a step
// transition and reports completion to the creator.
func (e *Engine) advanceTask(taskID string) {
	t, rev, err := e.loadTask(taskID)
	if err != nil {
		e.log.Warn("advance_task_failed", map[string]interface{}{
			"task":  taskID,
			"error": err.Error(),
		})
		return
	}
	if t.Status == step.TaskDone {
		return
	}

	steps, err := e.taskSteps(taskID)
	if err != nil || len(steps) == 0 {
		return
	}

	allDone := true
	anyActive := false
	for _, s := range steps {
		if s.Status != step.StatusDone {
			allDone = false
		}
		if s.Status != step.StatusPending || s.RejectionCount > 0 {
			anyActive = true
		}
	}

	next := t.Status
	switch {
	case allDone:
		next = step.TaskDone
	case anyActive:
		next = step.TaskInProgress
	}
	if next == t.Status {
		return
	}

	t.Status = next
	if next == step.TaskDone {
		now := time.Now()
		t.CompletedAt = &now
	}
	if err := e.saveTask(t, rev); err != nil {
		e.log.Warn("advance_task_failed", map[string]interface{}{
			"task":  taskID,
			"error": err.Error(),
		})
		return
	}

	if next == step.TaskDone {
		e.publish(t.CreatorID, notify.TaskEvent(notify.EventTaskDone, t.ID, "", ""))
	}
}
