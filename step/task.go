package step

import "time"

// TaskStatus represents the aggregate state of a task.
type TaskStatus string

const (
	// TaskTodo indicates no step has started.
	TaskTodo TaskStatus = "todo"

	// TaskInProgress indicates at least one step is past pending.
	TaskInProgress TaskStatus = "in_progress"

	// TaskDone indicates every step is done. Terminal.
	TaskDone TaskStatus = "done"

	// TaskSuggested indicates a draft produced by an external
	// decomposition service, not yet accepted by its creator.
	TaskSuggested TaskStatus = "suggested"
)

// String returns the string representation of the task status.
func (t TaskStatus) String() string {
	return string(t)
}

// Valid returns true if the task status is a known value.
func (t TaskStatus) Valid() bool {
	switch t {
	case TaskTodo, TaskInProgress, TaskDone, TaskSuggested:
		return true
	default:
		return false
	}
}

// Task is an ordered collection of steps toward a single outcome.
type Task struct {
	// ID uniquely identifies the task.
	ID string `json:"id"`

	// Title and Description describe the outcome.
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// Status is the aggregate state derived from the steps.
	Status TaskStatus `json:"status"`

	// CreatorID is the identity that created the task.
	CreatorID string `json:"creator_id,omitempty"`

	// StepCount is maintained by the engine as steps are added.
	StepCount int `json:"step_count"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks required fields.
func (t *Task) Validate() error {
	if t.Title == "" {
		return ErrInvalidTask
	}
	return nil
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.CompletedAt = cloneTime(t.CompletedAt)
	return &clone
}
