package step

import (
	"errors"
	"time"
)

// Common errors.
var (
	// ErrInvalidStep indicates the step is missing required fields.
	ErrInvalidStep = errors.New("invalid step")

	// ErrInvalidTask indicates the task is missing required fields.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidOrder indicates a non-positive step order.
	ErrInvalidOrder = errors.New("step order must be positive")
)

// Status represents the canonical state of a step.
type Status string

const (
	// StatusPending indicates the step is waiting to be claimed.
	// A rejected step returns here with RejectionCount > 0.
	StatusPending Status = "pending"

	// StatusInProgress indicates a worker holds the step.
	StatusInProgress Status = "in_progress"

	// StatusWaitingApproval indicates a submission awaits human review.
	StatusWaitingApproval Status = "waiting_approval"

	// StatusDone indicates the step is complete. Terminal.
	StatusDone Status = "done"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusWaitingApproval, StatusDone:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no transition leaves this status.
func (s Status) IsTerminal() bool {
	return s == StatusDone
}

// AppealStatus represents the dispute sub-state of a step. It is
// independent of the main status enum but gated by it: an appeal may only
// be pending while the step sits rejected in pending.
type AppealStatus string

const (
	AppealNone      AppealStatus = "none"
	AppealPending   AppealStatus = "pending"
	AppealUpheld    AppealStatus = "upheld"
	AppealDismissed AppealStatus = "dismissed"
)

// String returns the string representation of the appeal status.
func (a AppealStatus) String() string {
	return string(a)
}

// Step is the atomic claim/execute/review unit within a task.
type Step struct {
	// ID uniquely identifies the step. Stable across rejection cycles.
	ID string `json:"id"`

	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// Order defines execution and visibility sequencing within the task.
	// 1-based; unique per task; gaps permitted by insertion.
	Order int `json:"order"`

	// Title and Description describe the work.
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// ExpectedOutput describes what a submission should contain.
	ExpectedOutput string `json:"expected_output,omitempty"`

	// Status is the canonical lifecycle state.
	Status Status `json:"status"`

	// Blocked is true until the predecessor step is approved.
	// The first step of a task is never blocked.
	Blocked bool `json:"blocked"`

	// AssigneeID is the worker currently owning the step.
	// Empty means open for claim.
	AssigneeID string `json:"assignee_id,omitempty"`

	// RequiresApproval controls the submit transition: false sends a
	// submission straight to done.
	RequiresApproval bool `json:"requires_approval"`

	// Result and Summary cache the latest submission's content.
	// Submission history is the durable record.
	Result  string `json:"result,omitempty"`
	Summary string `json:"summary,omitempty"`

	// Rejection audit trail, cumulative across the step's life.
	RejectionCount  int        `json:"rejection_count"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`

	// Appeal sub-state.
	AppealText       string       `json:"appeal_text,omitempty"`
	AppealStatus     AppealStatus `json:"appeal_status"`
	AppealedAt       *time.Time   `json:"appealed_at,omitempty"`
	AppealResolvedAt *time.Time   `json:"appeal_resolved_at,omitempty"`

	// Timestamps for duration metrics.
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`

	// ApprovedBy is the reviewer who approved the step.
	ApprovedBy string `json:"approved_by,omitempty"`

	// Derived timing metrics.
	AgentDurationMs int64 `json:"agent_duration_ms,omitempty"`
	HumanDurationMs int64 `json:"human_duration_ms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required fields.
func (s *Step) Validate() error {
	if s.TaskID == "" || s.Title == "" {
		return ErrInvalidStep
	}
	if s.Order <= 0 {
		return ErrInvalidOrder
	}
	return nil
}

// Rejected reports whether the step carries the conceptual rejected
// signal: back in pending with at least one rejection recorded.
func (s *Step) Rejected() bool {
	return s.Status == StatusPending && s.RejectionCount > 0
}

// Clone creates a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	clone := *s
	clone.RejectedAt = cloneTime(s.RejectedAt)
	clone.AppealedAt = cloneTime(s.AppealedAt)
	clone.AppealResolvedAt = cloneTime(s.AppealResolvedAt)
	clone.ClaimedAt = cloneTime(s.ClaimedAt)
	clone.StartedAt = cloneTime(s.StartedAt)
	clone.CompletedAt = cloneTime(s.CompletedAt)
	clone.ApprovedAt = cloneTime(s.ApprovedAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// WorkerStatus is the worker-facing vocabulary over the canonical state
// machine. Computed at the boundary, never stored.
type WorkerStatus string

const (
	WorkerBlocked          WorkerStatus = "blocked"
	WorkerAvailable        WorkerStatus = "available"
	WorkerChangesRequested WorkerStatus = "changes_requested"
	WorkerWorking          WorkerStatus = "working"
	WorkerUnderReview      WorkerStatus = "under_review"
	WorkerComplete         WorkerStatus = "complete"
)

// WorkerView maps the canonical status to the worker-facing vocabulary.
func WorkerView(s *Step) WorkerStatus {
	switch s.Status {
	case StatusInProgress:
		return WorkerWorking
	case StatusWaitingApproval:
		return WorkerUnderReview
	case StatusDone:
		return WorkerComplete
	default:
		if s.Rejected() && s.AssigneeID != "" {
			return WorkerChangesRequested
		}
		if s.Blocked {
			return WorkerBlocked
		}
		return WorkerAvailable
	}
}
