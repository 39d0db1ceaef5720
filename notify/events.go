package notify

import (
	"time"

	"github.com/taskyard/stepkit/step"
)

// EventType identifies a lifecycle event. The set is closed: consumers
// may switch exhaustively over it.
type EventType string

const (
	// EventStepAssigned fires when a worker claims a step.
	EventStepAssigned EventType = "step:assigned"

	// EventStepSubmitted fires when a worker submits work for review.
	EventStepSubmitted EventType = "step:submitted"

	// EventStepApproved fires when a reviewer approves a submission,
	// or a submission auto-approves on a step not requiring review.
	EventStepApproved EventType = "step:approved"

	// EventStepRejected fires when a reviewer rejects a submission.
	EventStepRejected EventType = "step:rejected"

	// EventStepReady fires to the next step's assignee when its
	// predecessor is approved and the step unblocks.
	EventStepReady EventType = "step:ready"

	// EventStepAppealed fires when a worker disputes a rejection.
	EventStepAppealed EventType = "step:appealed"

	// EventAppealResolved fires when a human resolves an appeal.
	EventAppealResolved EventType = "appeal:resolved"

	// EventStepStale fires when a claim holder stops heartbeating.
	EventStepStale EventType = "step:stale"

	// EventTaskDone fires to the task creator when the last step
	// completes.
	EventTaskDone EventType = "task:done"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Valid returns true if the event type is a known value.
func (t EventType) Valid() bool {
	switch t {
	case EventStepAssigned, EventStepSubmitted, EventStepApproved,
		EventStepRejected, EventStepReady, EventStepAppealed,
		EventAppealResolved, EventStepStale, EventTaskDone:
		return true
	default:
		return false
	}
}

// Event is one lifecycle occurrence delivered to a user.
type Event struct {
	// Type identifies what happened.
	Type EventType `json:"type"`

	// TaskID and StepID locate the event. StepID is empty for
	// task-level events.
	TaskID string `json:"task_id"`
	StepID string `json:"step_id,omitempty"`

	// ActorID is the identity whose action produced the event.
	ActorID string `json:"actor_id,omitempty"`

	// Detail carries a short human-readable line, such as a rejection
	// reason or an appeal decision.
	Detail string `json:"detail,omitempty"`

	// OccurredAt is when the underlying transition committed.
	OccurredAt time.Time `json:"occurred_at"`
}

// StepEvent builds an event from a step record.
func StepEvent(t EventType, s *step.Step, actorID, detail string) *Event {
	return &Event{
		Type:       t,
		TaskID:     s.TaskID,
		StepID:     s.ID,
		ActorID:    actorID,
		Detail:     detail,
		OccurredAt: time.Now(),
	}
}

// TaskEvent builds a task-level event.
func TaskEvent(t EventType, taskID, actorID, detail string) *Event {
	return &Event{
		Type:       t,
		TaskID:     taskID,
		ActorID:    actorID,
		Detail:     detail,
		OccurredAt: time.Now(),
	}
}
