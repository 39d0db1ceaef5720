package lifecycle

import (
	"github.com/taskyard/stepkit/step"
)

// StepContext is the information handed to a worker when it claims a
// step: enough to do the work without further reads.
type StepContext struct {
	// Task framing.
	TaskID          string `json:"task_id"`
	TaskTitle       string `json:"task_title"`
	TaskDescription string `json:"task_description,omitempty"`

	// The claimed step's own work description.
	StepID         string `json:"step_id"`
	Order          int    `json:"order"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	ExpectedOutput string `json:"expected_output,omitempty"`

	// RejectionReason is set when the claim is a rework cycle. The
	// rejected result itself is withheld to force a fresh attempt.
	RejectionReason string `json:"rejection_reason,omitempty"`
	RejectionCount  int    `json:"rejection_count,omitempty"`

	// PriorOutputs are the results of all done predecessor steps, in
	// order.
	PriorOutputs []PriorOutput `json:"prior_outputs,omitempty"`

	// Siblings is a manifest of every step in the task so the worker
	// can orient itself.
	Siblings []SiblingStep `json:"siblings"`
}

// PriorOutput is one completed predecessor's result.
type PriorOutput struct {
	Order   int    `json:"order"`
	Title   string `json:"title"`
	Result  string `json:"result"`
	Summary string `json:"summary,omitempty"`
}

// SiblingStep is one row of the task manifest.
type SiblingStep struct {
	Order        int               `json:"order"`
	Title        string            `json:"title"`
	Status       step.WorkerStatus `json:"status"`
	AssigneeID   string            `json:"assignee_id,omitempty"`
	AssigneeName string            `json:"assignee_name,omitempty"`
}

// buildContext composes the execution context for a claimed step. Pure
// read over the task's steps; no mutation.
func (e *Engine) buildContext(t *step.Task, claimed *step.Step) (*StepContext, error) {
	steps, err := e.taskSteps(t.ID)
	if err != nil {
		return nil, err
	}

	sc := &StepContext{
		TaskID:          t.ID,
		TaskTitle:       t.Title,
		TaskDescription: t.Description,
		StepID:          claimed.ID,
		Order:           claimed.Order,
		Title:           claimed.Title,
		Description:     claimed.Description,
		ExpectedOutput:  claimed.ExpectedOutput,
	}

	if claimed.RejectionCount > 0 {
		sc.RejectionReason = claimed.RejectionReason
		sc.RejectionCount = claimed.RejectionCount
	}

	for _, s := range steps {
		if s.Order < claimed.Order && s.Status == step.StatusDone {
			sc.PriorOutputs = append(sc.PriorOutputs, PriorOutput{
				Order:   s.Order,
				Title:   s.Title,
				Result:  s.Result,
				Summary: s.Summary,
			})
		}

		sib := SiblingStep{
			Order:      s.Order,
			Title:      s.Title,
			Status:     step.WorkerView(s),
			AssigneeID: s.AssigneeID,
		}
		if s.ID == claimed.ID {
			// The store read may predate this claim's own commit.
			sib.Status = step.WorkerView(claimed)
			sib.AssigneeID = claimed.AssigneeID
		}
		if e.names != nil && sib.AssigneeID != "" {
			sib.AssigneeName = e.names.DisplayName(sib.AssigneeID)
		}
		sc.Siblings = append(sc.Siblings, sib)
	}

	return sc, nil
}
