package step

import (
	"testing"
	"time"
)

func TestStatusValid(t *testing.T) {
	valid := []Status{StatusPending, StatusInProgress, StatusWaitingApproval, StatusDone}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if Status("rejected").Valid() {
		t.Error("rejected must not be a status value")
	}
	if Status("").Valid() {
		t.Error("empty status should be invalid")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if !StatusDone.IsTerminal() {
		t.Error("done should be terminal")
	}
	for _, s := range []Status{StatusPending, StatusInProgress, StatusWaitingApproval} {
		if s.IsTerminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestStepValidate(t *testing.T) {
	s := &Step{TaskID: "task-1", Title: "write report", Order: 1}
	if err := s.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	missing := &Step{Order: 1}
	if err := missing.Validate(); err != ErrInvalidStep {
		t.Errorf("expected ErrInvalidStep, got %v", err)
	}

	badOrder := &Step{TaskID: "task-1", Title: "write report", Order: 0}
	if err := badOrder.Validate(); err != ErrInvalidOrder {
		t.Errorf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestStepRejected(t *testing.T) {
	s := &Step{Status: StatusPending}
	if s.Rejected() {
		t.Error("fresh pending step should not read as rejected")
	}

	s.RejectionCount = 1
	if !s.Rejected() {
		t.Error("pending step with rejections should read as rejected")
	}

	s.Status = StatusWaitingApproval
	if s.Rejected() {
		t.Error("resubmitted step should not read as rejected")
	}
}

func TestStepClone(t *testing.T) {
	now := time.Now()
	original := &Step{
		ID:         "step-1",
		TaskID:     "task-1",
		Order:      2,
		Title:      "review draft",
		Status:     StatusInProgress,
		AssigneeID: "worker-1",
		ClaimedAt:  &now,
	}

	clone := original.Clone()
	clone.AssigneeID = "worker-2"
	later := now.Add(time.Hour)
	*clone.ClaimedAt = later

	if original.AssigneeID != "worker-1" {
		t.Error("clone mutation leaked into original assignee")
	}
	if !original.ClaimedAt.Equal(now) {
		t.Error("clone mutation leaked into original timestamp")
	}
}

func TestWorkerView(t *testing.T) {
	tests := []struct {
		name string
		step Step
		want WorkerStatus
	}{
		{"open pending", Step{Status: StatusPending}, WorkerAvailable},
		{"blocked pending", Step{Status: StatusPending, Blocked: true}, WorkerBlocked},
		{"rejected with assignee", Step{Status: StatusPending, RejectionCount: 1, AssigneeID: "w1"}, WorkerChangesRequested},
		{"rejected released", Step{Status: StatusPending, RejectionCount: 1}, WorkerAvailable},
		{"working", Step{Status: StatusInProgress, AssigneeID: "w1"}, WorkerWorking},
		{"under review", Step{Status: StatusWaitingApproval}, WorkerUnderReview},
		{"complete", Step{Status: StatusDone}, WorkerComplete},
	}

	for _, tt := range tests {
		if got := WorkerView(&tt.step); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestTaskValidate(t *testing.T) {
	task := &Task{Title: "ship release"}
	if err := task.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (&Task{}).Validate(); err != ErrInvalidTask {
		t.Errorf("expected ErrInvalidTask, got %v", err)
	}
}

func TestTaskClone(t *testing.T) {
	done := time.Now()
	original := &Task{ID: "task-1", Title: "ship release", Status: TaskDone, CompletedAt: &done}
	clone := original.Clone()
	*clone.CompletedAt = done.Add(time.Minute)
	if !original.CompletedAt.Equal(done) {
		t.Error("clone mutation leaked into original")
	}
}

func TestSubmissionClone(t *testing.T) {
	original := &Submission{
		ID:             "sub-1",
		StepID:         "step-1",
		Attempt:        1,
		Result:         "draft attached",
		AttachmentURLs: []string{"https://example.com/a.pdf"},
	}
	clone := original.Clone()
	clone.AttachmentURLs[0] = "https://example.com/b.pdf"
	if original.AttachmentURLs[0] != "https://example.com/a.pdf" {
		t.Error("clone shares attachment slice with original")
	}
}

func TestReviewStatusValid(t *testing.T) {
	for _, r := range []ReviewStatus{ReviewPending, ReviewApproved, ReviewRejected} {
		if !r.Valid() {
			t.Errorf("expected %q to be valid", r)
		}
	}
	if ReviewStatus("maybe").Valid() {
		t.Error("unknown review status should be invalid")
	}
}
