package step

import "time"

// ReviewStatus represents the review outcome of a single submission.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// String returns the string representation of the review status.
func (r ReviewStatus) String() string {
	return string(r)
}

// Valid returns true if the review status is a known value.
func (r ReviewStatus) Valid() bool {
	switch r {
	case ReviewPending, ReviewApproved, ReviewRejected:
		return true
	default:
		return false
	}
}

// Submission is an immutable record of one work attempt on a step.
// Submissions accumulate; the step only caches the latest result.
type Submission struct {
	// ID uniquely identifies the submission.
	ID string `json:"id"`

	// StepID and TaskID locate the submission.
	StepID string `json:"step_id"`
	TaskID string `json:"task_id"`

	// Attempt is the 1-based sequence number within the step.
	Attempt int `json:"attempt"`

	// Result is the work product. Summary is a short synthesis of it.
	Result  string `json:"result"`
	Summary string `json:"summary,omitempty"`

	// DurationMs is the worker-reported time spent, if any.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// AttachmentURLs are opaque references to supporting artifacts.
	AttachmentURLs []string `json:"attachment_urls,omitempty"`

	// SubmittedBy is the worker that produced the submission.
	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`

	// Review outcome. AutoApproved submissions carry ReviewApproved
	// with an empty ReviewedBy.
	ReviewStatus ReviewStatus `json:"review_status"`
	ReviewedBy   string       `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time   `json:"reviewed_at,omitempty"`
	ReviewNote   string       `json:"review_note,omitempty"`
	AutoApproved bool         `json:"auto_approved,omitempty"`
}

// Clone creates a deep copy of the submission.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	clone := *s
	clone.ReviewedAt = cloneTime(s.ReviewedAt)
	if s.AttachmentURLs != nil {
		clone.AttachmentURLs = make([]string, len(s.AttachmentURLs))
		copy(clone.AttachmentURLs, s.AttachmentURLs)
	}
	return &clone
}
