package errors

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// CoordError is the interface for all structured errors in stepkit. Beyond
// the standard error interface it exposes the code, category, retryability
// and identifiers a caller needs to act on a lifecycle failure.
type CoordError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() Code

	// Category returns the error category for retry/handling decisions.
	Category() Category

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of CoordError.
type Error struct {
	code      Code
	category  Category
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	stepID    string // related step, if applicable
	taskID    string // related task, if applicable
	actorID   string // caller or worker involved, if applicable
}

var (
	_ CoordError       = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// New creates a new Error with the given code and message. The category
// defaults from the code and can be overridden per option.
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code Code, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() Code { return e.code }

// Category returns the error category.
func (e *Error) Category() Category { return e.category }

// Retryable reports whether the operation may succeed on retry. Falls back
// to the category's default unless overridden.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	return maps.Clone(e.metadata)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time { return e.timestamp }

// StepID returns the related step ID, if set.
func (e *Error) StepID() string { return e.stepID }

// TaskID returns the related task ID, if set.
func (e *Error) TaskID() string { return e.taskID }

// ActorID returns the caller or worker involved, if set.
func (e *Error) ActorID() string { return e.actorID }

// errorJSON is the wire form of an Error. Errors cross a transport
// boundary between the service and its workers, so the structured fields
// must survive a marshal round trip.
type errorJSON struct {
	Code      Code              `json:"code"`
	Category  Category          `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	StepID    string            `json:"step_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	ActorID   string            `json:"actor_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		StepID:    e.stepID,
		TaskID:    e.taskID,
		ActorID:   e.actorID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler. The cause survives only as
// its message; the original error chain does not cross the wire.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.stepID = j.StepID
	e.taskID = j.TaskID
	e.actorID = j.ActorID
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option configures an Error at construction time.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat Category) Option {
	return func(e *Error) { e.category = cat }
}

// WithRetryable overrides the default retryability.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithMetadataMap merges a metadata map.
func WithMetadataMap(m map[string]string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, len(m))
		}
		maps.Copy(e.metadata, m)
	}
}

// WithStepID sets the related step ID.
func WithStepID(id string) Option {
	return func(e *Error) { e.stepID = id }
}

// WithTaskID sets the related task ID.
func WithTaskID(id string) Option {
	return func(e *Error) { e.taskID = id }
}

// WithActorID sets the caller or worker involved.
func WithActorID(id string) Option {
	return func(e *Error) { e.actorID = id }
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) { e.timestamp = t }
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(CodeNotFound, message, opts...)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string, opts ...Option) *Error {
	return New(CodeUnauthorized, message, opts...)
}

// Forbidden creates a forbidden error.
func Forbidden(message string, opts ...Option) *Error {
	return New(CodeForbidden, message, opts...)
}

// InvalidState creates an invalid state error.
func InvalidState(message string, opts ...Option) *Error {
	return New(CodeInvalidState, message, opts...)
}

// Conflict creates a conflict error.
func Conflict(message string, opts ...Option) *Error {
	return New(CodeConflict, message, opts...)
}

// BadRequest creates a bad request error.
func BadRequest(message string, opts ...Option) *Error {
	return New(CodeBadRequest, message, opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(CodeTimeout, message, opts...)
}

// RateLimited creates a rate limit error.
func RateLimited(message string, opts ...Option) *Error {
	return New(CodeRateLimit, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(CodeInternal, message, opts...)
}

// StaleRevision creates an error for a lost compare-and-swap race.
// The step ID identifies the contended record.
func StaleRevision(stepID string, opts ...Option) *Error {
	opts = append([]Option{WithStepID(stepID)}, opts...)
	return New(CodeStaleRevision, fmt.Sprintf("step %s was modified concurrently", stepID), opts...)
}

// WrongAssignee creates a conflict error for a step held by another worker.
func WrongAssignee(stepID, holder string, opts ...Option) *Error {
	opts = append([]Option{WithStepID(stepID), WithActorID(holder)}, opts...)
	return New(CodeConflict, fmt.Sprintf("step %s is assigned to %s", stepID, holder), opts...)
}
