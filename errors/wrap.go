package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a CoordError, it wraps it with the new message.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	// If it's already a CoordError, preserve its properties
	var coordErr *Error
	if errors.As(err, &coordErr) {
		wrapped := &Error{
			code:      coordErr.code,
			category:  coordErr.category,
			message:   message,
			cause:     err,
			metadata:  coordErr.Metadata(),
			retryable: coordErr.retryable,
			stepID:    coordErr.stepID,
			taskID:    coordErr.taskID,
			actorID:   coordErr.actorID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	// Check for context errors
	if errors.Is(err, context.DeadlineExceeded) {
		return New(CodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(CodeCanceled, message, append(opts, WithCause(err))...)
	}

	// Default to internal error for unknown errors
	return New(CodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code Code, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsCoordError attempts to extract a CoordError from an error chain.
// Returns nil if no CoordError is found.
func AsCoordError(err error) CoordError {
	var coordErr *Error
	if errors.As(err, &coordErr) {
		return coordErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code Code) bool {
	var coordErr *Error
	if errors.As(err, &coordErr) {
		return coordErr.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category Category) bool {
	var coordErr *Error
	if errors.As(err, &coordErr) {
		return coordErr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	var coordErr *Error
	if errors.As(err, &coordErr) {
		return coordErr.Retryable()
	}
	// Default to not retryable for non-CoordErrors
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsPermanent checks if the error is permanent.
func IsPermanent(err error) bool {
	return IsCategory(err, CategoryPermanent)
}

// IsPrecondition reports whether the error is one of the precondition
// failures surfaced to callers (invalid state, conflict, bad request).
func IsPrecondition(err error) bool {
	return Is(err, CodeInvalidState) || Is(err, CodeConflict) || Is(err, CodeBadRequest)
}
