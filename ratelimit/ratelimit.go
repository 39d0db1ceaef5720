package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed        = errors.New("limiter closed")
	ErrCallerUnknown = errors.New("unknown caller")
	ErrInvalidBudget = errors.New("invalid budget")
	ErrInvalidWindow = errors.New("invalid window")
)

// Limiter enforces per-caller operation budgets.
//
// Each caller identity gets a token bucket. Callers without an explicit
// budget fall back to the limiter's default, so a new worker does not
// need registration before its first request.
type Limiter interface {
	// Acquire blocks until a token is available for the caller.
	// Returns context.Canceled or context.DeadlineExceeded if context ends.
	Acquire(ctx context.Context, caller string) error

	// TryAcquire attempts to acquire a token without blocking.
	// Returns true if a token was acquired, false otherwise.
	TryAcquire(caller string) bool

	// Release returns a token to the caller's bucket.
	// Useful for tracking in-flight requests.
	Release(caller string)

	// SetBudget configures the operation budget for a caller.
	// budget is the number of operations per window.
	SetBudget(caller string, budget int, window time.Duration)

	// GetBudget returns the current budget info for a caller.
	// Returns nil if the caller has no bucket yet.
	GetBudget(caller string) *Budget

	// Close shuts down the limiter and releases resources.
	Close() error
}

// Budget describes the rate limit state for a caller.
type Budget struct {
	// Caller is the identity this budget applies to.
	Caller string

	// Available is the current number of available tokens.
	Available int

	// Total is the maximum budget (operations per window).
	Total int

	// Window is the refill period.
	Window time.Duration

	// InFlight tracks operations currently in progress (if Release is used).
	InFlight int
}
