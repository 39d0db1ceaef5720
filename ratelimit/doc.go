// Package ratelimit enforces per-caller operation budgets.
//
// Workers and reviewers share one lifecycle service, so a runaway agent
// retry loop can starve everyone else. This package gives each caller
// identity a token bucket and lets the API layer shed excess traffic
// before it reaches the store.
//
// # Usage
//
// The MemoryLimiter provides per-process budgets using token buckets:
//
//	limiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{
//	    DefaultBudget: 120,
//	    DefaultWindow: time.Minute,
//	})
//	limiter.SetBudget("agent-7", 30, time.Minute) // tighter budget for one caller
//
//	// Non-blocking attempt, the common path for request handling
//	if !limiter.TryAcquire(callerID) {
//	    return errors.RateLimited("operation budget exhausted")
//	}
//	defer limiter.Release(callerID)
//
//	// Block until a token is available
//	if err := limiter.Acquire(ctx, callerID); err != nil {
//	    return err // context cancelled
//	}
//
// # Algorithm
//
// Token buckets with time-based refill:
//   - Tokens are added at a fixed rate based on budget/window
//   - Each Acquire consumes one token
//   - If no tokens are available, Acquire blocks (or TryAcquire returns false)
//   - Release returns a token to the bucket (optional, for in-flight tracking)
//
// Callers without an explicit budget get the configured default on first
// use, so new workers need no registration step.
package ratelimit
