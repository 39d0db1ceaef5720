// Package errors provides the structured error taxonomy for stepkit. It
// defines the codes and categories every lifecycle operation reports, so
// callers, transports, and retry logic handle failures consistently.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (store or bus hiccups)
//   - Permanent: Failures where retry will not help (precondition failures, denied access)
//   - Resource: Exhaustion or contention (rate limits, lost claim races)
//   - Internal: Unexpected errors indicating bugs or corrupted records
//
// # Error Codes
//
// The permanent codes mirror the taxonomy surfaced to API callers:
//
//   - NOT_FOUND: Entity absent
//   - UNAUTHORIZED: No or invalid caller identity
//   - FORBIDDEN: Identity valid but lacks the role (e.g. non-creator reviewing)
//   - INVALID_STATE: Operation not legal for the step's current status
//   - CONFLICT: Step already claimed, or appeal already pending
//   - BAD_REQUEST: Missing required field (e.g. empty rejection reason)
//
// A lost compare-and-swap race is STALE_REVISION internally and mapped to
// INVALID_STATE at the API boundary; races are expected, not exceptional.
//
// # Usage
//
// Create a new error:
//
//	err := errors.Conflict("step already claimed", errors.WithStepID(stepID))
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "loading step record")
//
// Check the code:
//
//	if errors.Is(err, errors.CodeInvalidState) {
//	    // report precondition failure to the caller
//	}
//
// # JSON Serialization
//
// All errors support JSON serialization so transports can carry them to
// remote callers and reconstruct them on the other side.
package errors
