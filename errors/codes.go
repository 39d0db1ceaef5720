package errors

// Category classifies errors by their nature and retry semantics.
type Category string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: store timeouts, bus unavailability.
	CategoryTransient Category = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: precondition failures, missing entities, denied access.
	CategoryPermanent Category = "permanent"

	// CategoryResource indicates resource exhaustion or contention.
	// Examples: rate limiting, lost claim races.
	CategoryResource Category = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or corrupted state.
	CategoryInternal Category = "internal"
)

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c Category) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// Code identifies specific error types within categories.
type Code string

// Error codes for the step lifecycle taxonomy.
const (
	// Transient errors
	CodeTimeout     Code = "TIMEOUT"     // Operation timed out
	CodeUnavailable Code = "UNAVAILABLE" // Backend temporarily unavailable
	CodeNetworkErr  Code = "NETWORK_ERR" // Network connectivity issue

	// Permanent errors: the taxonomy surfaced to callers.
	CodeNotFound     Code = "NOT_FOUND"     // Entity does not exist
	CodeUnauthorized Code = "UNAUTHORIZED"  // No or invalid caller identity
	CodeForbidden    Code = "FORBIDDEN"     // Identity valid but lacks the role
	CodeInvalidState Code = "INVALID_STATE" // Operation not legal for current status
	CodeConflict     Code = "CONFLICT"      // Already claimed / appeal already pending
	CodeBadRequest   Code = "BAD_REQUEST"   // Missing or malformed required field
	CodeCanceled     Code = "CANCELED"      // Operation was canceled

	// Resource errors
	CodeRateLimit Code = "RATE_LIMITED" // Caller exceeded its operation budget
	CodeBusy      Code = "BUSY"         // Record under contention

	// Internal errors
	CodeInternal   Code = "INTERNAL"   // Unexpected internal error
	CodeCorruption Code = "CORRUPTION" // Persisted record failed to decode

	// Lifecycle-specific errors
	CodeStaleRevision Code = "STALE_REVISION" // Lost a compare-and-swap race
	CodeStaleClaim    Code = "STALE_CLAIM"    // Claim holder stopped heartbeating
	CodeNotifyFailed  Code = "NOTIFY_FAILED"  // Event publication failed (logged, never surfaced)
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c Code) DefaultCategory() Category {
	switch c {
	case CodeTimeout, CodeUnavailable, CodeNetworkErr, CodeNotifyFailed:
		return CategoryTransient

	case CodeNotFound, CodeUnauthorized, CodeForbidden, CodeInvalidState,
		CodeConflict, CodeBadRequest, CodeCanceled, CodeStaleClaim:
		return CategoryPermanent

	case CodeRateLimit, CodeBusy, CodeStaleRevision:
		return CategoryResource

	case CodeInternal, CodeCorruption:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c Code) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[Code]string{
	CodeTimeout:       "operation timed out",
	CodeUnavailable:   "backend temporarily unavailable",
	CodeNetworkErr:    "network connectivity error",
	CodeNotFound:      "entity not found",
	CodeUnauthorized:  "authentication required",
	CodeForbidden:     "access denied",
	CodeInvalidState:  "operation not legal for current status",
	CodeConflict:      "conflicting operation",
	CodeBadRequest:    "missing or malformed field",
	CodeCanceled:      "operation canceled",
	CodeRateLimit:     "rate limit exceeded",
	CodeBusy:          "record under contention",
	CodeInternal:      "internal error",
	CodeCorruption:    "persisted record corrupt",
	CodeStaleRevision: "lost compare-and-swap race",
	CodeStaleClaim:    "claim holder is no longer live",
	CodeNotifyFailed:  "event publication failed",
}

// Description returns a human-readable description for the error code.
func (c Code) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
