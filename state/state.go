package state

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("key not found")
	ErrAlreadyExists = errors.New("key already exists")
	ErrRevisionStale = errors.New("revision mismatch")
	ErrClosed        = errors.New("store closed")
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidTTL    = errors.New("invalid TTL")
)

// Operation is the kind of change applied to a key.
type Operation int

const (
	// OpPut indicates a key was created or updated.
	OpPut Operation = iota
	// OpDelete indicates a key was deleted.
	OpDelete
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// KeyValue is a stored entry together with its metadata. The Revision is
// what step records carry back into Update calls.
type KeyValue struct {
	Key   string
	Value []byte

	// Revision is a monotonic version number for the key.
	Revision uint64

	// Operation indicates the type of change.
	Operation Operation

	Created  time.Time
	Modified time.Time
}

// Store provides key-value storage with revision-guarded writes.
//
// Update is the concurrency primitive the lifecycle engine is built on:
// every status-changing operation is a read followed by an Update carrying
// the read's revision. A concurrent writer bumps the revision and the
// slower Update fails with ErrRevisionStale: a lost race is reported to
// the caller, never silently merged.
type Store interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// GetKeyValue retrieves the full KeyValue entry including its revision.
	// Returns ErrNotFound if the key does not exist.
	GetKeyValue(key string) (*KeyValue, error)

	// Create stores a value only if the key does not exist yet.
	// Returns the new revision, or ErrAlreadyExists.
	Create(key string, value []byte) (uint64, error)

	// Update stores a value only if the key's current revision equals rev.
	// Returns the new revision, or ErrRevisionStale on a lost race, or
	// ErrNotFound if the key does not exist.
	Update(key string, value []byte, rev uint64) (uint64, error)

	// Put stores a value unconditionally with an optional TTL.
	// If ttl is 0, the key never expires. Use for records that are not
	// race-sensitive (registrations, config); lifecycle records go
	// through Create/Update.
	Put(key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	// Returns nil if the key does not exist.
	Delete(key string) error

	// Keys returns all keys matching a pattern.
	// Pattern supports * wildcard at the end (e.g., "step.t-1.*").
	Keys(pattern string) ([]string, error)

	// Watch watches for changes to keys matching a pattern.
	// The channel is closed when the watch ends or the store closes.
	Watch(pattern string) (<-chan *KeyValue, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// ValidateKey rejects keys that would be illegal in a JetStream bucket:
// empty, containing spaces, starting or ending with a dot, or over 1KB.
func ValidateKey(key string) error {
	switch {
	case key == "",
		strings.Contains(key, " "),
		strings.HasPrefix(key, "."),
		strings.HasSuffix(key, "."),
		len(key) > 1024:
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks if a TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "step.t-1.*" matches "step.t-1.s-2").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
