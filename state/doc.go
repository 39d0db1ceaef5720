// Package state provides the persistence substrate for step records.
//
// # Overview
//
// Store is a key-value store with revision-guarded writes. Every lifecycle
// mutation is a read-modify-write: read a record (capturing its revision),
// validate preconditions, write back with Update carrying that revision.
// If a concurrent caller won the race, Update fails with ErrRevisionStale
// and the engine reports a clean precondition failure. The store never
// holds two assignees for one step.
//
// # Available Implementations
//
//   - NATSStore: NATS JetStream KV, whose buckets implement revision CAS
//     natively (Create / Update-with-revision)
//   - MemoryStore: In-memory implementation with the same semantics, for
//     testing and single-process use
//
// # Usage
//
//	kv, _ := store.GetKeyValue("step.t-1.s-1")
//	// ... decode, check preconditions, mutate ...
//	_, err := store.Update("step.t-1.s-1", encoded, kv.Revision)
//	if errors.Is(err, state.ErrRevisionStale) {
//	    // lost the race; surface as a precondition failure
//	}
//
// Put remains available for records that are not race-sensitive, such as
// worker registrations with a TTL.
package state
