// Package bus provides the message bus carrying lifecycle notifications.
//
// # Overview
//
// The MessageBus interface enables pub/sub fan-out of step lifecycle events
// to interested users. Publishing is fire-and-forget: the notifier publishes
// after a state transition commits, and delivery transports subscribe on
// behalf of connected users. All implementations use channel-based APIs.
//
// # Available Implementations
//
//   - NATSBus: Production-grade messaging using NATS
//   - MemoryBus: In-memory implementation for testing and single-process use
//
// # Patterns
//
// Pub/Sub - broadcast to all subscribers:
//
//	bus.Publish("notify.user.u-1", data)
//	sub, _ := bus.Subscribe("notify.user.u-1")
//	for msg := range sub.Messages() {
//	    // Deliver to the user's connection
//	}
//
// A trailing * subscribes to a subject prefix (NATS ">" semantics):
//
//	sub, _ := bus.Subscribe("heartbeat.*")
//
// Queue Groups - load balanced across delivery workers:
//
//	sub, _ := bus.QueueSubscribe("notify.user.u-1", "delivery")
//	// Only one worker in the group receives each message
//
// # Delivery Guarantees
//
// Delivery is best-effort. Slow subscribers drop messages rather than block
// the publisher; a failed publish must never roll back the state transition
// that produced the event.
package bus
