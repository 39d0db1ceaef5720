package notify

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taskyard/stepkit/bus"
)

// Subject prefix for per-user notification delivery.
const userSubjectPrefix = "notify.user."

// Common errors.
var (
	// ErrInvalidUserID indicates an empty user ID.
	ErrInvalidUserID = errors.New("invalid user ID")

	// ErrInvalidEvent indicates a nil event or unknown event type.
	ErrInvalidEvent = errors.New("invalid event")
)

// Notifier publishes lifecycle events to users. Implementations are
// publish-only: the engine treats every call as fire-and-forget, and a
// returned error is logged, never propagated.
type Notifier interface {
	// Publish delivers an event to the given user.
	Publish(userID string, event *Event) error

	// Close releases resources held by the notifier.
	Close() error
}

// UserSubject returns the bus subject carrying a user's events.
func UserSubject(userID string) string {
	return userSubjectPrefix + userID
}

// BusNotifier publishes events over a message bus, one subject per
// user. Subscribers (websocket feeds, SSE feeds, agent listeners)
// attach to their own subject.
type BusNotifier struct {
	bus bus.MessageBus
}

// NewBusNotifier creates a notifier over the given bus.
func NewBusNotifier(b bus.MessageBus) *BusNotifier {
	return &BusNotifier{bus: b}
}

// Publish marshals the event and publishes it to the user's subject.
func (n *BusNotifier) Publish(userID string, event *Event) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	if event == nil || !event.Type.Valid() {
		return ErrInvalidEvent
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return n.bus.Publish(UserSubject(userID), data)
}

// Close is a no-op; the bus is owned by the caller.
func (n *BusNotifier) Close() error {
	return nil
}

// NopNotifier discards all events. Useful in tests and embedded use
// where no delivery channel exists.
type NopNotifier struct{}

// Publish discards the event.
func (NopNotifier) Publish(userID string, event *Event) error {
	return nil
}

// Close is a no-op.
func (NopNotifier) Close() error {
	return nil
}
