package bus

import "errors"

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is a delivered bus message.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides publish/subscribe messaging. The notifier publishes
// lifecycle events to per-user subjects; delivery transports and monitors
// subscribe. Publishing never blocks on slow subscribers.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a fan-out subscription to a subject.
	// A trailing * matches any suffix (e.g. "notify.user.*").
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a load-balanced subscription. One queue
	// member receives each message.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages. It is closed
	// when the subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks if a subject is valid.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	return nil
}
