package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus with in-process channels. It backs the
// notifier and heartbeat monitor in tests and single-node deployments
// where running NATS would be overkill.
//
// All subscriptions live in one table keyed by pattern. A subscription
// with an empty queue name receives every matching message; subscriptions
// sharing a queue name split the load, one delivery per message.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed atomic.Bool
}

type memorySub struct {
	subject string
	queue   string // "" for fan-out subscriptions
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config: cfg,
		subs:   make(map[string][]*memorySub),
	}
}

// subjectMatches reports whether a subscription pattern matches a subject.
// A trailing * matches any suffix.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(subject, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// Publish sends a message to matching subscribers. Fan-out subscribers
// each get a copy; each queue group gets exactly one delivery. Full
// subscriber buffers drop the message rather than block the publisher,
// which is the contract notifications rely on.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	b.mu.RLock()
	var fanout []*memorySub
	groups := make(map[string][]*memorySub)
	for pattern, subs := range b.subs {
		if !subjectMatches(pattern, subject) {
			continue
		}
		for _, sub := range subs {
			if sub.queue == "" {
				fanout = append(fanout, sub)
			} else {
				key := pattern + "\x00" + sub.queue
				groups[key] = append(groups[key], sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range fanout {
		sub.offer(msg)
	}
	for _, qsubs := range groups {
		deliverToOne(qsubs, msg)
	}

	return nil
}

// offer attempts a non-blocking delivery.
func (s *memorySub) offer(msg *Message) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// deliverToOne hands the message to the first queue member with room.
func deliverToOne(subs []*memorySub, msg *Message) {
	for _, sub := range subs {
		if sub.offer(msg) {
			return
		}
	}
}

// Subscribe creates a fan-out subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.addSub(subject, "")
}

// QueueSubscribe creates a load-balanced subscription. Members of the
// same queue on the same subject share messages.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.addSub(subject, queue)
}

func (b *MemoryBus) addSub(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return sub, nil
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closed.Store(true)
			close(sub.ch)
		}
	}
	b.subs = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.bus.mu.Lock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	close(s.ch)
	return nil
}
