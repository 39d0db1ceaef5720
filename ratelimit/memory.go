package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket tracks the token state for a single caller.
type bucket struct {
	budget     int           // maximum tokens
	available  int           // current tokens
	window     time.Duration // refill window
	lastRefill time.Time
	inFlight   int        // operations in progress
	cond       *sync.Cond // waiters in Acquire
}

// refill adds tokens proportional to the time elapsed since the last
// refill, capped at the budget.
func (b *bucket) refill(now time.Time) {
	if b.window == 0 || b.budget == 0 {
		return
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}

	added := int(float64(b.budget) * float64(elapsed) / float64(b.window))
	if added > 0 {
		b.available = min(b.available+added, b.budget)
		b.lastRefill = now
	}
}

// take consumes a token if one is available after refilling.
func (b *bucket) take(now time.Time) bool {
	b.refill(now)
	if b.available > 0 {
		b.available--
		b.inFlight++
		return true
	}
	return false
}

// MemoryLimiter throttles callers with per-caller token buckets. A worker
// hammering claim or submit drains its own bucket without starving other
// workers. Safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	nowFunc func() time.Time // for testing

	// Default budget applied to callers without an explicit SetBudget.
	defaultBudget int
	defaultWindow time.Duration
}

// MemoryConfig configures the in-memory limiter.
type MemoryConfig struct {
	// DefaultBudget is applied to callers on first use. Zero disables
	// the default, making unknown callers fail TryAcquire.
	DefaultBudget int

	// DefaultWindow is the refill period for the default budget.
	DefaultWindow time.Duration
}

// NewMemoryLimiter creates a new in-memory rate limiter.
func NewMemoryLimiter(cfg MemoryConfig) *MemoryLimiter {
	return &MemoryLimiter{
		buckets:       make(map[string]*bucket),
		nowFunc:       time.Now,
		defaultBudget: cfg.DefaultBudget,
		defaultWindow: cfg.DefaultWindow,
	}
}

// SetBudget configures the operation budget for a caller. A non-positive
// budget or window removes the caller's bucket.
func (m *MemoryLimiter) SetBudget(caller string, budget int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if budget <= 0 || window <= 0 {
		delete(m.buckets, caller)
		return
	}

	if b, exists := m.buckets[caller]; exists {
		b.budget = budget
		b.window = window
		if b.available > budget {
			b.available = budget
		}
		return
	}
	m.buckets[caller] = &bucket{
		budget:     budget,
		available:  budget, // start full
		window:     window,
		lastRefill: m.nowFunc(),
	}
}

// GetBudget returns the current budget info for a caller, or nil for a
// caller with no bucket.
func (m *MemoryLimiter) GetBudget(caller string) *Budget {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[caller]
	if !exists {
		return nil
	}

	b.refill(m.nowFunc())

	return &Budget{
		Caller:    caller,
		Available: b.available,
		Total:     b.budget,
		Window:    b.window,
		InFlight:  b.inFlight,
	}
}

// lookup returns the caller's bucket, creating one from the default
// budget when configured. Caller must hold m.mu.
func (m *MemoryLimiter) lookup(caller string) *bucket {
	if b, exists := m.buckets[caller]; exists {
		return b
	}
	if m.defaultBudget <= 0 || m.defaultWindow <= 0 {
		return nil
	}
	b := &bucket{
		budget:     m.defaultBudget,
		available:  m.defaultBudget,
		window:     m.defaultWindow,
		lastRefill: m.nowFunc(),
	}
	m.buckets[caller] = b
	return b
}

// Acquire blocks until a token is available for the caller, the context
// ends, or the limiter closes.
func (m *MemoryLimiter) Acquire(ctx context.Context, caller string) error {
	if m.TryAcquire(caller) {
		return nil
	}

	// Wake waiters when the context ends.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.broadcast(caller)
		case <-done:
		}
	}()
	defer close(done)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	b := m.lookup(caller)
	if b == nil {
		return ErrCallerUnknown
	}

	if b.cond == nil {
		b.cond = sync.NewCond(&m.mu)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.closed {
			return ErrClosed
		}

		b, exists := m.buckets[caller]
		if !exists {
			return ErrCallerUnknown
		}
		if b.take(m.nowFunc()) {
			return nil
		}

		// Condition signals come from Release. A short timer also wakes
		// the loop so time-based refills and cancellation get noticed.
		go func() {
			time.Sleep(50 * time.Millisecond)
			m.mu.Lock()
			if b.cond != nil {
				b.cond.Broadcast()
			}
			m.mu.Unlock()
		}()
		b.cond.Wait()
	}
}

// broadcast wakes every waiter on a caller's bucket.
func (m *MemoryLimiter) broadcast(caller string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, exists := m.buckets[caller]; exists && b.cond != nil {
		b.cond.Broadcast()
	}
}

// TryAcquire attempts to acquire a token without blocking.
func (m *MemoryLimiter) TryAcquire(caller string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	b := m.lookup(caller)
	if b == nil {
		return false
	}
	return b.take(m.nowFunc())
}

// Release returns a token to the caller's bucket.
func (m *MemoryLimiter) Release(caller string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	b, exists := m.buckets[caller]
	if !exists {
		return
	}

	if b.inFlight > 0 {
		b.inFlight--
	}

	// Return the token so short operations do not burn the window.
	if b.available < b.budget {
		b.available++
	}

	if b.cond != nil {
		b.cond.Signal()
	}
}

// Close shuts down the limiter and wakes all waiters.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true

	for _, b := range m.buckets {
		if b.cond != nil {
			b.cond.Broadcast()
		}
	}

	return nil
}

var _ Limiter = (*MemoryLimiter)(nil)
