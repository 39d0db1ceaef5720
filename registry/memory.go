package registry

import (
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory implementation of Registry for tests and
// single-node deployments. With a TTL configured, a worker that stops
// re-registering disappears from reads and is eventually swept, so claim
// routing never sees a crashed worker as available.
type MemoryRegistry struct {
	mu       sync.RWMutex
	workers  map[string]WorkerInfo
	watchers []chan Event
	closed   bool

	ttl time.Duration // zero = entries never expire
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// TTL specifies how long before a worker is considered gone.
	// Zero means entries never expire.
	TTL time.Duration
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	r := &MemoryRegistry{
		workers: make(map[string]WorkerInfo),
		ttl:     cfg.TTL,
	}
	if cfg.TTL > 0 {
		go r.sweepLoop()
	}
	return r
}

// expired reports whether a registration has outlived the TTL.
func (r *MemoryRegistry) expired(w WorkerInfo, now time.Time) bool {
	return r.ttl > 0 && now.Sub(w.LastSeen) > r.ttl
}

// Register adds or refreshes a worker. A fresh ID emits a joined event;
// re-registration emits updated.
func (r *MemoryRegistry) Register(info WorkerInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	info.LastSeen = time.Now()

	_, exists := r.workers[info.ID]
	r.workers[info.ID] = info

	eventType := EventJoined
	if exists {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, Worker: info})

	return nil
}

// Deregister removes a worker.
func (r *MemoryRegistry) Deregister(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	worker, exists := r.workers[id]
	if !exists {
		return ErrNotFound
	}

	delete(r.workers, id)
	r.notifyWatchers(Event{Type: EventLeft, Worker: worker})

	return nil
}

// Get retrieves a worker by ID. An expired registration reads as absent
// even before the sweeper removes it.
func (r *MemoryRegistry) Get(id string) (*WorkerInfo, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	worker, exists := r.workers[id]
	if !exists || r.expired(worker, time.Now()) {
		return nil, ErrNotFound
	}

	return &worker, nil
}

// collect returns the live workers the predicate accepts.
func (r *MemoryRegistry) collect(keep func(WorkerInfo) bool) ([]WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []WorkerInfo
	now := time.Now()
	for _, worker := range r.workers {
		if r.expired(worker, now) {
			continue
		}
		if keep(worker) {
			result = append(result, worker)
		}
	}
	return result, nil
}

// List returns all workers matching the filter, ordered by ID.
func (r *MemoryRegistry) List(filter *Filter) ([]WorkerInfo, error) {
	result, err := r.collect(func(w WorkerInfo) bool {
		return w.Matches(filter)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// FindBySkill returns workers advertising a skill, least loaded first.
func (r *MemoryRegistry) FindBySkill(skill string) ([]WorkerInfo, error) {
	result, err := r.collect(func(w WorkerInfo) bool {
		return w.HasSkill(skill)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Load < result[j].Load
	})
	return result, nil
}

// Watch returns a channel of registry events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// notifyWatchers sends an event to all watchers, dropping for full ones.
// Must be called with the lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

// sweepLoop removes expired registrations and emits left events for them.
func (r *MemoryRegistry) sweepLoop() {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}

		now := time.Now()
		for id, worker := range r.workers {
			if r.expired(worker, now) {
				delete(r.workers, id)
				r.notifyWatchers(Event{Type: EventLeft, Worker: worker})
			}
		}
		r.mu.Unlock()
	}
}
