package state

import (
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements Store in process memory. It backs tests and
// single-node deployments; its Create/Update semantics match the
// JetStream-backed store so the engine behaves identically on both.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	watchers []*watcher
	revision uint64
	closed   atomic.Bool

	cleanupTicker *time.Ticker
	done          chan struct{}
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	modified time.Time
	expires  time.Time // zero = no expiry
}

type watcher struct {
	pattern string
	ch      chan *KeyValue
	closed  atomic.Bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:          make(map[string]*entry),
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// cleanupLoop sweeps expired entries once a second.
func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

// cleanupExpired drops entries past their TTL and reports them to
// watchers as deletions.
func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.data {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(s.data, key)
			s.notifyWatchers(key, nil, OpDelete)
		}
	}
}

// live returns the entry for key if it exists and has not expired.
// Must be called with at least a read lock held.
func (s *MemoryStore) live(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		return nil, false
	}
	return e, true
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves a value along with the revision the engine
// needs for its conditional write-back.
func (s *MemoryStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}

	// Copied out so callers cannot mutate the stored record.
	val := make([]byte, len(e.value))
	copy(val, e.value)

	return &KeyValue{
		Key:       key,
		Value:     val,
		Revision:  e.revision,
		Operation: OpPut,
		Created:   e.created,
		Modified:  e.modified,
	}, nil
}

// Create stores a value only if the key does not exist yet. Two
// racing AddStep calls on the same index key resolve to one winner.
func (s *MemoryStore) Create(key string, value []byte) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return 0, ErrAlreadyExists
	}

	return s.write(key, value, time.Time{}), nil
}

// Update commits a value only if the key's revision still equals rev.
// A concurrent claim or review on the same step bumps the revision and
// the slower writer gets ErrRevisionStale.
func (s *MemoryStore) Update(key string, value []byte, rev uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return 0, ErrNotFound
	}
	if e.revision != rev {
		return 0, ErrRevisionStale
	}

	return s.write(key, value, e.expires), nil
}

// Put stores a value unconditionally. Only race-insensitive records
// (registrations, config) go through Put; lifecycle records use the
// conditional writes.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.write(key, value, expires)
	return nil
}

// write commits a value under the write lock, bumps the store-wide
// revision counter, and wakes matching watchers.
func (s *MemoryStore) write(key string, value []byte, expires time.Time) uint64 {
	now := time.Now()
	s.revision++
	rev := s.revision

	val := make([]byte, len(value))
	copy(val, value)

	existing, exists := s.data[key]
	created := now
	if exists {
		created = existing.created
	}

	s.data[key] = &entry{
		value:    val,
		revision: rev,
		created:  created,
		modified: now,
		expires:  expires,
	}

	s.notifyWatchers(key, val, OpPut)
	return rev
}

// Delete removes a key.
func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.notifyWatchers(key, nil, OpDelete)
	}

	return nil
}

// Keys lists live keys matching a trailing-* pattern; the engine uses
// it to enumerate a task's steps and a step's submissions.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, e := range s.data {
		if !e.expires.IsZero() && now.After(e.expires) {
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch streams changes to keys matching a pattern.
func (s *MemoryStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ch := make(chan *KeyValue, 64)
	w := &watcher{
		pattern: pattern,
		ch:      ch,
	}

	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	return ch, nil
}

// notifyWatchers fans a change out to matching watchers. Caller holds
// the lock.
func (s *MemoryStore) notifyWatchers(key string, value []byte, op Operation) {
	kv := &KeyValue{
		Key:       key,
		Value:     value,
		Revision:  s.revision,
		Operation: op,
		Modified:  time.Now(),
	}

	for _, w := range s.watchers {
		if w.closed.Load() {
			continue
		}
		if MatchPattern(w.pattern, key) {
			select {
			case w.ch <- kv:
			default:
				// Watcher not keeping up; it re-reads on demand.
			}
		}
	}
}

// Close stops the expiry sweep and closes every watcher.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)
	s.cleanupTicker.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.watchers {
		if !w.closed.Swap(true) {
			close(w.ch)
		}
	}
	s.watchers = nil
	s.data = nil

	return nil
}
