package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store using NATS JetStream KV.
//
// JetStream KV carries a per-key revision and supports revision-guarded
// writes natively, so Create and Update map directly onto the bucket's
// own compare-and-swap semantics.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// TTL is the default TTL for entries (0 = no default).
	TTL time.Duration

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "step-records",
		History:      1,
		MaxValueSize: 1024 * 1024, // 1MB
	}
}

// NewNATSStore creates a new NATS JetStream KV store.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		TTL:          cfg.TTL,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
	}, nil
}

// opContext returns a bounded context for a single KV call. Per-call
// deadlines keep a slow or partitioned JetStream from stalling claims
// and reviews indefinitely.
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// guard validates the key and rejects calls after Close.
func (s *NATSStore) guard(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get retrieves a value by key.
func (s *NATSStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry, revision included.
func (s *NATSStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := s.guard(key); err != nil {
		return nil, err
	}

	ctx, cancel := opContext()
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	return kvFromEntry(entry), nil
}

// kvFromEntry converts a JetStream entry into our KeyValue.
func kvFromEntry(entry jetstream.KeyValueEntry) *KeyValue {
	return &KeyValue{
		Key:       entry.Key(),
		Value:     entry.Value(),
		Revision:  entry.Revision(),
		Operation: opFromNATS(entry.Operation()),
		Created:   entry.Created(),
		Modified:  entry.Created(), // NATS KV uses Created for last modified
	}
}

// opFromNATS converts NATS operation to our Operation type.
func opFromNATS(op jetstream.KeyValueOp) Operation {
	switch op {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return OpDelete
	default:
		return OpPut
	}
}

// Create stores a value only if the key does not exist yet. Racing step
// or submission writers on the same key get ErrAlreadyExists and retry
// against the winner's record.
func (s *NATSStore) Create(key string, value []byte) (uint64, error) {
	if err := s.guard(key); err != nil {
		return 0, err
	}

	ctx, cancel := opContext()
	defer cancel()

	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrAlreadyExists
		}
		return 0, fmt.Errorf("kv create: %w", err)
	}
	return rev, nil
}

// Update stores a value only if the key's current revision equals rev.
func (s *NATSStore) Update(key string, value []byte, rev uint64) (uint64, error) {
	if err := s.guard(key); err != nil {
		return 0, err
	}

	ctx, cancel := opContext()
	defer cancel()

	newRev, err := s.kv.Update(ctx, key, value, rev)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			// JetStream reports a wrong-last-sequence as a key-exists error.
			return 0, ErrRevisionStale
		}
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("kv update: %w", err)
	}
	return newRev, nil
}

// Put stores a value unconditionally.
func (s *NATSStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := s.guard(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	// NATS KV TTL is bucket-level, so the per-key ttl is validated but
	// expiry follows the bucket configuration.
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *NATSStore) Delete(key string) error {
	if err := s.guard(key); err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *NATSStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx, jetstream.MetaOnly())
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// toNATSPattern widens our trailing-star patterns to the JetStream
// wildcard form. ">" matches everything; "prefix.>" matches a subtree.
func toNATSPattern(pattern string) string {
	if pattern == "*" {
		return ">"
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.TrimSuffix(pattern, "*") + ">"
	}
	return pattern
}

// Watch watches for changes to keys matching a pattern.
func (s *NATSStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx := context.Background()
	natsPattern := toNATSPattern(pattern)

	var watcher jetstream.KeyWatcher
	var err error
	if natsPattern == ">" {
		watcher, err = s.kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	} else {
		watcher, err = s.kv.Watch(ctx, natsPattern, jetstream.IgnoreDeletes())
	}
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	ch := make(chan *KeyValue, 64)
	go s.watchLoop(watcher, ch, pattern)
	return ch, nil
}

// watchLoop forwards KV updates to the watch channel. The JetStream
// wildcard can be broader than the caller's pattern, so entries are
// re-matched before delivery. Slow consumers drop updates rather than
// block the watcher.
func (s *NATSStore) watchLoop(watcher jetstream.KeyWatcher, ch chan *KeyValue, pattern string) {
	defer close(ch)
	defer watcher.Stop()

	for entry := range watcher.Updates() {
		if entry == nil {
			continue // initial sync marker
		}
		if !MatchPattern(pattern, entry.Key()) {
			continue
		}

		select {
		case ch <- kvFromEntry(entry):
		default:
		}

		if s.closed.Load() {
			return
		}
	}
}

// Close shuts down the store.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}
