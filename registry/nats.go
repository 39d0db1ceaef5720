package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSRegistry implements Registry over a NATS JetStream KV bucket. Every
// node that shares the bucket sees the same worker roster, so it fits
// deployments where the lifecycle service and its workers span machines.
type NATSRegistry struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSRegistryConfig

	mu       sync.RWMutex
	watchers []chan Event
	closed   bool
	cancel   context.CancelFunc
}

// NATSRegistryConfig configures the NATS registry.
type NATSRegistryConfig struct {
	// BucketName is the KV bucket name. Default: "worker-registry"
	BucketName string

	// TTL for worker entries. A worker that stops refreshing its
	// registration ages out of the bucket.
	TTL time.Duration

	// Replicas for the KV store (1-5). Default: 1
	Replicas int
}

// DefaultNATSRegistryConfig returns configuration with sensible defaults.
func DefaultNATSRegistryConfig() NATSRegistryConfig {
	return NATSRegistryConfig{
		BucketName: "worker-registry",
		TTL:        30 * time.Second,
		Replicas:   1,
	}
}

// NewNATSRegistry creates a NATS registry from an existing connection.
func NewNATSRegistry(conn *nats.Conn, cfg NATSRegistryConfig) (*NATSRegistry, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}

	if cfg.BucketName == "" {
		cfg.BucketName = "worker-registry"
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	kvCfg := jetstream.KeyValueConfig{
		Bucket:   cfg.BucketName,
		Replicas: cfg.Replicas,
	}
	if cfg.TTL > 0 {
		kvCfg.TTL = cfg.TTL
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), kvCfg)
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())

	r := &NATSRegistry{
		conn:   conn,
		kv:     kv,
		config: cfg,
		cancel: cancel,
	}
	go r.watchKV(watchCtx)

	return r, nil
}

// checkOpen returns ErrClosed once Close has run.
func (r *NATSRegistry) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// Register adds or refreshes a worker. Re-registering is how a worker keeps
// its bucket entry alive under the configured TTL.
func (r *NATSRegistry) Register(info WorkerInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	info.LastSeen = time.Now()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker info: %w", err)
	}

	if _, err := r.kv.Put(context.Background(), info.ID, data); err != nil {
		return fmt.Errorf("put to kv: %w", err)
	}
	return nil
}

// Deregister removes a worker.
func (r *NATSRegistry) Deregister(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := r.kv.Get(ctx, id); err != nil {
		if err == jetstream.ErrKeyNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("get from kv: %w", err)
	}

	if err := r.kv.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete from kv: %w", err)
	}
	return nil
}

// Get retrieves a worker by ID.
func (r *NATSRegistry) Get(id string) (*WorkerInfo, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	entry, err := r.kv.Get(context.Background(), id)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get from kv: %w", err)
	}

	var info WorkerInfo
	if err := json.Unmarshal(entry.Value(), &info); err != nil {
		return nil, fmt.Errorf("unmarshal worker info: %w", err)
	}
	return &info, nil
}

// List returns all workers matching the filter, ordered by ID.
func (r *NATSRegistry) List(filter *Filter) ([]WorkerInfo, error) {
	result, err := r.collect(func(info WorkerInfo) bool {
		return info.Matches(filter)
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
func (r *NATSRegistry) FindBySkill(skill string) ([]WorkerInfo, error) {
	result, err := r.collect(func(info WorkerInfo) bool {
		return info.HasSkill(skill)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Load < result[j].Load
	})
	return result, nil
}

// collect reads every live registration from the bucket and keeps those
// the predicate accepts. Entries that age out between the key listing and
// the read are skipped rather than reported.
func (r *NATSRegistry) collect(keep func(WorkerInfo) bool) ([]WorkerInfo, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var result []WorkerInfo
	for _, key := range keys {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var info WorkerInfo
		if err := json.Unmarshal(entry.Value(), &info); err != nil {
			continue
		}
		if keep(info) {
			result = append(result, info)
		}
	}
	return result, nil
}

// Watch returns a channel of registry events.
func (r *NATSRegistry) Watch() (<-chan Event, error) {
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
func (r *NATSRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// watchKV follows the bucket and fans changes out to Watch subscribers.
func (r *NATSRegistry) watchKV(ctx context.Context) {
	watcher, err := r.kv.WatchAll(ctx)
	if err != nil {
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-watcher.Updates():
			if entry == nil {
				continue
			}
			event, ok := eventFor(entry)
			if !ok {
				continue
			}
			if !r.fanOut(event) {
				return
			}
		}
	}
}

// eventFor translates a KV change into a registry event. The first revision
// of a key is a join; later puts are refreshes or profile updates.
func eventFor(entry jetstream.KeyValueEntry) (Event, bool) {
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		var info WorkerInfo
		if err := json.Unmarshal(entry.Value(), &info); err != nil {
			return Event{}, false
		}
		if entry.Revision() == 1 {
			return Event{Type: EventJoined, Worker: info}, true
		}
		return Event{Type: EventUpdated, Worker: info}, true
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return Event{Type: EventLeft, Worker: WorkerInfo{ID: entry.Key()}}, true
	}
	return Event{}, false
}

// fanOut delivers an event to all watchers, dropping it for any that are
// full. Returns false once the registry is closed.
func (r *NATSRegistry) fanOut(event Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
		}
	}
	return true
}

// Conn returns the underlying NATS connection.
func (r *NATSRegistry) Conn() *nats.Conn {
	return r.conn
}
