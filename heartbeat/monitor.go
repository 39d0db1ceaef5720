package heartbeat

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskyard/stepkit/bus"
)

// BusMonitor tracks claim beats over a message bus. The service side runs
// one monitor; when a claimed step stops beating for longer than the
// timeout, the stale callbacks fire once until the claim beats again.
type BusMonitor struct {
	bus           bus.MessageBus
	timeout       time.Duration
	checkInterval time.Duration

	mu         sync.RWMutex
	lastSeen   map[string]*Beat
	staleCBs   []func(stepID, workerID string)
	reported   map[string]bool // claims already reported stale
	watcherChs []chan *Beat

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusMonitor creates a new claim monitor.
func NewBusMonitor(cfg MonitorConfig) (*BusMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultMonitorConfig().Timeout
	}

	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultMonitorConfig().CheckInterval
	}

	return &BusMonitor{
		bus:           cfg.Bus,
		timeout:       timeout,
		checkInterval: checkInterval,
		lastSeen:      make(map[string]*Beat),
		reported:      make(map[string]bool),
	}, nil
}

// Watch returns a channel of beats for a specific step.
func (m *BusMonitor) Watch(stepID string) (<-chan *Beat, error) {
	sub, err := m.bus.Subscribe(SubjectPrefix + stepID)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Beat, 16)
	go m.forwardMessages(sub, ch)
	return ch, nil
}

// WatchAll returns a channel of all claim beats and starts monitoring.
func (m *BusMonitor) WatchAll() (<-chan *Beat, error) {
	if m.running.Swap(true) {
		// Already running, just add a watcher
		ch := make(chan *Beat, 64)
		m.mu.Lock()
		m.watcherChs = append(m.watcherChs, ch)
		m.mu.Unlock()
		return ch, nil
	}

	sub, err := m.bus.Subscribe(SubjectPrefix + "*")
	if err != nil {
		m.running.Store(false)
		return nil, err
	}
	m.sub = sub

	ch := make(chan *Beat, 64)
	m.watcherChs = append(m.watcherChs, ch)

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run()
	return ch, nil
}

// run processes incoming beats and checks for stale claims.
func (m *BusMonitor) run() {
	defer close(m.doneCh)

	checkTicker := time.NewTicker(m.checkInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.processMessage(msg)
		case <-checkTicker.C:
			m.checkStaleClaims()
		}
	}
}

// processMessage records a beat and forwards it to watchers. A beat for a
// claim already reported stale clears the report, so the claim can go
// stale and fire callbacks again later.
func (m *BusMonitor) processMessage(msg *bus.Message) {
	b, err := Unmarshal(msg.Data)
	if err != nil {
		return
	}

	// Older senders leave the step ID to the subject.
	if b.StepID == "" && strings.HasPrefix(msg.Subject, SubjectPrefix) {
		b.StepID = strings.TrimPrefix(msg.Subject, SubjectPrefix)
	}

	m.mu.Lock()
	m.lastSeen[b.StepID] = b
	delete(m.reported, b.StepID)
	watchers := make([]chan *Beat, len(m.watcherChs))
	copy(watchers, m.watcherChs)
	m.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- b:
		default:
		}
	}
}

// checkStaleClaims fires callbacks for claims whose beats stopped
// arriving. Each stale claim is reported once; callbacks run outside the
// lock since they typically reach back into the engine.
func (m *BusMonitor) checkStaleClaims() {
	now := time.Now()

	m.mu.Lock()
	var stale []*Beat
	for stepID, b := range m.lastSeen {
		if now.Sub(b.Timestamp) > m.timeout && !m.reported[stepID] {
			stale = append(stale, b)
			m.reported[stepID] = true
		}
	}
	callbacks := make([]func(string, string), len(m.staleCBs))
	copy(callbacks, m.staleCBs)
	m.mu.Unlock()

	for _, b := range stale {
		for _, cb := range callbacks {
			cb(b.StepID, b.WorkerID)
		}
	}
}

// forwardMessages forwards subscription messages to a beat channel.
func (m *BusMonitor) forwardMessages(sub bus.Subscription, ch chan *Beat) {
	defer close(ch)
	for msg := range sub.Messages() {
		b, err := Unmarshal(msg.Data)
		if err != nil {
			continue
		}

		m.mu.Lock()
		m.lastSeen[b.StepID] = b
		m.mu.Unlock()

		select {
		case ch <- b:
		default:
		}
	}
}

// IsLive checks if a claim has beaten within timeout.
func (m *BusMonitor) IsLive(stepID string, timeout time.Duration) bool {
	m.mu.RLock()
	b, ok := m.lastSeen[stepID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return time.Since(b.Timestamp) <= timeout
}

// LastBeat returns the most recent beat for a step.
func (m *BusMonitor) LastBeat(stepID string) *Beat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeen[stepID]
}

// OnStale registers a callback for when a claim goes stale.
func (m *BusMonitor) OnStale(callback func(stepID, workerID string)) {
	m.mu.Lock()
	m.staleCBs = append(m.staleCBs, callback)
	m.mu.Unlock()
}

// Forget drops tracking for a step, typically after it completes.
func (m *BusMonitor) Forget(stepID string) {
	m.mu.Lock()
	delete(m.lastSeen, stepID)
	delete(m.reported, stepID)
	m.mu.Unlock()
}

// Stop stops monitoring.
func (m *BusMonitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}

	if m.sub != nil {
		m.sub.Unsubscribe()
	}

	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	for _, ch := range m.watcherChs {
		close(ch)
	}
	m.watcherChs = nil
	m.mu.Unlock()

	return nil
}
