package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskyard/stepkit/bus"
)

// BusSender publishes claim beats over a message bus. A worker runs one
// sender per claimed step so the monitor can tell a slow worker from a
// dead one.
type BusSender struct {
	bus      bus.MessageBus
	stepID   string
	workerID string
	interval time.Duration

	mu       sync.RWMutex
	progress string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusSender creates a new claim beat sender.
func NewBusSender(cfg SenderConfig) (*BusSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	return &BusSender{
		bus:      cfg.Bus,
		stepID:   cfg.StepID,
		workerID: cfg.WorkerID,
		interval: interval,
	}, nil
}

// Start begins sending beats at the configured interval.
func (s *BusSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

// run beats immediately on start, then on every tick. The first beat
// matters: it tells the monitor the claim is alive before a full interval
// has passed.
func (s *BusSender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.sendBeat()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sendBeat()
		}
	}
}

// sendBeat publishes a single beat with the current progress note.
func (s *BusSender) sendBeat() error {
	s.mu.RLock()
	b := &Beat{
		StepID:    s.stepID,
		WorkerID:  s.workerID,
		Timestamp: time.Now(),
		Progress:  s.progress,
	}
	s.mu.RUnlock()

	data, err := b.Marshal()
	if err != nil {
		return err
	}
	return s.bus.Publish(b.Subject(), data)
}

// SetProgress updates the progress note included in beats.
func (s *BusSender) SetProgress(progress string) {
	s.mu.Lock()
	s.progress = progress
	s.mu.Unlock()
}

// Stop stops sending beats.
func (s *BusSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// StepID returns the step this sender beats for.
func (s *BusSender) StepID() string {
	return s.stepID
}
