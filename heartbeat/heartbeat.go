package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskyard/stepkit/bus"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// SubjectPrefix is the subject prefix for claim heartbeat messages.
const SubjectPrefix = "claim."

// Beat is a single liveness signal for a claimed step.
type Beat struct {
	// StepID identifies the claimed step.
	StepID string `json:"step_id"`

	// WorkerID identifies the claim holder.
	WorkerID string `json:"worker_id"`

	// Timestamp when the beat was generated.
	Timestamp time.Time `json:"timestamp"`

	// Progress is an optional free-form note on current work.
	Progress string `json:"progress,omitempty"`
}

// Marshal serializes a beat to JSON.
func (b *Beat) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// Unmarshal deserializes a beat from JSON.
func Unmarshal(data []byte) (*Beat, error) {
	var b Beat
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Subject returns the subject for this beat.
func (b *Beat) Subject() string {
	return SubjectPrefix + b.StepID
}

// Sender sends periodic claim beats while a worker holds a step.
type Sender interface {
	// Start begins sending beats at the configured interval.
	// Returns ErrAlreadyStarted if already running.
	Start(ctx context.Context) error

	// SetProgress updates the progress note included in beats.
	SetProgress(progress string)

	// Stop stops sending beats.
	// Returns ErrNotStarted if not running.
	Stop() error
}

// Monitor tracks claim beats and detects stale claims.
type Monitor interface {
	// Watch returns a channel of beats for a specific step.
	Watch(stepID string) (<-chan *Beat, error)

	// WatchAll returns a channel of all claim beats.
	WatchAll() (<-chan *Beat, error)

	// IsLive checks if a claim has beaten within timeout.
	IsLive(stepID string, timeout time.Duration) bool

	// LastBeat returns the most recent beat for a step, if any.
	LastBeat(stepID string) *Beat

	// OnStale registers a callback for when a claim goes stale.
	// The callback receives the step ID and its last known worker.
	OnStale(callback func(stepID, workerID string))

	// Stop stops monitoring.
	Stop() error
}

// SenderConfig configures a claim beat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing beats.
	Bus bus.MessageBus

	// StepID is the claimed step.
	StepID string

	// WorkerID is the claim holder.
	WorkerID string

	// Interval between beats.
	// Default: 5 seconds
	Interval time.Duration
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.StepID == "" || c.WorkerID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 5 * time.Second,
	}
}

// MonitorConfig configures a claim monitor.
type MonitorConfig struct {
	// Bus is the message bus for subscribing to beats.
	Bus bus.MessageBus

	// Timeout for considering a claim stale.
	// Should be 2-3x the expected beat interval.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval for the stale claim checker.
	// Default: 1 second
	CheckInterval time.Duration
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: 1 * time.Second,
	}
}
