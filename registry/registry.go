package registry

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound  = errors.New("worker not found")
	ErrClosed    = errors.New("registry closed")
	ErrInvalidID = errors.New("invalid worker ID")
)

// Kind distinguishes human operators from agent-backed workers.
type Kind string

const (
	KindHuman Kind = "human"
	KindAgent Kind = "agent"
)

// Status represents a worker's availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// WorkerInfo is one worker's registration record.
type WorkerInfo struct {
	// ID uniquely identifies the worker. Matches the assignee ID used
	// on steps.
	ID string `json:"id"`

	// Name is the display name shown in step manifests.
	Name string `json:"name"`

	// Kind tells review surfaces whether a human is behind the ID.
	Kind Kind `json:"kind"`

	// Skills lists what the worker can take on ("research",
	// "copywriting", "data-entry").
	Skills []string `json:"skills,omitempty"`

	// Status is the worker's current availability.
	Status Status `json:"status"`

	// Load is the worker's current load (0.0-1.0).
	Load float64 `json:"load"`

	// Metadata contains additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// LastSeen is when the worker last refreshed its registration.
	LastSeen time.Time `json:"last_seen"`
}

// Filter specifies criteria for listing workers.
type Filter struct {
	// Kind filters by worker kind. Empty means all.
	Kind Kind

	// Status filters by availability. Empty means all.
	Status Status

	// Skill filters to workers advertising this skill.
	Skill string

	// MaxLoad filters to workers at or below this load. Zero means no
	// filter.
	MaxLoad float64
}

// EventType represents the type of registry event.
type EventType string

const (
	EventJoined  EventType = "joined"
	EventUpdated EventType = "updated"
	EventLeft    EventType = "left"
)

// Event represents a change in the registry.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Worker contains the worker information. For departures, the
	// last known state.
	Worker WorkerInfo
}

// Registry tracks the workers that may claim steps.
type Registry interface {
	// Register adds or refreshes a worker. Same ID updates the entry.
	Register(info WorkerInfo) error

	// Deregister removes a worker. Returns ErrNotFound if absent.
	Deregister(id string) error

	// Get retrieves a worker by ID.
	Get(id string) (*WorkerInfo, error)

	// List returns all workers matching the optional filter.
	List(filter *Filter) ([]WorkerInfo, error)

	// FindBySkill returns workers advertising a skill, least loaded
	// first.
	FindBySkill(skill string) ([]WorkerInfo, error)

	// Watch returns a channel of registry events. The channel closes
	// with the registry.
	Watch() (<-chan Event, error)

	// Close shuts down the registry client.
	Close() error
}

// Validate checks worker info for registration.
func (w WorkerInfo) Validate() error {
	if w.ID == "" {
		return ErrInvalidID
	}
	if w.Load < 0 || w.Load > 1 {
		return errors.New("load must be between 0.0 and 1.0")
	}
	return nil
}

// HasSkill checks if a worker advertises a skill.
func (w WorkerInfo) HasSkill(skill string) bool {
	for _, s := range w.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// Matches checks a worker against filter criteria.
func (w WorkerInfo) Matches(filter *Filter) bool {
	if filter == nil {
		return true
	}
	if filter.Kind != "" && w.Kind != filter.Kind {
		return false
	}
	if filter.Status != "" && w.Status != filter.Status {
		return false
	}
	if filter.Skill != "" && !w.HasSkill(filter.Skill) {
		return false
	}
	if filter.MaxLoad > 0 && w.Load > filter.MaxLoad {
		return false
	}
	return true
}

// Names adapts a registry into a display-name lookup for step
// manifests. Unknown workers fall back to their raw ID.
type Names struct {
	reg Registry
}

// NewNames creates a name resolver over a registry.
func NewNames(reg Registry) *Names {
	return &Names{reg: reg}
}

// DisplayName returns the worker's registered name, or the ID itself
// when the worker is unknown or unnamed.
func (n *Names) DisplayName(id string) string {
	info, err := n.reg.Get(id)
	if err != nil || info.Name == "" {
		return id
	}
	return info.Name
}
