package shutdown

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Handler is implemented by components that need orderly teardown.
// When OnShutdown is called the component should stop accepting new
// work, let in-flight lifecycle operations finish if time permits,
// flush pending notifications and spans, and release its resources.
// The context is cancelled when the teardown deadline passes.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult records one handler's teardown outcome.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result records the whole teardown.
type Result struct {
	// TotalDuration covers every phase.
	TotalDuration time.Duration

	// Results lists per-handler outcomes in completion order.
	Results []HandlerResult

	// Err is nil when every handler succeeded.
	Err error
}

// Failed reports whether any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// DefaultTimeout bounds ShutdownWithTimeout(0) and signal-driven
	// shutdown. Default: 30s.
	DefaultTimeout time.Duration

	// DefaultPhase is assigned by Register/RegisterFunc. Default: 100.
	DefaultPhase int

	// ContinueOnError keeps later phases running after a handler
	// fails. DefaultConfig enables it; a zero Config stops at the
	// first failure.
	ContinueOnError bool

	// OnProgress observes each handler as it completes.
	OnProgress func(result HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DefaultTimeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

// registration pairs a handler with its phase.
type registration struct {
	name    string
	handler Handler
	phase   int
}
