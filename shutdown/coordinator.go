package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Coordinator drives phased teardown of the service.
//
// Handlers register with a phase; lower phases run first, and handlers
// sharing a phase run concurrently. The service puts its transports in
// an early phase so no new claims or reviews arrive while the engine,
// heartbeat monitor, and telemetry drain behind them.
type Coordinator struct {
	config Config

	mu       sync.Mutex
	handlers []registration

	once    sync.Once
	done    chan struct{}
	err     error
	result  *Result
	started time.Time

	signals chan os.Signal
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}

	return &Coordinator{
		config:  config,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler at the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler. Lower phases shut down first.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc registers a plain function at the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, HandlerFunc(fn))
}

// RegisterFuncWithPhase registers a plain function at a phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs the teardown sequence once. A second call returns
// ErrAlreadyShutdown without re-running anything.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	ran := false
	c.once.Do(func() {
		ran = true
		c.started = time.Now()
		c.err = c.run(ctx)
		close(c.done)
	})
	if !ran {
		select {
		case <-c.done:
			return c.err
		default:
			return ErrAlreadyShutdown
		}
	}
	return c.err
}

// ShutdownWithTimeout runs Shutdown bounded by the given timeout, or
// the configured default when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals triggers shutdown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-c.signals
		_ = c.ShutdownWithTimeout(c.config.DefaultTimeout)
	}()
}

// Done is closed when shutdown has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err reports the shutdown outcome. Nil until Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result reports per-handler outcomes. Nil until Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

// Trigger injects a termination signal; used by tests and by the
// service when a fatal error should start teardown.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(c.started)
		c.result = result
		return err
	}

	var failed error
	for _, group := range phaseGroups(handlers) {
		select {
		case <-ctx.Done():
			return finish(ErrTimeout)
		default:
		}

		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err == nil {
				continue
			}
			if failed == nil {
				failed = ErrHandlerFailed
			}
			if !c.config.ContinueOnError {
				return finish(failed)
			}
		}
	}
	return finish(failed)
}

// runPhase runs one phase's handlers concurrently and collects their
// results in registration order.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, reg := range group {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			results[idx] = HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			if c.config.OnProgress != nil {
				c.config.OnProgress(results[idx])
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// phaseGroups splits a phase-sorted slice into runs of equal phase.
func phaseGroups(handlers []registration) [][]registration {
	var groups [][]registration
	for start := 0; start < len(handlers); {
		end := start
		for end < len(handlers) && handlers[end].phase == handlers[start].phase {
			end++
		}
		groups = append(groups, handlers[start:end])
		start = end
	}
	return groups
}
