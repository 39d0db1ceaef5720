package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestShutdownCallsHandlers(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	var called bool
	c.RegisterFunc("one", func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !called {
		t.Error("handler not called")
	}
}

func TestShutdownPhaseOrder(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	c.RegisterFuncWithPhase("last", record("last"), 30)
	c.RegisterFuncWithPhase("first", record("first"), 10)
	c.RegisterFuncWithPhase("middle", record("middle"), 20)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	want := []string{"first", "middle", "last"}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("order[%d] = %q, want %q", i, order[i], name)
		}
	}
}

func TestShutdownTwice(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	c.RegisterFunc("noop", func(ctx context.Context) error { return nil })

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown failed: %v", err)
	}
	// Second call returns the recorded result rather than re-running.
	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
}

func TestShutdownHandlerError(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	c.RegisterFuncWithPhase("bad", func(ctx context.Context) error {
		return errors.New("boom")
	}, 10)

	var laterCalled bool
	c.RegisterFuncWithPhase("later", func(ctx context.Context) error {
		laterCalled = true
		return nil
	}, 20)

	err := c.Shutdown(context.Background())
	if err != ErrHandlerFailed {
		t.Errorf("err = %v, want ErrHandlerFailed", err)
	}
	if !laterCalled {
		t.Error("later phase should still run with ContinueOnError")
	}

	result := c.Result()
	if result == nil || !result.Failed() {
		t.Fatal("result should record the failure")
	}
	failed := result.FailedHandlers()
	if len(failed) != 1 || failed[0] != "bad" {
		t.Errorf("failed = %v", failed)
	}
}

func TestShutdownStopOnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContinueOnError = false
	c := NewCoordinator(cfg)

	c.RegisterFuncWithPhase("bad", func(ctx context.Context) error {
		return errors.New("boom")
	}, 10)

	var laterCalled bool
	c.RegisterFuncWithPhase("later", func(ctx context.Context) error {
		laterCalled = true
		return nil
	}, 20)

	if err := c.Shutdown(context.Background()); err != ErrHandlerFailed {
		t.Errorf("err = %v, want ErrHandlerFailed", err)
	}
	if laterCalled {
		t.Error("later phase should not run when ContinueOnError is false")
	}
}

func TestShutdownTimeout(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	c.RegisterFuncWithPhase("slow", func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, 10)
	c.RegisterFuncWithPhase("after", func(ctx context.Context) error { return nil }, 20)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Shutdown(ctx)
	if err != ErrTimeout && err != ErrHandlerFailed {
		t.Errorf("err = %v, want timeout-related error", err)
	}
}

func TestConcurrentPhaseExecution(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	start := time.Now()
	for i := 0; i < 3; i++ {
		c.RegisterFuncWithPhase("sleeper", func(ctx context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		}, 10)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// Three concurrent 100ms handlers should finish well under 300ms.
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("phase handlers appear serialized, took %v", elapsed)
	}
}

func TestOnProgressCallback(t *testing.T) {
	var mu sync.Mutex
	var names []string

	cfg := DefaultConfig()
	cfg.OnProgress = func(hr HandlerResult) {
		mu.Lock()
		names = append(names, hr.Name)
		mu.Unlock()
	}

	c := NewCoordinator(cfg)
	c.RegisterFunc("a", func(ctx context.Context) error { return nil })
	c.RegisterFunc("b", func(ctx context.Context) error { return nil })

	c.Shutdown(context.Background())

	if len(names) != 2 {
		t.Errorf("progress callbacks = %d, want 2", len(names))
	}
}

func TestDoneChannel(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	c.RegisterFunc("noop", func(ctx context.Context) error { return nil })

	select {
	case <-c.Done():
		t.Fatal("Done should not be closed before Shutdown")
	default:
	}
	if c.Err() != nil {
		t.Error("Err should be nil before shutdown")
	}

	c.Shutdown(context.Background())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Shutdown")
	}
}
