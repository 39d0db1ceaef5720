// Package shutdown coordinates graceful service teardown.
//
// A lifecycle service has ordered dependencies at exit: transports must
// stop accepting requests before the engine drains, and the engine must
// drain before the store and bus close. The Coordinator models this with
// numbered phases.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//
//	// Lower phases shut down first.
//	coord.RegisterFuncWithPhase("http", srv.Shutdown, 10)
//	coord.RegisterFuncWithPhase("engine", func(ctx context.Context) error {
//	    return engine.Close()
//	}, 20)
//	coord.RegisterFuncWithPhase("bus", func(ctx context.Context) error {
//	    return messageBus.Close()
//	}, 30)
//
//	coord.HandleSignals() // SIGTERM / SIGINT trigger shutdown
//	<-coord.Done()
//
// Handlers within a phase run concurrently; phases run in order. A
// handler error is recorded but, by default, does not stop the sequence.
package shutdown
