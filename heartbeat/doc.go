// Package heartbeat provides liveness detection for claimed steps.
//
// # Overview
//
// A worker that claims a step holds it exclusively until it submits. If
// the worker dies mid-claim, the step would sit in progress forever.
// Claim beats are periodic "still working" signals; a monitor tracks
// them and invokes callbacks when a claim goes stale so the service can
// alert the task creator.
//
// # Architecture
//
//	┌─────────────┐      claim.<step-id>       ┌─────────────┐
//	│   Sender    │ ────────────────────────>  │   Monitor   │
//	│  (Worker)   │                            │  (Service)  │
//	└─────────────┘                            └─────────────┘
//
// # Usage
//
// Sending beats from a worker holding a claim:
//
//	sender, _ := heartbeat.NewBusSender(heartbeat.SenderConfig{
//	    Bus:      bus,
//	    StepID:   "step-42",
//	    WorkerID: "agent-1",
//	    Interval: 5 * time.Second,
//	})
//	sender.SetProgress("running migration")
//	sender.Start(ctx)
//	defer sender.Stop()
//
// Monitoring claims from the service:
//
//	monitor, _ := heartbeat.NewBusMonitor(heartbeat.MonitorConfig{
//	    Bus:     bus,
//	    Timeout: 15 * time.Second, // 3 missed beats
//	})
//	monitor.OnStale(func(stepID, workerID string) {
//	    log.Printf("claim on %s by %s went stale", stepID, workerID)
//	})
//	monitor.WatchAll()
//
// # Subject Convention
//
// Beats are published to: claim.<step-id>
// Monitor subscribes to: claim.* (or claim.> on NATS)
//
// # Recommendations
//
//   - Set timeout to 2-3x the beat interval
//   - Call Forget when a step completes so it stops being tracked
//   - Handle OnStale callbacks idempotently
package heartbeat
