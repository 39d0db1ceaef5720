// Package lifecycle orchestrates the step state machine.
//
// The Engine exposes the public operations: task assembly (CreateTask,
// AddStep, GetTask, ListSteps) and the step lifecycle proper (Claim,
// Submit, Approve, Reject, Appeal, ResolveAppeal, History). Steps move
// pending → in_progress → waiting_approval → done; rejection returns a
// step to pending with its rejection count incremented and its assignee
// retained.
//
// Correctness rests on the store's revision guard. Every
// status-changing operation reads the step with its revision and
// commits with a conditional update; a lost race surfaces as a
// stale-revision error rather than a corrupted dual-assignment. Claim
// is deliberately not idempotent: of two concurrent claims on the same
// pending step exactly one wins.
//
// Everything outside the store is a side effect after the commit:
// notifications are fire-and-forget, audit indexing is best-effort, and
// summary synthesis runs under a strict timeout with a local fallback.
package lifecycle
