// Package step defines the task, step, and submission domain model.
//
// A Task is an ordered sequence of Steps. Each Step moves through a
// small state machine (pending, in_progress, waiting_approval, done)
// driven by claim, submit, and review operations. Every work attempt
// produces an immutable Submission; the step itself only caches the
// latest result.
//
// Rejection is not a state: a rejected step returns to pending with its
// RejectionCount incremented and its assignee retained, so the same
// worker can rework it without re-claiming. A rejected step may carry
// an appeal, tracked as an independent sub-state (AppealStatus).
//
// WorkerView translates the canonical status into the vocabulary shown
// to workers (available, working, under_review, changes_requested,
// blocked, complete). The translation is derived at the boundary and
// never persisted.
package step
