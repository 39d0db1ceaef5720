// Package notify delivers lifecycle events to users.
//
// Events form a closed typed set (step:assigned, step:submitted,
// step:approved, step:rejected, step:ready, step:appealed,
// appeal:resolved, step:stale, task:done). Each user's events travel on
// a dedicated bus subject, notify.user.<id>, so delivery transports
// subscribe per user.
//
// Delivery is best-effort. The engine never blocks or rolls back a
// state transition because a publish failed; failures are logged and
// dropped.
package notify
