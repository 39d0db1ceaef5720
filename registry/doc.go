// Package registry tracks the workers, human and agent, that claim
// steps.
//
// Workers self-register with a display name, kind, skills, status, and
// load, and refresh the registration while alive. The lifecycle engine
// resolves assignee IDs to display names through Names when building
// step manifests; assignment tooling filters and ranks workers through
// List and FindBySkill.
//
// Two implementations: MemoryRegistry for tests and single-node use,
// NATSRegistry over a JetStream KV bucket with TTL aging for
// distributed deployments.
package registry
