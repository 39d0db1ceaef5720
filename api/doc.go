// Package api exposes the step lifecycle over JSON-RPC 2.0.
//
// A Server wraps the lifecycle engine and dispatches method calls such
// as "step.claim" and "step.approve". It is transport-agnostic: pair it
// with a transport.Transport (WebSocket or SSE) via ServeTransport, or
// call Handle directly from tests and embedded callers.
//
// Caller identity is resolved once per connection by the transport
// layer and passed to ServeTransport. Request params never name the
// actor, so a connection can only act as itself.
//
// Optional features degrade to MethodNotFound when not configured: the
// worker.* methods need a registry, audit.search needs an audit index.
// When a rate limiter is configured, every call holds one token from
// the caller's budget for its duration.
package api
