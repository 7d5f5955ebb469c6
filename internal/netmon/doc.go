// Package netmon tracks connectivity to the ingestion endpoint.
//
// A probe loop dials the endpoint at a fixed interval and flips the
// online flag on success/failure. Transitions are edge-triggered: every
// offline→online or online→offline flip is published on the Events
// channel, which the dispatcher uses to drain the backlog immediately
// instead of waiting for its next tick.
//
// SetOverride pins the reported state regardless of probe results. It
// backs the producer-facing SetOnlineOverride hook used to simulate
// outages in tests and during ops drills.
package netmon
