// Package dispatch is the delivery control loop: it decides when each
// queued entry is eligible for a send attempt, seals and batches eligible
// entries, ships them over the transport, and reclassifies every entry on
// the outcome.
//
// Conceptually each entry moves Pending → Attempting → Delivered,
// BackingOff (back to Pending after its backoff window), or Dropped once
// the retry budget is exhausted. A single worker loop serializes all
// queue traversal; it wakes on a fixed tick, on every submission, and on
// every offline→online transition so a backlog drains immediately when
// connectivity returns.
//
// Backoff is truncated exponential with proportional jitter. Priority
// affects ordering (queue traversal and batch position), never the
// retry policy itself.
package dispatch
