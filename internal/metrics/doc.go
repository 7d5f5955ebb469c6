// Package metrics aggregates the uplink's delivery counters.
//
// The sink is the single write path for the dispatcher's hot loop, so all
// updates are plain atomics; nothing here takes a lock or blocks. External
// observers read a consistent StreamingMetrics snapshot at any time, and
// the same atomics back the Prometheus collectors registered by Register.
package metrics
