// Package types defines the shared telemetry types used across the agent:
// the Packet produced by sensors and ML pipelines, the QueueEntry wrapper
// that carries delivery-attempt state, and the StreamingMetrics snapshot
// read by external dashboards. These are the canonical in-memory
// representations, separate from the encrypted wire format.
package types
