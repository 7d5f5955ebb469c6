// Package batch groups sealed telemetry envelopes into delivery-ready
// batches.
//
// The accumulation buffer is bounded by item count and by serialized byte
// size (matching typical streaming-record limits). An item that would
// exceed either bound flushes the existing buffer first, so batches never
// overshoot. High-priority items are inserted ahead of lower-priority
// buffered items, keeping urgent data first (and priority tiers in
// descending order) even when a flush is caused by size pressure.
// A quiescence timer flushes a non-empty buffer after a fixed window,
// bounding delivery latency during low-traffic periods.
package batch
