package types

import "time"

// StreamingMetrics is a point-in-time snapshot of the uplink's cumulative
// delivery counters. Values are copied out of the metrics sink atomically;
// a snapshot is internally consistent and safe to retain.
type StreamingMetrics struct {
	PacketsSent    uint64
	PacketsFailed  uint64
	BytesStreamed  uint64
	QueueDepth     int
	Online         bool
	LastStreamTime time.Time
}
