// Package queue is the durable delivery queue: per-priority FIFO tiers in
// memory, mirrored to an embedded SQLite table that survives process
// restarts.
//
// The memory tier is authoritative while the process runs; SQLite is a
// write-behind snapshot flushed once enough mutations accumulate (the
// persistence threshold) and always on Close. This bounds disk I/O under
// high throughput at the cost of a bounded crash-loss window below the
// threshold.
//
// Capacity is bounded. Enqueue on a full queue drops the new entry with
// ErrQueueFull rather than blocking or evicting older entries; old
// entries have already survived retries and carry more value than fresh
// load. If the SQLite mirror cannot be opened or written, the store logs
// and degrades to memory-only operation instead of blocking submission.
package queue
