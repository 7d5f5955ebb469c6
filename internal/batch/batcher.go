package batch

import (
	"sync"
	"time"

	"github.com/lifelens/lifelens-agent/pkg/types"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxItems      = 500
	DefaultMaxBytes      = 5 << 20 // 5 MiB
	DefaultFlushInterval = time.Second
)

// Item is one sealed packet awaiting delivery: the envelope that goes on
// the wire plus the queue entry it came from, so the dispatcher can
// reclassify the entry on the batch result.
type Item struct {
	Entry    *types.QueueEntry
	Envelope []byte
}

// Sink receives flushed batches. Called synchronously; a slow sink
// backpressures Add, which is intentional: the dispatcher is the only
// caller and serializes its own work.
type Sink func(items []Item)

// Config holds the batcher limits.
type Config struct {
	MaxItems      int
	MaxBytes      int
	FlushInterval time.Duration
}

// Batcher accumulates items until a bound is hit or the quiescence window
// elapses. Safe for concurrent use.
type Batcher struct {
	maxItems int
	maxBytes int
	interval time.Duration
	sink     Sink

	mu    sync.Mutex
	buf   []Item
	bytes int
	timer *time.Timer
}

// New creates a Batcher emitting to sink.
func New(cfg Config, sink Sink) *Batcher {
	b := &Batcher{
		maxItems: cfg.MaxItems,
		maxBytes: cfg.MaxBytes,
		interval: cfg.FlushInterval,
		sink:     sink,
	}
	if b.maxItems <= 0 {
		b.maxItems = DefaultMaxItems
	}
	if b.maxBytes <= 0 {
		b.maxBytes = DefaultMaxBytes
	}
	if b.interval <= 0 {
		b.interval = DefaultFlushInterval
	}
	return b
}

// Add buffers an item. If admitting it would exceed the count or byte
// bound, the existing buffer is flushed first. highPriority moves the
// item ahead of every buffered item of lower priority, so urgent items
// lead the next flush while equal-priority items keep submission order.
func (b *Batcher) Add(item Item, highPriority bool) {
	b.mu.Lock()

	var overflow []Item
	if len(b.buf) > 0 && (len(b.buf)+1 > b.maxItems || b.bytes+len(item.Envelope) > b.maxBytes) {
		overflow = b.takeLocked()
	}

	if highPriority {
		b.insertByTierLocked(item)
	} else {
		b.buf = append(b.buf, item)
	}
	b.bytes += len(item.Envelope)

	// Arm the quiescence timer when the buffer goes non-empty.
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.Flush)
	}
	b.mu.Unlock()

	if overflow != nil {
		b.sink(overflow)
	}
}

// Flush emits the current buffer, if any.
func (b *Batcher) Flush() {
	b.mu.Lock()
	out := b.takeLocked()
	b.mu.Unlock()

	if out != nil {
		b.sink(out)
	}
}

// Len returns the number of buffered items.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// insertByTierLocked places item before the first buffered item of
// strictly lower priority. Buffered items of equal or higher priority
// stay ahead, keeping each tier FIFO and tiers strictly descending.
// Caller holds mu.
func (b *Batcher) insertByTierLocked(item Item) {
	prio := item.Entry.Packet.Priority
	idx := len(b.buf)
	for i, buffered := range b.buf {
		if buffered.Entry.Packet.Priority < prio {
			idx = i
			break
		}
	}
	b.buf = append(b.buf, Item{})
	copy(b.buf[idx+1:], b.buf[idx:])
	b.buf[idx] = item
}

// takeLocked removes and returns the buffer contents, disarming the
// quiescence timer. The sink is invoked by the caller after releasing the
// lock, so a slow delivery never blocks concurrent Adds. Caller holds mu.
func (b *Batcher) takeLocked() []Item {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.buf) == 0 {
		return nil
	}
	out := b.buf
	b.buf = nil
	b.bytes = 0
	return out
}
