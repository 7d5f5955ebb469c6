package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lifelens/lifelens-agent/internal/batch"
	"github.com/lifelens/lifelens-agent/internal/crypto"
	"github.com/lifelens/lifelens-agent/internal/metrics"
	"github.com/lifelens/lifelens-agent/internal/netmon"
	"github.com/lifelens/lifelens-agent/internal/queue"
	"github.com/lifelens/lifelens-agent/internal/transport"
	"github.com/lifelens/lifelens-agent/pkg/types"
)

// Loop defaults.
const (
	DefaultTickInterval = 5 * time.Second
	DefaultPullLimit    = 100

	// attemptTimeout bounds one transport call. The HTTP client enforces
	// its own 30 s request timeout inside this budget.
	attemptTimeout = 60 * time.Second
)

// Config holds the dispatcher knobs.
type Config struct {
	Policy       Policy
	TickInterval time.Duration
	PullLimit    int
	Batch        batch.Config
}

// Dispatcher owns the delivery loop. Construct with New, start with Run,
// stop by cancelling Run's context and then calling Drain.
type Dispatcher struct {
	cfg       Config
	store     *queue.Store
	cipher    *crypto.Cipher
	transport transport.Transport
	monitor   *netmon.Monitor
	sink      *metrics.Sink
	batcher   *batch.Batcher

	wake     chan struct{}
	draining atomic.Bool // true once shutdown has begun; batches requeue instead of sending
}

// New wires a dispatcher. All collaborators are required.
func New(cfg Config, store *queue.Store, cipher *crypto.Cipher, tr transport.Transport, monitor *netmon.Monitor, sink *metrics.Sink) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = DefaultPullLimit
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultPolicy()
	}

	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		cipher:    cipher,
		transport: tr,
		monitor:   monitor,
		sink:      sink,
		wake:      make(chan struct{}, 1),
	}
	d.batcher = batch.New(cfg.Batch, d.sendBatch)
	return d
}

// Enqueue admits a freshly submitted entry and nudges the loop. A full
// queue sheds the entry and counts the failure.
func (d *Dispatcher) Enqueue(e *types.QueueEntry) error {
	if err := d.store.Enqueue(e); err != nil {
		d.sink.RecordFailure()
		d.sink.SetQueueDepth(d.store.Len())
		return fmt.Errorf("dispatch: %w", err)
	}
	d.sink.SetQueueDepth(d.store.Len())
	d.nudge()
	return nil
}

// nudge wakes the loop without blocking; a pending wake is enough.
func (d *Dispatcher) nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run executes the control loop until ctx is cancelled: a fixed tick,
// submission wakeups, and connectivity edges all trigger a pass.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pass(ctx)
		case <-d.wake:
			d.pass(ctx)
		case online := <-d.monitor.Events():
			d.sink.SetOnline(online)
			if online {
				// Edge-triggered drain: recover the backlog now, not at
				// the next tick.
				slog.Info("dispatch: online, draining backlog", "queued", d.store.Len())
				d.pass(ctx)
				d.batcher.Flush()
			}
		}
	}
}

// pass pulls eligible entries and feeds them to the batcher. Entries
// still inside their backoff window return to the queue untouched.
func (d *Dispatcher) pass(ctx context.Context) {
	if d.draining.Load() || !d.monitor.Online() {
		return
	}

	entries := d.store.DequeueBatch(d.cfg.PullLimit)
	now := time.Now()

	for _, e := range entries {
		if ctx.Err() != nil {
			d.store.Requeue(e)
			continue
		}
		if !d.eligible(e, now) {
			d.store.Requeue(e)
			continue
		}

		envelope, err := d.cipher.Seal(&e.Packet)
		if err != nil {
			// Sealing fails only on catastrophic entropy/encoding
			// failure. Fatal for this packet, not the process.
			slog.Error("dispatch: seal failed, dropping packet",
				"device", e.Packet.DeviceID,
				"seq", e.Packet.SequenceNumber,
				"err", err)
			d.sink.RecordFailure()
			continue
		}

		d.batcher.Add(batch.Item{Entry: e, Envelope: envelope},
			e.Packet.Priority >= types.PriorityHigh)
	}
	d.sink.SetQueueDepth(d.store.Len())
}

// eligible reports whether the entry's backoff window has elapsed.
func (d *Dispatcher) eligible(e *types.QueueEntry, now time.Time) bool {
	if e.LastAttempt == nil {
		return true
	}
	return now.Sub(*e.LastAttempt) >= d.cfg.Policy.Delay(e.RetryCount)
}

// sendBatch is the batcher sink: one delivery attempt for a flushed
// batch. Queue mutations here go through the store's serialized API.
func (d *Dispatcher) sendBatch(items []batch.Item) {
	if d.draining.Load() {
		// Shutdown in progress: back to the queue untouched so the final
		// persist captures them.
		for _, item := range items {
			d.store.Requeue(item.Entry)
		}
		return
	}

	wire := make([]transport.Item, len(items))
	for i, item := range items {
		wire[i] = transport.Item{
			DeviceID:       item.Entry.Packet.DeviceID,
			SequenceNumber: item.Entry.Packet.SequenceNumber,
			Envelope:       item.Envelope,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()

	res, err := d.transport.Send(ctx, wire)
	if err != nil {
		slog.Warn("dispatch: batch delivery failed",
			"items", len(items), "err", err)
		for _, item := range items {
			d.fail(item.Entry)
		}
		d.sink.SetQueueDepth(d.store.Len())
		return
	}

	for _, item := range items {
		if res.Accepted(item.Entry.Packet.SequenceNumber) {
			d.sink.RecordSuccess(len(item.Envelope))
		} else {
			d.fail(item.Entry)
		}
	}
	d.sink.SetQueueDepth(d.store.Len())
}

// fail applies the retry policy to one failed entry: back to the queue
// with updated attempt state, or a permanent drop once the budget is
// spent. An entry is granted MaxAttempts retries beyond its initial
// attempt, so the drop happens on failure number MaxAttempts+1. The drop
// is a deliberate data-loss boundary and is always counted.
func (d *Dispatcher) fail(e *types.QueueEntry) {
	if e.RetryCount >= d.cfg.Policy.MaxAttempts {
		slog.Warn("dispatch: retry budget exhausted, dropping packet",
			"device", e.Packet.DeviceID,
			"seq", e.Packet.SequenceNumber,
			"retries", e.RetryCount)
		d.sink.RecordFailure()
		return
	}
	e.RetryCount++
	now := time.Now()
	e.LastAttempt = &now
	d.store.Requeue(e)
}

// Drain begins shutdown: no further sends are attempted, and anything
// buffered in the batcher returns to the queue so the caller's final
// persist captures every undelivered entry.
func (d *Dispatcher) Drain() {
	d.draining.Store(true)
	d.batcher.Flush()
	d.sink.SetQueueDepth(d.store.Len())
}
