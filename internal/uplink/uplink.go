package uplink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lifelens/lifelens-agent/internal/batch"
	"github.com/lifelens/lifelens-agent/internal/config"
	"github.com/lifelens/lifelens-agent/internal/crypto"
	"github.com/lifelens/lifelens-agent/internal/dispatch"
	"github.com/lifelens/lifelens-agent/internal/metrics"
	"github.com/lifelens/lifelens-agent/internal/netmon"
	"github.com/lifelens/lifelens-agent/internal/probe"
	"github.com/lifelens/lifelens-agent/internal/queue"
	"github.com/lifelens/lifelens-agent/internal/transport"
	"github.com/lifelens/lifelens-agent/internal/trust"
	"github.com/lifelens/lifelens-agent/pkg/types"
)

// ErrShutdown is returned by Submit once Shutdown has begun.
var ErrShutdown = errors.New("uplink: shut down")

// Uplink is the delivery subsystem facade. Producers call Submit;
// everything downstream (queueing, encryption, batching, retry,
// transport) is internal.
type Uplink struct {
	cfg        *config.Config
	store      *queue.Store
	monitor    *netmon.Monitor
	sink       *metrics.Sink
	dispatcher *dispatch.Dispatcher
	closer     io.Closer // non-nil for transports holding a connection

	sessionID string
	seq       atomic.Uint64

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// New wires an Uplink from a validated config. The queue is rehydrated
// from its durable mirror and sequence numbering resumes past any
// packet still awaiting delivery.
func New(cfg *config.Config) (*Uplink, error) {
	pub, err := cfg.Ingestion.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("uplink: %w", err)
	}
	cipher, err := crypto.New(pub)
	if err != nil {
		return nil, fmt.Errorf("uplink: %w", err)
	}

	verifier, err := trust.New(cfg.Ingestion.Pins)
	if err != nil {
		return nil, fmt.Errorf("uplink: %w", err)
	}

	var tr transport.Transport
	var closer io.Closer
	switch cfg.Ingestion.Transport {
	case "websocket":
		ws := transport.NewWS(cfg.Ingestion.Endpoint, verifier)
		tr, closer = ws, ws
	default:
		tr = transport.NewHTTP(cfg.Ingestion.Endpoint, verifier)
	}

	store, err := queue.Open(queue.Config{
		Path:             cfg.Queue.Path,
		Capacity:         cfg.Queue.Capacity,
		PersistThreshold: cfg.Queue.PersistThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("uplink: %w", err)
	}

	dialAddr, err := cfg.Ingestion.DialAddr()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("uplink: %w", err)
	}
	monitor := netmon.New(dialAddr, cfg.Network.ProbeInterval)

	sink := metrics.NewSink()
	dispatcher := dispatch.New(dispatch.Config{
		Policy: dispatch.Policy{
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Multiplier:     cfg.Retry.Multiplier,
			JitterFactor:   cfg.Retry.JitterFactor,
			MaxAttempts:    cfg.Retry.MaxAttempts,
		},
		TickInterval: cfg.TickInterval,
		Batch: batch.Config{
			MaxItems:      cfg.Batch.MaxItems,
			MaxBytes:      cfg.Batch.MaxBytes,
			FlushInterval: cfg.Batch.FlushInterval,
		},
	}, store, cipher, tr, monitor, sink)

	u := &Uplink{
		cfg:        cfg,
		store:      store,
		monitor:    monitor,
		sink:       sink,
		dispatcher: dispatcher,
		closer:     closer,
		sessionID:  uuid.NewString(),
	}
	u.seq.Store(store.MaxSequence())
	sink.SetQueueDepth(store.Len())

	if n := store.Len(); n > 0 {
		slog.Info("uplink: rehydrated queued packets", "count", n)
	}
	if store.Degraded() {
		slog.Warn("uplink: durable mirror unavailable, running memory-only",
			"path", cfg.Queue.Path)
	}
	return u, nil
}

// Start launches the background loops: connectivity probing, the
// dispatch loop, and one poller per configured probe source. It returns
// immediately; the loops stop when Shutdown is called or ctx ends.
func (u *Uplink) Start(ctx context.Context) {
	ctx, u.cancel = context.WithCancel(ctx)

	u.wg.Add(2)
	go func() {
		defer u.wg.Done()
		u.monitor.Run(ctx)
	}()
	go func() {
		defer u.wg.Done()
		u.dispatcher.Run(ctx)
	}()

	for _, src := range u.cfg.Probes {
		p := probe.New(src, u)
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			p.Run(ctx)
		}()
	}

	slog.Info("uplink: started",
		"device", u.cfg.DeviceID,
		"session", u.sessionID,
		"transport", u.cfg.Ingestion.Transport,
		"probes", len(u.cfg.Probes))
}

// Submit validates and admits one packet. The device identity, session,
// and sequence number are stamped here; producers only describe the
// reading itself. Submit never blocks on the network: the packet is
// queued and delivery happens asynchronously.
func (u *Uplink) Submit(p *types.Packet) error {
	if u.shutdown.Load() {
		return ErrShutdown
	}

	if p.DeviceID == "" {
		p.DeviceID = u.cfg.DeviceID
	}
	if p.SessionID == "" {
		p.SessionID = u.sessionID
	}
	if err := p.Validate(); err != nil {
		return err
	}
	p.SequenceNumber = u.seq.Add(1)

	return u.dispatcher.Enqueue(&types.QueueEntry{
		Packet:   *p,
		QueuedAt: time.Now().UTC(),
	})
}

// Metrics returns a point-in-time snapshot of delivery counters.
func (u *Uplink) Metrics() types.StreamingMetrics {
	return u.sink.Snapshot()
}

// RegisterMetrics exposes the delivery counters on a Prometheus
// registry.
func (u *Uplink) RegisterMetrics(reg prometheus.Registerer) error {
	return u.sink.Register(reg)
}

// SetOnlineOverride forces the connectivity state, bypassing probes
// until ClearOnlineOverride. Intended for harness and maintenance use.
func (u *Uplink) SetOnlineOverride(online bool) {
	u.monitor.SetOverride(online)
}

// ClearOnlineOverride returns connectivity detection to probing.
func (u *Uplink) ClearOnlineOverride() {
	u.monitor.ClearOverride()
}

// Degraded reports whether the queue is running without its durable
// mirror.
func (u *Uplink) Degraded() bool {
	return u.store.Degraded()
}

// Shutdown stops the background loops, returns anything batched to the
// queue, and persists the queue before returning. Undelivered packets
// survive to the next run. Safe to call more than once; only the first
// call does the work.
func (u *Uplink) Shutdown() error {
	if !u.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	slog.Info("uplink: shutting down", "queued", u.store.Len())

	// Stop the loops before draining so no pass can refill the batcher
	// after its final flush.
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
	u.dispatcher.Drain()

	if u.closer != nil {
		if err := u.closer.Close(); err != nil {
			slog.Warn("uplink: transport close", "err", err)
		}
	}

	if err := u.store.Close(); err != nil {
		return fmt.Errorf("uplink: persist queue: %w", err)
	}
	slog.Info("uplink: shutdown complete")
	return nil
}
