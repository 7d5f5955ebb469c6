package netmon

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// probeFunc reports whether the endpoint is currently reachable.
// Injectable for tests.
type probeFunc func(ctx context.Context) bool

// Monitor watches connectivity to one endpoint. Create with New, start
// the probe loop with Run.
type Monitor struct {
	endpoint string
	interval time.Duration
	probe    probeFunc

	online atomic.Bool
	events chan bool

	mu       sync.Mutex
	override *bool // nil = follow probe results
	probed   bool  // last probe result, valid once Run has probed
}

// New creates a Monitor probing endpoint (host:port) every interval.
// The monitor starts offline until the first successful probe.
func New(endpoint string, interval time.Duration) *Monitor {
	m := &Monitor{
		endpoint: endpoint,
		interval: interval,
		events:   make(chan bool, 8),
	}
	m.probe = m.dialProbe
	return m
}

// Online returns the current effective connectivity state. Lock-free.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Events returns the transition stream. One value is delivered per state
// flip: true for offline→online, false for the reverse. The channel is
// buffered; if the consumer lags, intermediate flips are dropped in favor
// of the latest state, which Online() always reflects.
func (m *Monitor) Events() <-chan bool {
	return m.events
}

// SetOverride pins the reported state to online, ignoring probe results
// until ClearOverride. Emits a transition edge if the effective state
// changes.
func (m *Monitor) SetOverride(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.override = &online
	m.apply(online)
}

// ClearOverride resumes following probe results.
func (m *Monitor) ClearOverride() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.override = nil
	m.apply(m.probed)
}

// Run probes immediately, then on every interval tick, until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.runProbe(ctx)

	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.runProbe(ctx)
		}
	}
}

// runProbe performs one reachability check and applies the result.
func (m *Monitor) runProbe(ctx context.Context) {
	up := m.probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.probed = up
	if m.override != nil {
		return // pinned; remember the probe result for ClearOverride
	}
	m.apply(up)
}

// apply flips the effective state and emits an edge on change.
// Caller holds mu.
func (m *Monitor) apply(online bool) {
	if m.online.Load() == online {
		return
	}
	m.online.Store(online)
	slog.Info("netmon: connectivity changed", "endpoint", m.endpoint, "online", online)
	select {
	case m.events <- online:
	default:
		// Consumer is behind; it will read the flag instead.
	}
}

// dialProbe is the default probe: a TCP dial of the endpoint.
func (m *Monitor) dialProbe(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", m.endpoint)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
