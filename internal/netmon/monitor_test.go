package netmon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedMonitor returns a Monitor whose probe reads from the given
// atomic flag instead of dialing.
func scriptedMonitor(up *atomic.Bool) *Monitor {
	m := New("127.0.0.1:1", 10*time.Millisecond)
	m.probe = func(context.Context) bool { return up.Load() }
	return m
}

func waitEvent(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("transition = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no transition event (want %v)", want)
	}
}

func TestMonitor_StartsOffline(t *testing.T) {
	var up atomic.Bool
	m := scriptedMonitor(&up)
	if m.Online() {
		t.Fatal("monitor online before any probe")
	}
}

func TestMonitor_EmitsEdgesOnTransitionOnly(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	m := scriptedMonitor(&up)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitEvent(t, m.Events(), true)
	if !m.Online() {
		t.Fatal("Online() = false after online edge")
	}

	// Steady state: no further events while the probe keeps succeeding.
	select {
	case v := <-m.Events():
		t.Fatalf("unexpected event %v in steady state", v)
	case <-time.After(100 * time.Millisecond):
	}

	up.Store(false)
	waitEvent(t, m.Events(), false)
	if m.Online() {
		t.Fatal("Online() = true after offline edge")
	}
}

func TestMonitor_Override(t *testing.T) {
	var up atomic.Bool // probe says offline
	m := scriptedMonitor(&up)

	m.SetOverride(true)
	if !m.Online() {
		t.Fatal("override(true) did not force online")
	}
	waitEvent(t, m.Events(), true)

	m.SetOverride(false)
	if m.Online() {
		t.Fatal("override(false) did not force offline")
	}
	waitEvent(t, m.Events(), false)
}

func TestMonitor_ClearOverrideFollowsProbe(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	m := scriptedMonitor(&up)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitEvent(t, m.Events(), true)

	// Pin offline while probes keep succeeding.
	m.SetOverride(false)
	waitEvent(t, m.Events(), false)

	// Let at least one probe land so the monitor remembers reality,
	// then clearing the override must restore the probed state.
	time.Sleep(50 * time.Millisecond)
	m.ClearOverride()
	waitEvent(t, m.Events(), true)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	var up atomic.Bool
	m := scriptedMonitor(&up)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
