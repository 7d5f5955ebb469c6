// Package uplink assembles the delivery subsystem behind a single
// facade. An Uplink owns the durable queue, the packet cipher, the
// connectivity monitor, the transport adapter, and the dispatch loop;
// producers interact with it only through Submit.
//
// Lifecycle: New wires the components, Start launches the background
// loops, Shutdown stops them and persists every undelivered packet
// before returning. Shutdown is idempotent.
package uplink
