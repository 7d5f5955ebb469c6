// Package probe polls local Prometheus metrics endpoints and condenses
// each scrape into a device_status packet submitted to the delivery
// subsystem.
//
// One Poller runs per configured source. A scrape failure still produces
// a packet, flagged unreachable, so the ingestion service can distinguish
// a silent device from a device whose local component is down.
package probe
