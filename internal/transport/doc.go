// Package transport moves encrypted envelope batches to the ingestion
// endpoint.
//
// The Transport interface isolates the delivery engine from any one
// backend: an adapter exists per protocol (HTTP batch ingestion,
// WebSocket streaming) plus a scriptable mock for tests. A nil-error Send
// returns per-item statuses, so a batch can partially succeed; a non-nil
// error means total failure (network unreachable, 5xx, timeout) and the
// whole batch is subject to retry.
//
// Both real adapters take their TLS configuration from the trust
// verifier, so certificate pinning gates every connection.
package transport
