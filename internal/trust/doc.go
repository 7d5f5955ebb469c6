// Package trust validates the ingestion endpoint's certificate against a
// pinned allow-list before any telemetry is sent.
//
// Pins are SHA-256 hashes of the leaf certificate in DER form, configured
// as "sha256/<base64>" strings. Verification is fail-closed: an empty
// chain, a malformed certificate, or a leaf whose hash is not in the pin
// set aborts the connection attempt. There is no fallback to unpinned
// trust. Pin rotation is an operational concern outside the agent.
package trust
