// Package crypto seals telemetry packets into encrypted envelopes before
// they leave the device.
//
// The scheme is envelope encryption against a provisioned ingestion-service
// X25519 public key: each Seal generates an ephemeral X25519 key pair,
// derives a one-time XChaCha20-Poly1305 key from the shared secret via
// HKDF-SHA256, and seals the framed packet with a fresh random nonce. The
// ephemeral public key travels inside the envelope, so only the holder of
// the service private key can recover the plaintext.
//
// Envelope layout:
//
//	[Version: 1 byte] [Ephemeral X25519 public key: 32 bytes]
//	[Nonce: 24 bytes] [Ciphertext+Tag: N+16 bytes]
//
// The plaintext is a length-prefixed CBOR header (device id, timestamp,
// data type, sequence number, session id, metadata) followed by the raw
// payload, zstd-compressed when that makes it smaller. Structured fields
// are only recoverable after decryption, so nothing identifying crosses
// the wire in the clear.
package crypto
