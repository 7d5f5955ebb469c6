// Package config loads and watches the agent configuration file
// (lifelens.yaml).
//
// Top-level types:
//   - Config: device identity, ingestion endpoint, queue, retry, batch,
//     network and probe settings
//   - IngestionConfig: endpoint URL, transport kind (http|websocket),
//     certificate pins, base64 X25519 service public key
//   - QueueConfig, RetryConfig, BatchConfig, NetworkConfig: tuning knobs
//     with defaults matching the delivery engine's documented behavior
//   - ProbeSource: optional local Prometheus endpoints condensed into
//     device_status packets
//
// Load(path) reads the YAML file, applies defaults, then validates
// required fields and enums. Watch(ctx, path, onChange) uses fsnotify to
// detect file changes and calls onChange with the newly parsed Config,
// handling the rename→create pattern used by atomic-save editors.
package config
