package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultQueueCapacity    = 10000
	DefaultPersistThreshold = 100
	DefaultInitialBackoff   = 100 * time.Millisecond
	DefaultMaxBackoff       = 60 * time.Second
	DefaultMultiplier       = 2.0
	DefaultJitterFactor     = 0.1
	DefaultMaxAttempts      = 10
	DefaultBatchMaxItems    = 500
	DefaultBatchMaxBytes    = 5 << 20
	DefaultFlushInterval    = time.Second
	DefaultTickInterval     = 5 * time.Second
	DefaultProbeInterval    = 15 * time.Second
	DefaultProbeScrape      = 30 * time.Second
	DefaultMetricsListen    = ":9464"
)

// KeySize is the required length of the decoded service public key.
const KeySize = 32

// Config is the top-level configuration for the agent.
// Fields map 1:1 to lifelens.yaml.
type Config struct {
	// DeviceID identifies this device to the ingestion service. A random
	// UUID is generated when absent, but production devices should pin one.
	DeviceID string `yaml:"device_id"`

	// Ingestion configures the upstream endpoint and its trust material.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Queue configures the durable packet queue.
	Queue QueueConfig `yaml:"queue"`

	// Retry configures the delivery backoff policy.
	Retry RetryConfig `yaml:"retry"`

	// Batch configures how outgoing packets are coalesced.
	Batch BatchConfig `yaml:"batch"`

	// Network configures reachability probing.
	Network NetworkConfig `yaml:"network"`

	// Probes is the optional list of local Prometheus endpoints to scrape
	// into device_status packets.
	Probes []ProbeSource `yaml:"probes"`

	// TickInterval is the delivery loop's periodic wakeup, which bounds
	// how long a retryable packet waits past its backoff window.
	TickInterval time.Duration `yaml:"tick_interval"`

	// MetricsListen is the address the agent's own /metrics endpoint
	// listens on.
	MetricsListen string `yaml:"metrics_listen"`
}

// IngestionConfig holds upstream endpoint settings.
type IngestionConfig struct {
	// Endpoint is the full URL of the ingestion service
	// (https://... for the http transport, wss://... for websocket).
	Endpoint string `yaml:"endpoint"`

	// Transport selects the delivery adapter: http | websocket.
	Transport string `yaml:"transport"`

	// ServerPublicKey is the base64-encoded X25519 public key packets are
	// encrypted to.
	ServerPublicKey string `yaml:"server_public_key"`

	// Pins is the list of accepted leaf certificate fingerprints in
	// "sha256/<base64>" form. Empty disables pinning.
	Pins []string `yaml:"pins"`
}

// PublicKey returns the decoded service public key.
func (c IngestionConfig) PublicKey() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(c.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("server_public_key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("server_public_key: got %d bytes, want %d", len(raw), KeySize)
	}
	return raw, nil
}

// DialAddr returns the host:port of the ingestion endpoint for
// reachability probing, defaulting the port from the URL scheme.
func (c IngestionConfig) DialAddr() (string, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint: %w", err)
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "443"
		if u.Scheme == "http" || u.Scheme == "ws" {
			port = "80"
		}
		host = net.JoinHostPort(host, port)
	}
	return host, nil
}

// QueueConfig configures the durable packet queue.
type QueueConfig struct {
	// Path is the filesystem path for the SQLite queue snapshot.
	Path string `yaml:"path"`

	// Capacity is the maximum number of queued packets. New submissions
	// beyond this are rejected.
	Capacity int `yaml:"capacity"`

	// PersistThreshold is the number of in-memory mutations after which
	// the snapshot is rewritten.
	PersistThreshold int `yaml:"persist_threshold"`
}

// RetryConfig configures the delivery backoff policy.
type RetryConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	JitterFactor   float64       `yaml:"jitter_factor"`

	// MaxAttempts is the number of failed delivery attempts after which a
	// packet is dropped.
	MaxAttempts int `yaml:"max_attempts"`
}

// BatchConfig configures outgoing batch coalescing.
type BatchConfig struct {
	MaxItems      int           `yaml:"max_items"`
	MaxBytes      int           `yaml:"max_bytes"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// NetworkConfig configures connectivity probing.
type NetworkConfig struct {
	// ProbeInterval controls how often the ingestion endpoint is dialed to
	// detect connectivity changes.
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// ProbeSource describes one local metrics endpoint condensed into
// device_status packets.
type ProbeSource struct {
	// ID is a unique, human-readable identifier for this source.
	ID string `yaml:"id"`

	// Endpoint is the full URL of the source's Prometheus metrics endpoint.
	Endpoint string `yaml:"endpoint"`

	// Interval controls how often the source is scraped.
	Interval time.Duration `yaml:"interval"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Queue: QueueConfig{
			Capacity:         DefaultQueueCapacity,
			PersistThreshold: DefaultPersistThreshold,
		},
		Retry: RetryConfig{
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
			Multiplier:     DefaultMultiplier,
			JitterFactor:   DefaultJitterFactor,
			MaxAttempts:    DefaultMaxAttempts,
		},
		Batch: BatchConfig{
			MaxItems:      DefaultBatchMaxItems,
			MaxBytes:      DefaultBatchMaxBytes,
			FlushInterval: DefaultFlushInterval,
		},
		Network: NetworkConfig{
			ProbeInterval: DefaultProbeInterval,
		},
		TickInterval:  DefaultTickInterval,
		MetricsListen: DefaultMetricsListen,
	}
}

// applyDefaults fills fields whose defaults depend on other values or
// cannot be expressed as constants.
func applyDefaults(cfg *Config) {
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.Ingestion.Transport == "" {
		cfg.Ingestion.Transport = "http"
	}
	for i := range cfg.Probes {
		if cfg.Probes[i].Interval <= 0 {
			cfg.Probes[i].Interval = DefaultProbeScrape
		}
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Ingestion.Endpoint == "" {
		return fmt.Errorf("ingestion.endpoint is required")
	}
	if _, err := cfg.Ingestion.DialAddr(); err != nil {
		return fmt.Errorf("ingestion.%w", err)
	}
	switch cfg.Ingestion.Transport {
	case "http", "websocket":
	default:
		return fmt.Errorf("ingestion.transport: unknown transport %q", cfg.Ingestion.Transport)
	}
	if cfg.Ingestion.ServerPublicKey == "" {
		return fmt.Errorf("ingestion.server_public_key is required")
	}
	if _, err := cfg.Ingestion.PublicKey(); err != nil {
		return fmt.Errorf("ingestion.%w", err)
	}
	for i, pin := range cfg.Ingestion.Pins {
		if !strings.HasPrefix(pin, "sha256/") {
			return fmt.Errorf("ingestion.pins[%d]: must start with \"sha256/\"", i)
		}
	}
	if cfg.Queue.Path == "" {
		return fmt.Errorf("queue.path is required")
	}
	if cfg.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	if cfg.Queue.PersistThreshold <= 0 {
		return fmt.Errorf("queue.persist_threshold must be positive")
	}
	if cfg.Retry.InitialBackoff <= 0 {
		return fmt.Errorf("retry.initial_backoff must be positive")
	}
	if cfg.Retry.MaxBackoff < cfg.Retry.InitialBackoff {
		return fmt.Errorf("retry.max_backoff must be >= retry.initial_backoff")
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if cfg.Retry.JitterFactor < 0 || cfg.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry.jitter_factor must be within [0, 1]")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if cfg.Batch.MaxItems <= 0 {
		return fmt.Errorf("batch.max_items must be positive")
	}
	if cfg.Batch.MaxBytes <= 0 {
		return fmt.Errorf("batch.max_bytes must be positive")
	}
	if cfg.Batch.FlushInterval <= 0 {
		return fmt.Errorf("batch.flush_interval must be positive")
	}
	if cfg.Network.ProbeInterval <= 0 {
		return fmt.Errorf("network.probe_interval must be positive")
	}
	if cfg.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	for i, src := range cfg.Probes {
		if src.ID == "" {
			return fmt.Errorf("probes[%d]: id is required", i)
		}
		if src.Endpoint == "" {
			return fmt.Errorf("probes[%d] %q: endpoint is required", i, src.ID)
		}
	}
	return nil
}
