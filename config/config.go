// Package config loads and validates the gateway configuration. The
// configuration is read once at startup from an optional JSON file with
// environment-variable overrides, and is immutable for the lifetime of the
// run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c360/fleetgate/errors"
)

// Defaults for every tunable
const (
	DefaultListenPort      = 9000
	DefaultBind            = "0.0.0.0"
	DefaultMaxConnections  = 100
	DefaultReadBufferSize  = 4096
	DefaultMaxPendingBytes = 1 << 20 // 1 MiB
	DefaultIdleTimeout     = 30 * time.Second
	DefaultDedupEntries    = 1000

	DefaultDeviceMessageTopic = "device.messages"
	DefaultDeviceEventTopic   = "device.events"

	DefaultNATSURL        = "nats://localhost:4222"
	DefaultPublishTimeout = 30 * time.Second
	DefaultAcksPolicy     = "all"

	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
)

// Config is the complete gateway configuration.
type Config struct {
	Listen  ListenConfig  `json:"listen"`
	Gateway GatewayConfig `json:"gateway"`
	Topics  TopicsConfig  `json:"topics"`
	NATS    NATSConfig    `json:"nats"`
	Publish PublishConfig `json:"publish"`
	Metrics MetricsConfig `json:"metrics"`
}

// ListenConfig defines the device-facing TCP listener.
type ListenConfig struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

// Addr returns the listen address in host:port form.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Bind, l.Port)
}

// GatewayConfig defines per-connection and pipeline behavior.
type GatewayConfig struct {
	// MaxConnections is the global admission cap.
	MaxConnections int `json:"max_connections"`
	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int `json:"read_buffer_size"`
	// MaxPendingBytes caps the per-connection framing buffer; exceeding it
	// closes the connection.
	MaxPendingBytes int `json:"max_pending_bytes"`
	// IdleTimeout is the per-connection read/write idle deadline.
	IdleTimeout time.Duration `json:"idle_timeout"`
	// DedupEntriesPerDevice bounds the per-device set of remembered counters.
	DedupEntriesPerDevice int `json:"dedup_entries_per_device"`
	// DisconnectOnPublishError closes the connection on publish failures
	// instead of the default log-and-continue.
	DisconnectOnPublishError bool `json:"disconnect_on_publish_error"`
}

// TopicsConfig names the two publisher destinations.
type TopicsConfig struct {
	DeviceMessage string `json:"device_message"`
	DeviceEvent   string `json:"device_event"`
}

// NATSConfig defines the broker connection.
type NATSConfig struct {
	URL           string        `json:"url"`
	ClientName    string        `json:"client_name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	Compression   bool          `json:"compression,omitempty"`
}

// PublishConfig defines publisher call behavior.
type PublishConfig struct {
	Timeout     time.Duration `json:"timeout"`
	Acks        string        `json:"acks"`
	Idempotence bool          `json:"idempotence"`
}

// MetricsConfig defines the observability HTTP endpoint.
type MetricsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// Default returns a configuration populated with every default.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Bind: DefaultBind,
			Port: DefaultListenPort,
		},
		Gateway: GatewayConfig{
			MaxConnections:        DefaultMaxConnections,
			ReadBufferSize:        DefaultReadBufferSize,
			MaxPendingBytes:       DefaultMaxPendingBytes,
			IdleTimeout:           DefaultIdleTimeout,
			DedupEntriesPerDevice: DefaultDedupEntries,
		},
		Topics: TopicsConfig{
			DeviceMessage: DefaultDeviceMessageTopic,
			DeviceEvent:   DefaultDeviceEventTopic,
		},
		NATS: NATSConfig{
			URL:           DefaultNATSURL,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Publish: PublishConfig{
			Timeout: DefaultPublishTimeout,
			Acks:    DefaultAcksPolicy,
		},
		Metrics: MetricsConfig{
			Port: DefaultMetricsPort,
			Path: DefaultMetricsPath,
		},
	}
}

// Load builds the configuration: defaults, then the JSON file at path (if
// non-empty), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("listen port %d out of range", c.Listen.Port),
			"config", "Validate", "listen port")
	}
	if c.Gateway.MaxConnections <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("max_connections must be positive, got %d", c.Gateway.MaxConnections),
			"config", "Validate", "admission cap")
	}
	if c.Gateway.ReadBufferSize <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("read_buffer_size must be positive, got %d", c.Gateway.ReadBufferSize),
			"config", "Validate", "read buffer")
	}
	if c.Gateway.MaxPendingBytes <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("max_pending_bytes must be positive, got %d", c.Gateway.MaxPendingBytes),
			"config", "Validate", "framing cap")
	}
	if c.Gateway.IdleTimeout <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("idle_timeout must be positive, got %v", c.Gateway.IdleTimeout),
			"config", "Validate", "idle timeout")
	}
	if c.Gateway.DedupEntriesPerDevice <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("dedup_entries_per_device must be positive, got %d", c.Gateway.DedupEntriesPerDevice),
			"config", "Validate", "dedup cap")
	}
	if c.Topics.DeviceMessage == "" || c.Topics.DeviceEvent == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "topic names")
	}
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "NATS URL")
	}
	if c.Publish.Acks != "all" && c.Publish.Acks != "none" {
		return errors.WrapInvalid(
			fmt.Errorf("acks must be \"all\" or \"none\", got %q", c.Publish.Acks),
			"config", "Validate", "acks policy")
	}
	if c.Publish.Timeout <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("publish timeout must be positive, got %v", c.Publish.Timeout),
			"config", "Validate", "publish timeout")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("metrics port %d out of range", c.Metrics.Port),
			"config", "Validate", "metrics port")
	}
	return nil
}

// applyEnv overrides configuration fields from FLEETGATE_* environment
// variables. Malformed values are ignored in favor of the current value.
func applyEnv(cfg *Config) {
	setInt(&cfg.Listen.Port, "FLEETGATE_LISTEN_PORT")
	setString(&cfg.Listen.Bind, "FLEETGATE_BIND")

	setInt(&cfg.Gateway.MaxConnections, "FLEETGATE_MAX_CONNECTIONS")
	setInt(&cfg.Gateway.ReadBufferSize, "FLEETGATE_READ_BUFFER_SIZE")
	setInt(&cfg.Gateway.MaxPendingBytes, "FLEETGATE_MAX_PENDING_BYTES")
	setDuration(&cfg.Gateway.IdleTimeout, "FLEETGATE_IDLE_TIMEOUT")
	setInt(&cfg.Gateway.DedupEntriesPerDevice, "FLEETGATE_DEDUP_ENTRIES_PER_DEVICE")
	setBool(&cfg.Gateway.DisconnectOnPublishError, "FLEETGATE_DISCONNECT_ON_PUBLISH_ERROR")

	setString(&cfg.Topics.DeviceMessage, "FLEETGATE_DEVICE_MESSAGE_TOPIC")
	setString(&cfg.Topics.DeviceEvent, "FLEETGATE_DEVICE_EVENT_TOPIC")

	setString(&cfg.NATS.URL, "FLEETGATE_NATS_URL")
	setString(&cfg.NATS.ClientName, "FLEETGATE_NATS_CLIENT_NAME")
	setString(&cfg.NATS.Username, "FLEETGATE_NATS_USERNAME")
	setString(&cfg.NATS.Password, "FLEETGATE_NATS_PASSWORD")
	setString(&cfg.NATS.Token, "FLEETGATE_NATS_TOKEN")
	setBool(&cfg.NATS.Compression, "FLEETGATE_NATS_COMPRESSION")

	setDuration(&cfg.Publish.Timeout, "FLEETGATE_PUBLISH_TIMEOUT")
	setString(&cfg.Publish.Acks, "FLEETGATE_PUBLISH_ACKS")
	setBool(&cfg.Publish.Idempotence, "FLEETGATE_PUBLISH_IDEMPOTENCE")

	setInt(&cfg.Metrics.Port, "FLEETGATE_METRICS_PORT")
	setString(&cfg.Metrics.Path, "FLEETGATE_METRICS_PATH")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
