package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Backend  BackendConfig  `yaml:"backend"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the operational HTTP listener settings.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// StorageConfig holds the durable outbox store settings.
type StorageConfig struct {
	DBPath          string    `yaml:"db_path"`
	MaxPayloadBytes SizeBytes `yaml:"max_payload_bytes"`
}

// BackendConfig holds the record store and delivery gateway endpoints.
type BackendConfig struct {
	RecordStoreURL string   `yaml:"record_store_url"`
	GatewayURL     string   `yaml:"gateway_url"`
	APIKey         string   `yaml:"api_key"`
	RequestTimeout Duration `yaml:"request_timeout"`
	RateRPS        float64  `yaml:"rate_rps"`
	RateBurst      int      `yaml:"rate_burst"`
}

// RealtimeConfig holds push event source and debounce tunables.
type RealtimeConfig struct {
	URL                  string   `yaml:"url"`
	Token                string   `yaml:"token"`
	Tenant               string   `yaml:"tenant"`
	TenantDebounce       Duration `yaml:"tenant_debounce"`
	ConversationDebounce Duration `yaml:"conversation_debounce"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	ReconnectMin         Duration `yaml:"reconnect_min"`
	ReconnectMax         Duration `yaml:"reconnect_max"`
}

// OutboxConfig holds retry and drain tunables for the outbound queue.
type OutboxConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	RetryBase  Duration `yaml:"retry_base"`
	DrainRPS   float64  `yaml:"drain_rps"`
	DrainBurst int      `yaml:"drain_burst"`
}

// SweeperConfig holds configuration for the periodic maintenance runner.
type SweeperConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Cron            string   `yaml:"cron"`
	FailedRetention Duration `yaml:"failed_retention"`
	BatchSize       int      `yaml:"batch_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
