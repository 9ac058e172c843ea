package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a field is unset.
const (
	DefaultMaxRetries = 3
	DefaultRetryBase  = 2 * time.Second

	DefaultTenantDebounce       = 300 * time.Millisecond
	DefaultConversationDebounce = 100 * time.Millisecond
)

// Addr returns host:port for the operational HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8091
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// Validate checks the configuration and applies canonical defaults in place.
func (c *Config) Validate() error {
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "./.outbox"
	}
	if c.Storage.MaxPayloadBytes <= 0 {
		c.Storage.MaxPayloadBytes = SizeBytes(1 << 20)
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = DefaultMaxRetries
	}
	if c.Outbox.RetryBase.Duration() <= 0 {
		c.Outbox.RetryBase = Duration(DefaultRetryBase)
	}
	if c.Outbox.DrainRPS < 0 {
		return fmt.Errorf("outbox.drain_rps must be >= 0")
	}
	if c.Outbox.DrainBurst <= 0 {
		c.Outbox.DrainBurst = 1
	}
	if c.Backend.RequestTimeout.Duration() <= 0 {
		c.Backend.RequestTimeout = Duration(10 * time.Second)
	}
	if c.Backend.RateBurst <= 0 {
		c.Backend.RateBurst = 4
	}
	if c.Realtime.TenantDebounce.Duration() <= 0 {
		c.Realtime.TenantDebounce = Duration(DefaultTenantDebounce)
	}
	if c.Realtime.ConversationDebounce.Duration() <= 0 {
		c.Realtime.ConversationDebounce = Duration(DefaultConversationDebounce)
	}
	if c.Realtime.ConversationDebounce.Duration() >= 150*time.Millisecond {
		return fmt.Errorf("realtime.conversation_debounce must stay under 150ms")
	}
	if c.Realtime.HeartbeatInterval.Duration() <= 0 {
		c.Realtime.HeartbeatInterval = Duration(30 * time.Second)
	}
	if c.Realtime.ReconnectMin.Duration() <= 0 {
		c.Realtime.ReconnectMin = Duration(time.Second)
	}
	if c.Realtime.ReconnectMax.Duration() <= 0 {
		c.Realtime.ReconnectMax = Duration(30 * time.Second)
	}
	if c.Sweeper.Cron == "" {
		c.Sweeper.Cron = "0 * * * *"
	}
	if c.Sweeper.FailedRetention.Duration() <= 0 {
		c.Sweeper.FailedRetention = Duration(7 * 24 * time.Hour)
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 200
	}
	return nil
}

// Load reads the YAML config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// ParseFlags defines and parses command-line flags.
func ParseFlags() Flags {
	addrPtr := flag.String("addr", ":8091", "operational HTTP listen address")
	dbPtr := flag.String("db", "./.outbox", "outbox Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and CONVOSYNC_CONFIG when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("CONVOSYNC_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// LoadEnvOverrides applies CONVOSYNC_* environment overrides onto cfg and
// reports whether any env var was used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			envUsed = true
			*dst = v
		}
	}
	setDur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if td, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				envUsed = true
				*dst = Duration(td)
			}
		}
	}

	if v := os.Getenv("CONVOSYNC_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	setStr("CONVOSYNC_DB_PATH", &cfg.Storage.DBPath)
	setStr("CONVOSYNC_RECORD_STORE_URL", &cfg.Backend.RecordStoreURL)
	setStr("CONVOSYNC_GATEWAY_URL", &cfg.Backend.GatewayURL)
	setStr("CONVOSYNC_API_KEY", &cfg.Backend.APIKey)
	setDur("CONVOSYNC_REQUEST_TIMEOUT", &cfg.Backend.RequestTimeout)
	setStr("CONVOSYNC_REALTIME_URL", &cfg.Realtime.URL)
	setStr("CONVOSYNC_REALTIME_TOKEN", &cfg.Realtime.Token)
	setStr("CONVOSYNC_TENANT", &cfg.Realtime.Tenant)
	setDur("CONVOSYNC_TENANT_DEBOUNCE", &cfg.Realtime.TenantDebounce)
	setDur("CONVOSYNC_CONVERSATION_DEBOUNCE", &cfg.Realtime.ConversationDebounce)
	if v := os.Getenv("CONVOSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Outbox.MaxRetries = n
		}
	}
	setDur("CONVOSYNC_RETRY_BASE", &cfg.Outbox.RetryBase)
	if v := os.Getenv("CONVOSYNC_SWEEPER_ENABLED"); v != "" {
		envUsed = true
		vl := strings.ToLower(strings.TrimSpace(v))
		cfg.Sweeper.Enabled = vl == "1" || vl == "true" || vl == "yes"
	}
	setStr("CONVOSYNC_SWEEPER_CRON", &cfg.Sweeper.Cron)
	setDur("CONVOSYNC_SWEEPER_RETENTION", &cfg.Sweeper.FailedRetention)
	// CONVOSYNC_LOG_LEVEL beats logging.level from the file; pkg/logger
	// reads the same variable itself only when no level is wired through.
	setStr("CONVOSYNC_LOG_LEVEL", &cfg.Logging.Level)
	return envUsed
}

// LoadEffective loads config from the given path and applies environment
// overrides. Missing file is not fatal; env and defaults still apply.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, envUsed, err
	}
	return cfg, envUsed, nil
}
