package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Outbox.MaxRetries != DefaultMaxRetries {
		t.Fatalf("max retries default: %d", cfg.Outbox.MaxRetries)
	}
	if cfg.Outbox.RetryBase.Duration() != DefaultRetryBase {
		t.Fatalf("retry base default: %v", cfg.Outbox.RetryBase.Duration())
	}
	if cfg.Realtime.TenantDebounce.Duration() != DefaultTenantDebounce {
		t.Fatalf("tenant debounce default: %v", cfg.Realtime.TenantDebounce.Duration())
	}
	if cfg.Realtime.ConversationDebounce.Duration() != DefaultConversationDebounce {
		t.Fatalf("conversation debounce default: %v", cfg.Realtime.ConversationDebounce.Duration())
	}
	if cfg.Storage.DBPath == "" {
		t.Fatal("db path default missing")
	}
}

func TestValidateRejectsSlowConversationDebounce(t *testing.T) {
	cfg := &Config{}
	cfg.Realtime.ConversationDebounce = Duration(200 * time.Millisecond)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for conversation debounce >= 150ms")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  address: 127.0.0.1
  port: 9000
storage:
  db_path: /tmp/outbox
  max_payload_bytes: 2MB
backend:
  record_store_url: https://records.example.com
  request_timeout: 5s
outbox:
  max_retries: 5
  retry_base: 250ms
realtime:
  conversation_debounce: 80ms
sweeper:
  enabled: true
  cron: "*/5 * * * *"
  failed_retention: 48h
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Fatalf("addr: %s", cfg.Addr())
	}
	if cfg.Storage.MaxPayloadBytes.Int64() != 2000000 {
		t.Fatalf("size parse: %d", cfg.Storage.MaxPayloadBytes.Int64())
	}
	if cfg.Backend.RequestTimeout.Duration() != 5*time.Second {
		t.Fatalf("duration parse: %v", cfg.Backend.RequestTimeout.Duration())
	}
	if cfg.Outbox.MaxRetries != 5 || cfg.Outbox.RetryBase.Duration() != 250*time.Millisecond {
		t.Fatalf("outbox section: %+v", cfg.Outbox)
	}
	if cfg.Realtime.ConversationDebounce.Duration() != 80*time.Millisecond {
		t.Fatalf("debounce: %v", cfg.Realtime.ConversationDebounce.Duration())
	}
	if !cfg.Sweeper.Enabled || cfg.Sweeper.FailedRetention.Duration() != 48*time.Hour {
		t.Fatalf("sweeper section: %+v", cfg.Sweeper)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONVOSYNC_ADDR", "0.0.0.0:7777")
	t.Setenv("CONVOSYNC_RECORD_STORE_URL", "https://env.example.com")
	t.Setenv("CONVOSYNC_MAX_RETRIES", "7")
	t.Setenv("CONVOSYNC_RETRY_BASE", "3s")
	t.Setenv("CONVOSYNC_LOG_LEVEL", "debug")

	cfg := &Config{}
	if !LoadEnvOverrides(cfg) {
		t.Fatal("env overrides not detected")
	}
	if cfg.Server.Port != 7777 {
		t.Fatalf("port: %d", cfg.Server.Port)
	}
	if cfg.Backend.RecordStoreURL != "https://env.example.com" {
		t.Fatalf("record store url: %s", cfg.Backend.RecordStoreURL)
	}
	if cfg.Outbox.MaxRetries != 7 || cfg.Outbox.RetryBase.Duration() != 3*time.Second {
		t.Fatalf("outbox env: %+v", cfg.Outbox)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level env: %q", cfg.Logging.Level)
	}
}

func TestLoadEffectiveMissingFileStillValid(t *testing.T) {
	cfg, _, err := LoadEffective(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load effective: %v", err)
	}
	if cfg.Outbox.MaxRetries != DefaultMaxRetries {
		t.Fatal("defaults not applied when file missing")
	}
}
