package config_test

import (
	"testing"
	"time"

	"github.com/poscalfx/price-relay/pkg/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.App.Port != ":8080" {
		t.Errorf("Expected default port :8080, got %s", cfg.App.Port)
	}
	if cfg.App.AuthToken != "" {
		t.Errorf("Expected auth gate disabled by default")
	}
	if cfg.Upstream.Kind != "binance" {
		t.Errorf("Expected binance upstream by default, got %s", cfg.Upstream.Kind)
	}
	if cfg.Upstream.ConnectTimeout != 10*time.Second {
		t.Errorf("Expected 10s connect timeout, got %v", cfg.Upstream.ConnectTimeout)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("APP_FANOUT", "filtered")
	t.Setenv("UPSTREAM_KIND", "redis")
	t.Setenv("UPSTREAM_CONNECT_TIMEOUT", "3s")
	t.Setenv("REDIS_ADDR", "cache:6380")

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.App.Fanout != "filtered" {
		t.Errorf("Expected filtered fanout, got %s", cfg.App.Fanout)
	}
	if cfg.Upstream.Kind != "redis" {
		t.Errorf("Expected redis upstream, got %s", cfg.Upstream.Kind)
	}
	if cfg.Upstream.ConnectTimeout != 3*time.Second {
		t.Errorf("Expected 3s connect timeout, got %v", cfg.Upstream.ConnectTimeout)
	}
	if cfg.Redis.Addr != "cache:6380" {
		t.Errorf("Expected redis addr override, got %s", cfg.Redis.Addr)
	}
}

func TestLoadConfig_LegacyAliases(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PROXY_AUTH_TOKEN", "s3cret")

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.App.Port != ":9090" {
		t.Errorf("Expected :9090 from PORT, got %s", cfg.App.Port)
	}
	if cfg.App.AuthToken != "s3cret" {
		t.Errorf("Expected token from PROXY_AUTH_TOKEN, got %q", cfg.App.AuthToken)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("UPSTREAM_KIND", "carrier-pigeon")
	if _, err := config.LoadConfig(); err == nil {
		t.Error("Expected error for unknown upstream kind")
	}
}

func TestLoadConfig_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("UPSTREAM_KIND", "postgres")
	if _, err := config.LoadConfig(); err == nil {
		t.Error("Expected error when postgres upstream has no DSN")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := config.NewLogger(config.LoggerConfig{Level: "debug", Encoding: "console"}); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, err := config.NewLogger(config.LoggerConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for invalid level")
	}
}
