package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Generator GeneratorConfig `mapstructure:"generator"`
}

type AppConfig struct {
	Port            string        `mapstructure:"port"`
	Env             string        `mapstructure:"env"`        // e.g., "local", "prod"
	AuthToken       string        `mapstructure:"auth_token"` // empty disables the auth gate
	AuthTimeout     time.Duration `mapstructure:"auth_timeout"`
	Fanout          string        `mapstructure:"fanout"` // "filtered" or "group"
	SendBuffer      int           `mapstructure:"send_buffer"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // "json" or "console"
}

type UpstreamConfig struct {
	Kind            string        `mapstructure:"kind"` // "binance", "redis" or "postgres"
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	SymbolsFile     string        `mapstructure:"symbols_file"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxRetryElapsed time.Duration `mapstructure:"max_retry_elapsed"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	DSN     string `mapstructure:"dsn"`
	Channel string `mapstructure:"channel"` // NOTIFY channel prefix
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type ProcessorConfig struct {
	NumWorkers  int           `mapstructure:"num_workers"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

type GeneratorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Symbols  []string      `mapstructure:"symbols"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load .env into the process environment so viper sees it like any other env var
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	setDefaults(v)

	// "app.port" -> "APP_PORT"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnv(v, "app.env", "app.auth_timeout", "app.fanout", "app.send_buffer", "app.shutdown_timeout")
	bindEnv(v, "logger.level", "logger.encoding")
	bindEnv(v, "upstream.kind", "upstream.base_url", "upstream.api_key", "upstream.symbols_file",
		"upstream.connect_timeout", "upstream.max_retry_elapsed")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "postgres.dsn", "postgres.channel")
	bindEnv(v, "kafka.brokers", "kafka.topic", "kafka.group_id")
	bindEnv(v, "processor.num_workers", "processor.snapshot_ttl")
	bindEnv(v, "generator.interval", "generator.symbols")

	// Legacy names used by existing deployments of the proxy
	bindAlias(v, "app.port", "APP_PORT", "PORT")
	bindAlias(v, "app.auth_token", "APP_AUTH_TOKEN", "PROXY_AUTH_TOKEN")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")
	v.SetDefault("app.auth_token", "")
	v.SetDefault("app.auth_timeout", 10*time.Second)
	v.SetDefault("app.fanout", "group")
	v.SetDefault("app.send_buffer", 256)
	v.SetDefault("app.shutdown_timeout", 10*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")

	v.SetDefault("upstream.kind", "binance")
	v.SetDefault("upstream.base_url", "wss://stream.binance.com:9443")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.symbols_file", "")
	v.SetDefault("upstream.connect_timeout", 10*time.Second)
	v.SetDefault("upstream.max_retry_elapsed", 2*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.channel", "price_cache")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "price_cache_changes")
	v.SetDefault("kafka.group_id", "price-processor-group")

	v.SetDefault("processor.num_workers", 4)
	v.SetDefault("processor.snapshot_ttl", time.Hour)

	v.SetDefault("generator.interval", 100*time.Millisecond)
	v.SetDefault("generator.symbols", []string{"EUR/USD", "GBP/USD", "USD/JPY", "AUD/USD"})
}

// Validate checks the cross-field rules viper cannot express.
func (c *Config) Validate() error {
	if c.App.Port != "" && !strings.Contains(c.App.Port, ":") {
		// PORT=8080 style values from hosting platforms
		c.App.Port = ":" + c.App.Port
	}

	switch c.App.Fanout {
	case "filtered", "group":
	default:
		return fmt.Errorf("app.fanout must be filtered or group, got %q", c.App.Fanout)
	}

	switch c.Upstream.Kind {
	case "binance", "redis":
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres upstream")
		}
	default:
		return fmt.Errorf("unknown upstream kind %q", c.Upstream.Kind)
	}

	if c.App.SendBuffer <= 0 {
		return fmt.Errorf("app.send_buffer must be positive")
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}

	return nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}

// bindAlias binds one key to several env var names, first match wins.
func bindAlias(v *viper.Viper, key string, envNames ...string) {
	args := append([]string{key}, envNames...)
	if err := v.BindEnv(args...); err != nil {
		log.Printf("Could not bind env vars %v for key %s: %v", envNames, key, err)
	}
}
