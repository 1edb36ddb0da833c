// Package config loads prism's configuration from a YAML file, PRISM_*
// environment variables and command-line flags through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PRISM_STAKE_AMOUNT.
const EnvPrefix = "PRISM"

// Config is the full prism configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Stake    StakeConfig    `mapstructure:"stake"`
	Slots    SlotsConfig    `mapstructure:"slots"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	AdminSecret string `mapstructure:"admin_secret"`
	// RateLimit is the number of requests each agent may make per minute.
	RateLimit       int           `mapstructure:"rate_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig locates the sqlite database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// StakeConfig sets the per-slot stake and the balance new agents start with.
type StakeConfig struct {
	Amount       int64 `mapstructure:"amount"`
	InitialGrant int64 `mapstructure:"initial_grant"`
}

// SlotsConfig controls slot expiry.
type SlotsConfig struct {
	ExpireAfter   time.Duration `mapstructure:"expire_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

// OutboxConfig controls notification delivery. Empty URLs select log-only
// sinks.
type OutboxConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	RewardURL     string        `mapstructure:"reward_url"`
	CommitURL     string        `mapstructure:"commit_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// PipelineConfig selects protocols.
type PipelineConfig struct {
	DefaultProtocol string `mapstructure:"default_protocol"`
	RoutingFallback string `mapstructure:"routing_fallback"`
	ProtocolsFile   string `mapstructure:"protocols_file"`
}

// EventsConfig sizes websocket subscriber buffers.
type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// LoggingConfig selects the zap configuration.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       120,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{Path: "prism.db"},
		Stake: StakeConfig{
			Amount:       10,
			InitialGrant: 100,
		},
		Slots: SlotsConfig{
			ExpireAfter:   5 * time.Minute,
			SweepInterval: 15 * time.Second,
			SweepBatch:    100,
		},
		Outbox: OutboxConfig{
			PollInterval: time.Second,
			BatchSize:    50,
			MaxAttempts:  8,
			BaseBackoff:  time.Second,
			MaxBackoff:   5 * time.Minute,
			Timeout:      10 * time.Second,
		},
		Pipeline: PipelineConfig{
			DefaultProtocol: "router-v1",
			RoutingFallback: "prism-v1",
		},
		Events:  EventsConfig{Buffer: 64},
		Logging: LoggingConfig{Level: "info"},
	}
}

// SetDefaults registers every default on v. Keys must be known to viper for
// environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.admin_secret", d.Server.AdminSecret)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("stake.amount", d.Stake.Amount)
	v.SetDefault("stake.initial_grant", d.Stake.InitialGrant)

	v.SetDefault("slots.expire_after", d.Slots.ExpireAfter)
	v.SetDefault("slots.sweep_interval", d.Slots.SweepInterval)
	v.SetDefault("slots.sweep_batch", d.Slots.SweepBatch)

	v.SetDefault("outbox.poll_interval", d.Outbox.PollInterval)
	v.SetDefault("outbox.batch_size", d.Outbox.BatchSize)
	v.SetDefault("outbox.max_attempts", d.Outbox.MaxAttempts)
	v.SetDefault("outbox.base_backoff", d.Outbox.BaseBackoff)
	v.SetDefault("outbox.max_backoff", d.Outbox.MaxBackoff)
	v.SetDefault("outbox.reward_url", d.Outbox.RewardURL)
	v.SetDefault("outbox.commit_url", d.Outbox.CommitURL)
	v.SetDefault("outbox.webhook_secret", d.Outbox.WebhookSecret)
	v.SetDefault("outbox.timeout", d.Outbox.Timeout)

	v.SetDefault("pipeline.default_protocol", d.Pipeline.DefaultProtocol)
	v.SetDefault("pipeline.routing_fallback", d.Pipeline.RoutingFallback)
	v.SetDefault("pipeline.protocols_file", d.Pipeline.ProtocolsFile)

	v.SetDefault("events.buffer", d.Events.Buffer)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
}

// New returns a viper instance with defaults and PRISM_* environment
// overrides wired up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a config file into v. An empty path searches for
// prism.yaml in the working directory and /etc/prism, and a missing file is
// not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("prism")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/prism")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}
