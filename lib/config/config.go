// Package config provides YAML-based configuration loading for janus.go
// clients. Values can be overridden from the environment with the JANUS
// prefix, e.g. JANUS_SESSION_TRANSACTION_TIMEOUT=10s.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root client configuration.
type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
	Session SessionConfig `mapstructure:"session"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// GatewayConfig describes how to reach the gateway.
type GatewayConfig struct {
	// URL of the WebSocket endpoint, e.g. ws://localhost:8188
	URL string `mapstructure:"url"`
	// Subprotocol requested during the WebSocket handshake
	Subprotocol string `mapstructure:"subprotocol"`
	// Codec: json, cbor or proto
	Codec        string        `mapstructure:"codec"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	DialRetries  int           `mapstructure:"dial_retries"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// SessionConfig holds per-session request settings.
type SessionConfig struct {
	// TransactionTimeout bounds every correlated request; zero disables it.
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
	// KeepAliveInterval enables periodic keepalive requests when positive.
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig toggles prometheus collectors.
type MetricsConfig struct {
	Enable    bool   `mapstructure:"enable"`
	Namespace string `mapstructure:"namespace"`
}

// Default returns a Config populated with defaults. No transaction timeout is
// configured by default.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:          "ws://127.0.0.1:8188",
			Subprotocol:  "janus-protocol",
			Codec:        "json",
			DialTimeout:  5 * time.Second,
			DialRetries:  3,
			PingInterval: 30 * time.Second,
		},
		Session: SessionConfig{
			KeepAliveInterval: 25 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/janus.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Metrics: MetricsConfig{
			Namespace: "janus",
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// $JANUS_CONFIG or a janus.yaml in the usual locations. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("JANUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("gateway.url", cfg.Gateway.URL)
	v.SetDefault("gateway.subprotocol", cfg.Gateway.Subprotocol)
	v.SetDefault("gateway.codec", cfg.Gateway.Codec)
	v.SetDefault("gateway.dial_timeout", cfg.Gateway.DialTimeout)
	v.SetDefault("gateway.dial_retries", cfg.Gateway.DialRetries)
	v.SetDefault("gateway.ping_interval", cfg.Gateway.PingInterval)
	v.SetDefault("session.transaction_timeout", cfg.Session.TransactionTimeout)
	v.SetDefault("session.keepalive_interval", cfg.Session.KeepAliveInterval)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("metrics.enable", cfg.Metrics.Enable)
	v.SetDefault("metrics.namespace", cfg.Metrics.Namespace)

	if path == "" {
		path = os.Getenv("JANUS_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("janus")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".janus"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises the configuration and rejects invalid values.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Gateway.Codec = strings.ToLower(strings.TrimSpace(c.Gateway.Codec))
	switch c.Gateway.Codec {
	case "":
		c.Gateway.Codec = "json"
	case "json", "cbor", "proto":
	default:
		return fmt.Errorf("invalid gateway.codec: %q", c.Gateway.Codec)
	}
	if strings.TrimSpace(c.Gateway.URL) == "" {
		return errors.New("gateway.url is required")
	}
	if c.Session.TransactionTimeout < 0 {
		return fmt.Errorf("invalid session.transaction_timeout: %v", c.Session.TransactionTimeout)
	}
	if c.Gateway.DialRetries < 0 {
		c.Gateway.DialRetries = 0
	}
	return nil
}
