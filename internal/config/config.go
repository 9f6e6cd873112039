package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// ModePolling fetches updates with getUpdates.
	ModePolling = "polling"
	// ModeWebhook serves a webhook that the Bot API pushes to.
	ModeWebhook = "webhook"

	envPrefix = "TG_UPDATER_"
)

// Config describes runtime configuration for telegram-updater.
type Config struct {
	// ServiceName is a human-friendly service name for logs.
	ServiceName string `env:"SERVICE_NAME" yaml:"service_name"`
	// LogLevel controls log verbosity (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL" yaml:"log_level"`
	// LogFormat selects the log handler (text or json).
	LogFormat string `env:"LOG_FORMAT" yaml:"log_format"`
	// Token is the Telegram bot token.
	Token string `env:"TOKEN" yaml:"token"`
	// APIServer overrides the Bot API base URL.
	APIServer string `env:"API_SERVER" yaml:"api_server"`
	// Mode selects the transport (polling or webhook).
	Mode string `env:"MODE" yaml:"mode"`
	// HTTPHost is the ops HTTP listen host (health and readiness).
	HTTPHost string `env:"HTTP_HOST" yaml:"http_host"`
	// HTTPPort is the ops HTTP listen port. Zero disables the ops server.
	HTTPPort int `env:"HTTP_PORT" yaml:"http_port"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`

	Polling Polling `envPrefix:"POLL_" yaml:"polling"`
	Webhook Webhook `envPrefix:"WEBHOOK_" yaml:"webhook"`

	// AllowedUpdates limits update kinds for both modes.
	AllowedUpdates []string `env:"ALLOWED_UPDATES" envSeparator:"," yaml:"allowed_updates"`
	// DropPendingUpdates clears the server-side backlog on start.
	DropPendingUpdates bool `env:"DROP_PENDING_UPDATES" yaml:"drop_pending_updates"`
}

// Polling holds long-polling settings.
type Polling struct {
	Interval         time.Duration `env:"INTERVAL" yaml:"interval"`
	Timeout          time.Duration `env:"TIMEOUT" yaml:"timeout"`
	BootstrapRetries int           `env:"BOOTSTRAP_RETRIES" yaml:"bootstrap_retries"`
	ReadTimeout      time.Duration `env:"READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" yaml:"write_timeout"`
	ConnectTimeout   time.Duration `env:"CONNECT_TIMEOUT" yaml:"connect_timeout"`
	PoolTimeout      time.Duration `env:"POOL_TIMEOUT" yaml:"pool_timeout"`
}

// Webhook holds webhook server settings.
type Webhook struct {
	Listen           string `env:"LISTEN" yaml:"listen"`
	Port             int    `env:"PORT" yaml:"port"`
	URLPath          string `env:"URL_PATH" yaml:"url_path"`
	CertPath         string `env:"CERT_PATH" yaml:"cert_path"`
	KeyPath          string `env:"KEY_PATH" yaml:"key_path"`
	BootstrapRetries int    `env:"BOOTSTRAP_RETRIES" yaml:"bootstrap_retries"`
	// URL overrides the URL derived from listen address, port and path.
	URL            string `env:"URL" yaml:"url"`
	Secret         string `env:"SECRET" yaml:"secret"`
	IPAddress      string `env:"IP_ADDRESS" yaml:"ip_address"`
	MaxConnections int    `env:"MAX_CONNECTIONS" yaml:"max_connections"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServiceName:     "telegram-updater",
		LogLevel:        "info",
		LogFormat:       "text",
		Mode:            ModePolling,
		HTTPHost:        "0.0.0.0",
		HTTPPort:        8080,
		ShutdownTimeout: 10 * time.Second,
		Polling: Polling{
			Timeout:          10 * time.Second,
			BootstrapRetries: -1,
			ReadTimeout:      2 * time.Second,
		},
		Webhook: Webhook{
			Listen:         "127.0.0.1",
			Port:           80,
			MaxConnections: 40,
		},
	}
}

// Load builds configuration from defaults, an optional YAML file named by
// TG_UPDATER_CONFIG, and environment variables, in increasing precedence.
// A .env file in the working directory is loaded first when present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) normalize() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = ModePolling
	}
	switch c.Mode {
	case ModePolling, ModeWebhook:
	default:
		return fmt.Errorf("mode must be %s or %s", ModePolling, ModeWebhook)
	}

	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port must be between 0 and 65535")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if c.Polling.Interval < 0 || c.Polling.Timeout < 0 {
		return fmt.Errorf("poll interval and timeout must not be negative")
	}
	if c.Mode == ModeWebhook {
		if c.Webhook.Port < 0 || c.Webhook.Port > 65535 {
			return fmt.Errorf("webhook port must be between 0 and 65535")
		}
		if (c.Webhook.CertPath == "") != (c.Webhook.KeyPath == "") && c.Webhook.URL == "" {
			return fmt.Errorf("webhook cert and key must be set together unless webhook url is set")
		}
	}

	allowed := c.AllowedUpdates[:0]
	for _, kind := range c.AllowedUpdates {
		if kind = strings.TrimSpace(kind); kind != "" {
			allowed = append(allowed, kind)
		}
	}
	c.AllowedUpdates = allowed
	return nil
}

// HTTPAddr returns a listen address for the ops HTTP server.
func (c Config) HTTPAddr() string {
	return net.JoinHostPort(strings.TrimSpace(c.HTTPHost), fmt.Sprintf("%d", c.HTTPPort))
}

// HTTPEnabled reports whether the ops HTTP server should run.
func (c Config) HTTPEnabled() bool {
	return c.HTTPPort > 0
}

// WebhookEnabled reports whether webhook mode is configured.
func (c Config) WebhookEnabled() bool {
	return c.Mode == ModeWebhook
}
