// Package config loads chatwire settings from an optional YAML file and
// CHATWIRE_* environment variables, and maps them onto the component configs.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/HerbHall/chatwire/internal/supervisor"
	"github.com/HerbHall/chatwire/internal/transport/httpstream"
	"github.com/HerbHall/chatwire/internal/transport/wsconn"
	"github.com/spf13/viper"
)

// Delivery modes accepted by transport.mode.
const (
	ModeHTTP = "http"
	ModeWS   = "ws"
)

// Config is the typed form of the settings tree.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Transport TransportConfig `mapstructure:"transport"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Credits   CreditsConfig   `mapstructure:"credits"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BackendConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	ChatPath   string `mapstructure:"chat_path"`
	HealthPath string `mapstructure:"health_path"`
	WSURL      string `mapstructure:"ws_url"` // Empty derives ws(s)://<base>/ws.
}

type ChatConfig struct {
	Model          string        `mapstructure:"model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	SimulatedDelay time.Duration `mapstructure:"simulated_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type TransportConfig struct {
	Mode           string        `mapstructure:"mode"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	OutboundRate   float64       `mapstructure:"outbound_rate"`
	OutboundBurst  int           `mapstructure:"outbound_burst"`
}

type AuthConfig struct {
	TokenFile    string        `mapstructure:"token_file"`
	TokenEnv     string        `mapstructure:"token_env"`
	ExpiryMargin time.Duration `mapstructure:"expiry_margin"`
}

type CreditsConfig struct {
	Database string  `mapstructure:"database"` // Empty disables credit accounting.
	Initial  float64 `mapstructure:"initial"`
}

type MetricsConfig struct {
	Listen      string  `mapstructure:"listen"` // Empty disables the metrics endpoint.
	StatusRate  float64 `mapstructure:"status_rate"`
	StatusBurst int     `mapstructure:"status_burst"`
}

// Load reads configuration from file and environment variables. An explicit
// configPath must exist; otherwise a missing chatwire.yaml is not an error.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("chatwire")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.config/chatwire")
	}

	// Environment variable support: CHATWIRE_TRANSPORT_MODE=ws
	v.SetEnvPrefix("CHATWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.chat_path", "/v1/chat/completions")
	v.SetDefault("backend.health_path", "/health")
	v.SetDefault("backend.ws_url", "")

	v.SetDefault("chat.model", "gpt-4o-mini")
	v.SetDefault("chat.temperature", 0.7)
	v.SetDefault("chat.max_tokens", 2048)
	v.SetDefault("chat.simulated_delay", "30ms")
	v.SetDefault("chat.request_timeout", "2m")

	v.SetDefault("transport.mode", ModeHTTP)
	v.SetDefault("transport.connect_timeout", "12s")
	v.SetDefault("transport.base_delay", "1s")
	v.SetDefault("transport.max_delay", "10s")
	v.SetDefault("transport.backoff_factor", 1.5)
	v.SetDefault("transport.max_attempts", 5)
	v.SetDefault("transport.health_interval", "30s")
	v.SetDefault("transport.outbound_rate", 20)
	v.SetDefault("transport.outbound_burst", 5)

	v.SetDefault("auth.token_file", "")
	v.SetDefault("auth.token_env", "CHATWIRE_TOKEN")
	v.SetDefault("auth.expiry_margin", "30s")

	v.SetDefault("credits.database", "./data/credits.db")
	v.SetDefault("credits.initial", 100)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.status_rate", 5.0)
	v.SetDefault("metrics.status_burst", 10)
}

// Unmarshal decodes v into a Config and validates it.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case ModeHTTP, ModeWS:
	default:
		return fmt.Errorf("invalid transport.mode %q: must be %q or %q", c.Transport.Mode, ModeHTTP, ModeWS)
	}
	if _, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("invalid backend.base_url %q: %w", c.Backend.BaseURL, err)
	}
	if c.Transport.MaxAttempts < 1 {
		return fmt.Errorf("transport.max_attempts must be at least 1, got %d", c.Transport.MaxAttempts)
	}
	if c.Transport.BackoffFactor < 1 {
		return fmt.Errorf("transport.backoff_factor must be at least 1, got %v", c.Transport.BackoffFactor)
	}
	if c.Chat.SimulatedDelay < 0 {
		return fmt.Errorf("chat.simulated_delay must not be negative")
	}
	return nil
}

// Supervisor returns the connection supervisor settings.
func (c *Config) Supervisor() supervisor.Config {
	return supervisor.Config{
		ConnectTimeout: c.Transport.ConnectTimeout,
		BaseDelay:      c.Transport.BaseDelay,
		MaxDelay:       c.Transport.MaxDelay,
		BackoffFactor:  c.Transport.BackoffFactor,
		MaxAttempts:    c.Transport.MaxAttempts,
		HealthInterval: c.Transport.HealthInterval,
	}
}

// HTTPStream returns the HTTP-stream strategy settings.
func (c *Config) HTTPStream() httpstream.Config {
	return httpstream.Config{
		BaseURL:        c.Backend.BaseURL,
		ChatPath:       c.Backend.ChatPath,
		HealthPath:     c.Backend.HealthPath,
		Model:          c.Chat.Model,
		Temperature:    c.Chat.Temperature,
		MaxTokens:      c.Chat.MaxTokens,
		RequestTimeout: c.Chat.RequestTimeout,
		SimulatedDelay: c.Chat.SimulatedDelay,
		ExpiryMargin:   c.Auth.ExpiryMargin,
	}
}

// WS returns the persistent-connection strategy settings.
func (c *Config) WS() wsconn.Config {
	cfg := wsconn.DefaultConfig()
	cfg.URL = c.wsURL()
	cfg.HealthURL = strings.TrimRight(c.Backend.BaseURL, "/") + c.Backend.HealthPath
	cfg.OutboundRate = c.Transport.OutboundRate
	cfg.OutboundBurst = c.Transport.OutboundBurst
	cfg.ExpiryMargin = c.Auth.ExpiryMargin
	return cfg
}

func (c *Config) wsURL() string {
	if c.Backend.WSURL != "" {
		return c.Backend.WSURL
	}
	base := strings.TrimRight(c.Backend.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
