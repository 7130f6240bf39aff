package supervisor

import "time"

// Config holds the supervisor's retry and health-check settings.
type Config struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// DefaultConfig returns the retry policy shared by both strategies.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 12 * time.Second,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		BackoffFactor:  1.5,
		MaxAttempts:    5,
		HealthInterval: 30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig. HealthInterval is left
// alone: zero disables the health probe.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}
