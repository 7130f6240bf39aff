package wsconn

import "time"

// Config holds the persistent-connection strategy configuration.
type Config struct {
	URL           string        `mapstructure:"ws_url"`
	HealthURL     string        `mapstructure:"health_url"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	OutboundRate  float64       `mapstructure:"outbound_rate"` // Messages per second; zero or less is unlimited.
	OutboundBurst int           `mapstructure:"outbound_burst"`
	ExpiryMargin  time.Duration `mapstructure:"expiry_margin"`
}

// DefaultConfig returns sensible defaults for a local backend.
func DefaultConfig() Config {
	return Config{
		URL:           "ws://localhost:8000/ws",
		HealthURL:     "http://localhost:8000/health",
		WriteTimeout:  5 * time.Second,
		ReadLimit:     1 << 20,
		OutboundRate:  20,
		OutboundBurst: 5,
		ExpiryMargin:  30 * time.Second,
	}
}
