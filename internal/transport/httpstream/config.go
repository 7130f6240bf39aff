package httpstream

import "time"

// Config holds the HTTP-stream strategy configuration.
type Config struct {
	BaseURL        string        `mapstructure:"base_url"`
	ChatPath       string        `mapstructure:"chat_path"`
	HealthPath     string        `mapstructure:"health_path"`
	Model          string        `mapstructure:"model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SimulatedDelay time.Duration `mapstructure:"simulated_delay"` // Pause between simulated deltas for buffered replies; zero disables.
	ExpiryMargin   time.Duration `mapstructure:"expiry_margin"`
}

// DefaultConfig returns sensible defaults for an OpenAI-compatible backend.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8000",
		ChatPath:       "/v1/chat/completions",
		HealthPath:     "/health",
		Model:          "gpt-4o-mini",
		Temperature:    0.7,
		MaxTokens:      2048,
		RequestTimeout: 2 * time.Minute,
		SimulatedDelay: 30 * time.Millisecond,
		ExpiryMargin:   30 * time.Second,
	}
}
