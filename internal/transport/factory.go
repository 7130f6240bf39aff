package transport

import (
	"fmt"
	"sync"

	"github.com/HerbHall/chatwire/internal/auth"
	"github.com/HerbHall/chatwire/internal/config"
	"github.com/HerbHall/chatwire/internal/transport/httpstream"
	"github.com/HerbHall/chatwire/internal/transport/wsconn"
	"github.com/HerbHall/chatwire/pkg/chat"
	"go.uber.org/zap"
)

// Deps are the collaborators injected into a Client built from config.
type Deps struct {
	Tokens chat.TokenSource
	Biller chat.Biller // Optional.
	Logger *zap.Logger
}

// NewTokenSource returns a file-backed source when auth.token_file is set,
// otherwise one reading the auth.token_env variable.
func NewTokenSource(cfg *config.Config, logger *zap.Logger) chat.TokenSource {
	if cfg.Auth.TokenFile != "" {
		return auth.NewFileSource(cfg.Auth.TokenFile, logger)
	}
	return auth.NewEnvSource(cfg.Auth.TokenEnv)
}

// NewStrategy builds the delivery strategy named by transport.mode.
func NewStrategy(cfg *config.Config, tokens chat.TokenSource, logger *zap.Logger) (chat.Strategy, error) {
	switch cfg.Transport.Mode {
	case config.ModeHTTP:
		s, err := httpstream.New(cfg.HTTPStream(), tokens, logger.Named("httpstream"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.ModeWS:
		s, err := wsconn.New(cfg.WS(), tokens, logger.Named("wsconn"))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
	}
}

// NewFromConfig builds a Client and its strategy from cfg.
func NewFromConfig(cfg *config.Config, deps Deps) (*Client, error) {
	if deps.Tokens == nil {
		return nil, fmt.Errorf("transport: token source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	strategy, err := NewStrategy(cfg, deps.Tokens, logger)
	if err != nil {
		return nil, fmt.Errorf("create %s strategy: %w", cfg.Transport.Mode, err)
	}

	return New(Options{
		Strategy:       strategy,
		Biller:         deps.Biller,
		Supervisor:     cfg.Supervisor(),
		RequestTimeout: cfg.Chat.RequestTimeout,
		Logger:         logger.Named("transport"),
	})
}

var (
	defaultOnce   sync.Once
	defaultClient *Client
	defaultErr    error
)

// Default returns a process-wide Client built from the discovered config
// file and environment, with no credit accounting. It is created on first
// use; callers that need billing or a custom token source use NewFromConfig.
func Default() (*Client, error) {
	defaultOnce.Do(func() {
		v, err := config.Load("")
		if err != nil {
			defaultErr = err
			return
		}
		cfg, err := config.Unmarshal(v)
		if err != nil {
			defaultErr = err
			return
		}
		logger, err := config.NewLogger(cfg.Logging)
		if err != nil {
			defaultErr = err
			return
		}
		defaultClient, defaultErr = NewFromConfig(cfg, Deps{
			Tokens: NewTokenSource(cfg, logger.Named("auth")),
			Logger: logger,
		})
	})
	return defaultClient, defaultErr
}
