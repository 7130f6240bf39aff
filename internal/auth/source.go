package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/HerbHall/chatwire/pkg/chat"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ chat.TokenSource = (*StaticSource)(nil)
	_ chat.TokenSource = (*EnvSource)(nil)
	_ chat.TokenSource = (*FileSource)(nil)
)

// TokenPair is the credential document persisted by the login flow.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"` // Access token TTL in seconds
}

// invalidation tracks which token value was invalidated so a fresh value
// written by the login flow is picked up again.
type invalidation struct {
	mu      sync.Mutex
	revoked string
}

func (i *invalidation) filter(token string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if token != "" && token == i.revoked {
		return ""
	}
	return token
}

func (i *invalidation) revoke(token string) {
	i.mu.Lock()
	i.revoked = token
	i.mu.Unlock()
}

// StaticSource serves a fixed token. Useful for tests and service accounts.
type StaticSource struct {
	token string
	inv   invalidation
}

// NewStaticSource creates a source that always returns token until invalidated.
func NewStaticSource(token string) *StaticSource {
	return &StaticSource{token: token}
}

func (s *StaticSource) Token(_ context.Context) (string, error) {
	return s.inv.filter(s.token), nil
}

func (s *StaticSource) Invalidate(_ context.Context) error {
	s.inv.revoke(s.token)
	return nil
}

// EnvSource reads the token from an environment variable on every call.
type EnvSource struct {
	name string
	inv  invalidation
}

// NewEnvSource creates a source backed by the named environment variable.
func NewEnvSource(name string) *EnvSource {
	return &EnvSource{name: name}
}

func (s *EnvSource) Token(_ context.Context) (string, error) {
	return s.inv.filter(strings.TrimSpace(os.Getenv(s.name))), nil
}

func (s *EnvSource) Invalidate(_ context.Context) error {
	s.inv.revoke(strings.TrimSpace(os.Getenv(s.name)))
	return nil
}

// FileSource reads the persisted credential file on every call. The file is
// either a TokenPair JSON document or a bare token. A missing file means no
// token is stored. The file is never written.
type FileSource struct {
	path   string
	logger *zap.Logger
	inv    invalidation
}

// NewFileSource creates a source backed by the credential file at path.
func NewFileSource(path string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{path: path, logger: logger}
}

func (s *FileSource) Token(_ context.Context) (string, error) {
	token, err := s.read()
	if err != nil {
		return "", err
	}
	return s.inv.filter(token), nil
}

func (s *FileSource) Invalidate(_ context.Context) error {
	token, err := s.read()
	if err != nil {
		return err
	}
	s.inv.revoke(token)
	s.logger.Info("credential invalidated", zap.String("path", s.path))
	return nil
}

func (s *FileSource) read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read credential file %q: %w", s.path, err)
	}

	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		var pair TokenPair
		if err := json.Unmarshal([]byte(raw), &pair); err != nil {
			return "", fmt.Errorf("decode credential file %q: %w", s.path, err)
		}
		return pair.AccessToken, nil
	}
	return raw, nil
}
