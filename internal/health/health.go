// Package health probes the backend status endpoint. The same probe serves as
// the pre-flight capability check and the periodic liveness check.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/HerbHall/chatwire/pkg/chat"
)

// Status is the small document returned by the health endpoint.
type Status struct {
	Status     string   `json:"status"`
	Version    string   `json:"version,omitempty"`
	Transports []string `json:"transports,omitempty"`
	Features   []string `json:"features,omitempty"`
}

// Supports reports whether the backend advertised the named feature.
func (s *Status) Supports(feature string) bool {
	if s == nil {
		return false
	}
	for _, f := range s.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Checker performs GET requests against a health URL.
type Checker struct {
	url        string
	httpClient *http.Client
}

// NewChecker creates a Checker. A zero timeout defaults to five seconds.
func NewChecker(url string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Check fetches the status document. Non-2xx responses, transport failures
// and a reported status other than ok/healthy are connection errors. A
// non-JSON 2xx body counts as healthy with no advertised capabilities.
func (c *Checker) Check(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, chat.ConnectionError("health endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, chat.ConnectionError(fmt.Sprintf("health endpoint returned %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, chat.ConnectionError("read health response", err)
	}

	var status Status
	if err := json.Unmarshal(body, &status); err != nil || status.Status == "" {
		return &Status{Status: "ok"}, nil
	}

	switch strings.ToLower(status.Status) {
	case "ok", "healthy", "up":
		return &status, nil
	default:
		return &status, chat.ConnectionError(fmt.Sprintf("backend reports status %q", status.Status), nil)
	}
}
