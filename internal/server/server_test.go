package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/HerbHall/chatwire/pkg/chat"
	"github.com/HerbHall/chatwire/pkg/chat/chattest"
)

// fakeTransport reports a fixed strategy and a settable state.
type fakeTransport struct {
	strategy chat.Strategy

	mu    sync.Mutex
	state chat.ConnectionState
}

func newFakeTransport(state chat.ConnectionState) *fakeTransport {
	return &fakeTransport{strategy: chattest.NewFake(), state: state}
}

func (f *fakeTransport) Strategy() chat.Strategy { return f.strategy }

func (f *fakeTransport) State() chat.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) set(state chat.ConnectionState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

func serve(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHandleHealthz(t *testing.T) {
	w := serve(t, New(Options{}), "/healthz")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := decode(t, w); body["status"] != "alive" {
		t.Errorf("status = %v, want alive", body["status"])
	}
}

func TestHandleReadyz_FollowsConnectionState(t *testing.T) {
	tr := newFakeTransport(chat.StateRetrying)
	srv := New(Options{Transport: tr})

	w := serve(t, srv, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "not ready" || !strings.Contains(body["error"].(string), "retrying") {
		t.Errorf("body = %v", body)
	}

	tr.set(chat.StateConnected)
	if w := serve(t, srv, "/readyz"); w.Code != http.StatusOK {
		t.Errorf("connected status = %d, want 200", w.Code)
	}
}

func TestHandleReadyz_Override(t *testing.T) {
	tests := []struct {
		name       string
		ready      ReadinessChecker
		wantStatus int
	}{
		{"no checker or transport", nil, http.StatusOK},
		{"ready", func(context.Context) error { return nil }, http.StatusOK},
		{"not ready", func(context.Context) error { return errors.New("ledger locked") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, New(Options{Ready: tt.ready}), "/readyz")
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	status := func(context.Context) any {
		return map[string]any{"state": "connected", "strategy": "ws"}
	}
	w := serve(t, New(Options{Status: status}), "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["state"] != "connected" || body["strategy"] != "ws" {
		t.Errorf("body = %v", body)
	}

	w = serve(t, New(Options{}), "/status")
	if w.Code != http.StatusNotFound {
		t.Errorf("without StatusFunc status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHandleStatus_RateLimited(t *testing.T) {
	calls := 0
	srv := New(Options{
		Status:      func(context.Context) any { calls++; return map[string]int{"calls": calls} },
		StatusRate:  0.001,
		StatusBurst: 2,
	})

	for i := 0; i < 2; i++ {
		if w := serve(t, srv, "/status"); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
	w := serve(t, srv, "/status")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if body := decode(t, w); body["title"] != "Too Many Requests" {
		t.Errorf("problem = %v", body)
	}
	if calls != 2 {
		t.Errorf("status computed %d times, want 2", calls)
	}

	// Probes are never throttled.
	if w := serve(t, srv, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := New(Options{Transport: newFakeTransport(chat.StateConnected)})
	serve(t, srv, "/healthz")

	w := serve(t, srv, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	out := w.Body.String()
	if !strings.Contains(out, "chatwire_ops_requests_total") {
		t.Error("metrics output missing chatwire_ops_requests_total")
	}
	if !strings.Contains(out, `connection_state="connected"`) || !strings.Contains(out, `route="GET /healthz"`) {
		t.Error("request metric missing route or connection state labels")
	}
}
