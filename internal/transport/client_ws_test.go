package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/chatwire/internal/auth"
	"github.com/HerbHall/chatwire/internal/event"
	"github.com/HerbHall/chatwire/internal/transport/wsconn"
	"github.com/HerbHall/chatwire/pkg/chat"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
)

// wsBackend answers every chat message with one delta and then drops the
// channel. Other envelopes are recorded.
type wsBackend struct {
	srv *httptest.Server

	mu    sync.Mutex
	kinds []string
}

func newWSBackend(t *testing.T) *wsBackend {
	t.Helper()
	b := &wsBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			var env wsconn.Envelope
			if err := wsjson.Read(r.Context(), conn, &env); err != nil {
				return
			}
			b.mu.Lock()
			b.kinds = append(b.kinds, env.Type)
			b.mu.Unlock()
			if env.Type != wsconn.TypeMessage {
				continue
			}
			done := false
			data, _ := json.Marshal(wsconn.ResponseData{Done: &done, Delta: "Hi"})
			wsjson.Write(r.Context(), conn, wsconn.Envelope{Type: "message_response", ID: env.ID, Data: data}) //nolint:errcheck
			conn.Close(websocket.StatusGoingAway, "restarting")                                                //nolint:errcheck
			return
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *wsBackend) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.kinds...)
}

func newWSClient(t *testing.T, b *wsBackend) (*Client, *sink) {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	cfg := wsconn.DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
	cfg.HealthURL = ""
	cfg.OutboundRate = 0
	strategy, err := wsconn.New(cfg, auth.NewStaticSource(token), nil)
	if err != nil {
		t.Fatalf("wsconn.New: %v", err)
	}
	c, s := newClient(t, strategy, nil)
	connect(t, c)
	return c, s
}

func TestSendMessage_WSDropMidReplyIsStreamError(t *testing.T) {
	b := newWSBackend(t)
	c, s := newWSClient(t, b)

	placeholder, err := c.SendMessage(context.Background(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameError) == 1 })

	if s.count(event.NameComplete) != 0 {
		t.Error("interrupted reply completed")
	}
	for _, ev := range s.snapshot() {
		e, ok := ev.(event.Error)
		if !ok {
			continue
		}
		if !chat.IsStreamProtocolError(e.Err) || chat.IsConnectionError(e.Err) {
			t.Errorf("Err = %v, want stream protocol error", e.Err)
		}
		if e.Message.ID != placeholder.ID || e.Message.Content != "Hi" || e.Message.Status != chat.StatusError {
			t.Errorf("Message = %+v, want partial reply kept", e.Message)
		}
	}

	var messages int
	for _, kind := range b.received() {
		if kind == wsconn.TypeMessage {
			messages++
		}
	}
	if messages != 1 {
		t.Errorf("backend got %d messages, want 1", messages)
	}
}

func TestEmit_ReachesPersistentChannel(t *testing.T) {
	b := newWSBackend(t)
	c, _ := newWSClient(t, b)

	if err := c.Emit(context.Background(), "typing_start", map[string]bool{"typing": true}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	waitFor(t, func() bool {
		got := b.received()
		return len(got) == 1 && got[0] == "typing_start"
	})
}
