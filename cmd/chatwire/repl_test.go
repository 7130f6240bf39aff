package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/HerbHall/chatwire/internal/supervisor"
	"github.com/HerbHall/chatwire/internal/transport"
	"github.com/HerbHall/chatwire/pkg/chat"
	"github.com/HerbHall/chatwire/pkg/chat/chattest"
)

type fixedBalance float64

func (f fixedBalance) Balance(context.Context) (float64, error) { return float64(f), nil }

func newTestREPL(t *testing.T, fake *chattest.Fake, credits balanceReader) (*repl, *transport.Client, *bytes.Buffer) {
	t.Helper()
	client, err := transport.New(transport.Options{
		Strategy: fake,
		Supervisor: supervisor.Config{
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 2,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	var out bytes.Buffer
	r := newREPL(client, credits, &out)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return r, client, &out
}

// feed runs the REPL over input and returns its output once the client has
// delivered every notification.
func feed(t *testing.T, r *repl, client *transport.Client, out *bytes.Buffer, input string) string {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.run(context.Background(), scanLines(strings.NewReader(input))) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("repl did not finish")
	}
	_ = client.Close(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	return out.String()
}

func TestREPL_SendsAndRendersReply(t *testing.T) {
	fake := chattest.NewFake(chattest.Reply{
		Deltas: []string{"Hi ", "there"},
		Result: &chat.Result{Content: "Hi there", Metadata: chat.Metadata{ModelName: "m1", TokenCount: 3}},
	})
	r, client, out := newTestREPL(t, fake, nil)

	got := feed(t, r, client, out, "hello\n/quit\nnever sent\n")

	if !strings.Contains(got, "Hi there\n") {
		t.Errorf("output missing reply:\n%s", got)
	}
	if !strings.Contains(got, "[m1, 3 tokens") {
		t.Errorf("output missing metadata:\n%s", got)
	}
	if reqs := fake.Requests(); len(reqs) != 1 || reqs[0].Text != "hello" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestREPL_RendersFailureNotice(t *testing.T) {
	fake := chattest.NewFake(chattest.Reply{Err: chat.AuthenticationError("expired", nil)})
	r, client, out := newTestREPL(t, fake, nil)

	got := feed(t, r, client, out, "hello\n")

	if !strings.Contains(got, "! Your session has expired. Please sign in again.") {
		t.Errorf("output missing notice:\n%s", got)
	}
}

func TestREPL_Commands(t *testing.T) {
	fake := chattest.NewFake()
	r, client, out := newTestREPL(t, fake, fixedBalance(42.5))

	got := feed(t, r, client, out, "/status\n/reconnect\n/bogus\n\n/help\n")

	for _, want := range []string{
		"strategy: fake",
		"state: connected",
		"credits: 42.50",
		"unknown command /bogus",
		"/reconnect   reconnect",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if n := fake.Connects(); n != 2 {
		t.Errorf("connects = %d, want 2 after /reconnect", n)
	}
	if len(fake.Requests()) != 0 {
		t.Error("commands must not be sent as messages")
	}
}

func TestREPL_StopsOnCancel(t *testing.T) {
	fake := chattest.NewFake()
	r, _, _ := newTestREPL(t, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan string)
	done := make(chan error, 1)
	go func() { done <- r.run(ctx, lines) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("repl ignored cancellation")
	}
}
