package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/chatwire/internal/event"
	"github.com/HerbHall/chatwire/internal/supervisor"
	"github.com/HerbHall/chatwire/pkg/chat"
	"github.com/HerbHall/chatwire/pkg/chat/chattest"
)

// sink records every notification the client publishes.
type sink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *sink) handle(_ context.Context, ev event.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sink) snapshot() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

func (s *sink) count(name event.Name) int {
	n := 0
	for _, ev := range s.snapshot() {
		if ev.Name() == name {
			n++
		}
	}
	return n
}

// sendNames returns the per-send notification names in delivery order.
func (s *sink) sendNames() []event.Name {
	var out []event.Name
	for _, ev := range s.snapshot() {
		switch ev.Name() {
		case event.NameMessageSent, event.NameDelta, event.NameComplete, event.NameError, event.NameBillingFailed:
			out = append(out, ev.Name())
		}
	}
	return out
}

type billerFunc func(ctx context.Context, cost float64) error

func (f billerFunc) Consume(ctx context.Context, cost float64) error { return f(ctx, cost) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newClient(t *testing.T, strategy chat.Strategy, biller chat.Biller) (*Client, *sink) {
	t.Helper()
	c, err := New(Options{
		Strategy: strategy,
		Biller:   biller,
		Supervisor: supervisor.Config{
			ConnectTimeout: time.Second,
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			BackoffFactor:  1.5,
			MaxAttempts:    3,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := &sink{}
	c.SubscribeAll(s.handle)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, s
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func equalNames(a, b []event.Name) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNew_RequiresStrategy(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without a strategy")
	}
}

func TestSendMessage_DeltasThenComplete(t *testing.T) {
	fake := chattest.NewFake(chattest.Reply{
		Deltas: []string{"Hel", "lo"},
		Result: &chat.Result{Content: "Hello", Metadata: chat.Metadata{ModelName: "m1", TokenCount: 2}},
	})
	c, s := newClient(t, fake, nil)
	connect(t, c)

	placeholder, err := c.SendMessage(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if placeholder.Role != chat.RoleAssistant || placeholder.Status != chat.StatusProcessing {
		t.Errorf("placeholder = %+v", placeholder)
	}
	waitFor(t, func() bool { return s.count(event.NameComplete) == 1 })

	want := []event.Name{event.NameMessageSent, event.NameDelta, event.NameDelta, event.NameComplete}
	if got := s.sendNames(); !equalNames(got, want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}

	var deltas []event.Delta
	var done event.Complete
	for _, ev := range s.snapshot() {
		switch e := ev.(type) {
		case event.Delta:
			deltas = append(deltas, e)
		case event.Complete:
			done = e
		}
	}
	if deltas[1].Content != "Hello" || deltas[1].MessageID != placeholder.ID {
		t.Errorf("second delta = %+v", deltas[1])
	}
	if done.Message.ID != placeholder.ID || done.Message.Content != "Hello" || done.Message.Status != chat.StatusCompleted {
		t.Errorf("complete = %+v", done.Message)
	}
	if done.Message.Metadata == nil || done.Message.Metadata.ModelName != "m1" {
		t.Errorf("metadata = %+v", done.Message.Metadata)
	}

	transcript := c.Transcript()
	if len(transcript) != 2 || transcript[0].Content != "hi" || transcript[1].Content != "Hello" {
		t.Errorf("transcript = %+v", transcript)
	}
	if reqs := fake.Requests(); len(reqs) != 1 || reqs[0].MessageID != placeholder.ID || len(reqs[0].History) != 0 {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestSendMessage_HistoryFromTranscript(t *testing.T) {
	fake := chattest.NewFake()
	c, s := newClient(t, fake, nil)
	connect(t, c)

	if _, err := c.SendMessage(context.Background(), "one", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameComplete) == 1 })
	if _, err := c.SendMessage(context.Background(), "two", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameComplete) == 2 })

	reqs := fake.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	want := []chat.Turn{{Role: chat.RoleUser, Content: "one"}, {Role: chat.RoleAssistant, Content: "one"}}
	got := reqs[1].History
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("history = %+v, want %+v", got, want)
	}

	explicit := []chat.Turn{{Role: chat.RoleUser, Content: "context"}}
	if _, err := c.SendMessage(context.Background(), "three", explicit); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameComplete) == 3 })
	if got := fake.Requests()[2].History; len(got) != 1 || got[0] != explicit[0] {
		t.Errorf("explicit history = %+v", got)
	}
}

func TestSendMessage_EmptyRejected(t *testing.T) {
	fake := chattest.NewFake()
	c, s := newClient(t, fake, nil)

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := c.SendMessage(context.Background(), text, nil); !errors.Is(err, chat.ErrEmptyMessage) {
			t.Errorf("SendMessage(%q) error = %v, want ErrEmptyMessage", text, err)
		}
	}
	if len(fake.Requests()) != 0 || len(c.Transcript()) != 0 || s.count(event.NameMessageSent) != 0 {
		t.Error("empty message must not start a send")
	}
}

func TestSendMessage_SupersededSendIsSilent(t *testing.T) {
	fake := chattest.NewFake(
		chattest.Reply{Deltas: []string{"stale"}, Gate: make(chan struct{})},
		chattest.Reply{Deltas: []string{"fresh"}},
	)
	c, s := newClient(t, fake, nil)
	connect(t, c)

	if _, err := c.SendMessage(context.Background(), "first", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameDelta) == 1 })

	second, err := c.SendMessage(context.Background(), "second", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameComplete) == 1 })
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if n := s.count(event.NameComplete); n != 1 {
		t.Errorf("complete count = %d, want 1", n)
	}
	if n := s.count(event.NameError); n != 0 {
		t.Errorf("error count = %d, want 0", n)
	}

	seenSecond := false
	for _, ev := range s.snapshot() {
		switch e := ev.(type) {
		case event.MessageSent:
			seenSecond = e.Placeholder.ID == second.ID
		case event.Delta:
			if seenSecond && e.MessageID != second.ID {
				t.Errorf("delta from superseded send after second send: %+v", e)
			}
		case event.Complete:
			if e.Message.ID != second.ID {
				t.Errorf("complete for %s, want %s", e.Message.ID, second.ID)
			}
		}
	}

	transcript := c.Transcript()
	if len(transcript) != 3 {
		t.Fatalf("transcript = %+v, want first, second, reply", transcript)
	}
	if transcript[0].Content != "first" || transcript[1].Content != "second" || transcript[2].ID != second.ID {
		t.Errorf("transcript = %+v", transcript)
	}
}

func TestSendMessage_CallerAbortIsSilent(t *testing.T) {
	fake := chattest.NewFake(chattest.Reply{Deltas: []string{"par"}, Gate: make(chan struct{})})
	c, s := newClient(t, fake, nil)
	connect(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.SendMessage(ctx, "hi", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameDelta) == 1 })
	cancel()
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if s.count(event.NameComplete)+s.count(event.NameError) != 0 {
		t.Errorf("aborted send produced a terminal notification: %v", s.sendNames())
	}
	transcript := c.Transcript()
	if len(transcript) != 1 || transcript[0].Role != chat.RoleUser {
		t.Errorf("transcript = %+v, want only the user message", transcript)
	}
}

func TestSendMessage_Failures(t *testing.T) {
	tests := []struct {
		name        string
		reply       chattest.Reply
		wantContent string
		wantNotice  string
		check       func(error) bool
	}{
		{
			name:        "stream broken mid-reply",
			reply:       chattest.Reply{Deltas: []string{"par"}, Err: chat.StreamProtocolError("stream broke", nil)},
			wantContent: "par",
			wantNotice:  "Failed to get a response: stream broke",
			check:       chat.IsStreamProtocolError,
		},
		{
			name:       "rejected request",
			reply:      chattest.Reply{Err: chat.RequestError(400, "bad prompt")},
			wantNotice: "Failed to get a response: bad prompt",
			check:      chat.IsRequestError,
		},
		{
			name:       "expired session",
			reply:      chattest.Reply{Err: chat.AuthenticationError("token expired", nil)},
			wantNotice: "Your session has expired. Please sign in again.",
			check:      chat.IsAuthenticationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := chattest.NewFake(tt.reply)
			c, s := newClient(t, fake, nil)
			connect(t, c)

			placeholder, err := c.SendMessage(context.Background(), "hi", nil)
			if err != nil {
				t.Fatal(err)
			}
			waitFor(t, func() bool { return s.count(event.NameError) == 1 })

			var got event.Error
			for _, ev := range s.snapshot() {
				if e, ok := ev.(event.Error); ok {
					got = e
				}
			}
			if !tt.check(got.Err) {
				t.Errorf("Err = %v, wrong kind", got.Err)
			}
			if got.Message.ID != placeholder.ID || got.Message.Status != chat.StatusError || got.Message.Content != tt.wantContent {
				t.Errorf("Message = %+v", got.Message)
			}
			if got.Notice.Role != chat.RoleSystem || got.Notice.Content != tt.wantNotice {
				t.Errorf("Notice = %+v", got.Notice)
			}
			if s.count(event.NameComplete) != 0 {
				t.Error("failed send also completed")
			}

			transcript := c.Transcript()
			if len(transcript) != 3 {
				t.Fatalf("transcript = %+v", transcript)
			}
			if transcript[0].Role != chat.RoleUser || transcript[0].Status != chat.StatusCompleted {
				t.Errorf("user message = %+v", transcript[0])
			}
			if transcript[2].ID != got.Notice.ID {
				t.Errorf("last transcript entry = %+v, want the notice", transcript[2])
			}
			if len(fake.Requests()) != 1 {
				t.Errorf("requests = %d, want 1 (no retry)", len(fake.Requests()))
			}
		})
	}
}

func TestSendMessage_BillsCompletedReplyOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		costs []float64
	)
	biller := billerFunc(func(_ context.Context, cost float64) error {
		mu.Lock()
		costs = append(costs, cost)
		mu.Unlock()
		return nil
	})
	fake := chattest.NewFake(
		chattest.Reply{Result: &chat.Result{Content: "paid", Metadata: chat.Metadata{Cost: 2.5}}},
		chattest.Reply{Deltas: []string{"free"}},
		chattest.Reply{Err: chat.RequestError(500, "boom")},
	)
	c, s := newClient(t, fake, biller)
	connect(t, c)

	for i, text := range []string{"a", "b", "c"} {
		if _, err := c.SendMessage(context.Background(), text, nil); err != nil {
			t.Fatal(err)
		}
		want := i + 1
		waitFor(t, func() bool { return s.count(event.NameComplete)+s.count(event.NameError) == want })
	}

	mu.Lock()
	defer mu.Unlock()
	if len(costs) != 1 || costs[0] != 2.5 {
		t.Errorf("billed %v, want [2.5]", costs)
	}
	if s.count(event.NameBillingFailed) != 0 {
		t.Error("unexpected billing failure")
	}
}

func TestSendMessage_BillingFailureStillCompletes(t *testing.T) {
	rejected := errors.New("insufficient credits")
	biller := billerFunc(func(context.Context, float64) error { return rejected })
	fake := chattest.NewFake(chattest.Reply{Result: &chat.Result{Content: "ok", Metadata: chat.Metadata{Cost: 1}}})
	c, s := newClient(t, fake, biller)
	connect(t, c)

	placeholder, err := c.SendMessage(context.Background(), "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameComplete) == 1 })

	want := []event.Name{event.NameMessageSent, event.NameBillingFailed, event.NameComplete}
	if got := s.sendNames(); !equalNames(got, want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}
	for _, ev := range s.snapshot() {
		if e, ok := ev.(event.BillingFailed); ok {
			if e.MessageID != placeholder.ID || e.Cost != 1 || !errors.Is(e.Err, rejected) {
				t.Errorf("BillingFailed = %+v", e)
			}
		}
	}
	if got := c.Transcript()[1]; got.Status != chat.StatusCompleted {
		t.Errorf("reply status = %s, want completed", got.Status)
	}
}

func TestSendMessage_NewSendDuringBillingKeepsCompletion(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var charged int
	biller := billerFunc(func(_ context.Context, cost float64) error {
		charged++
		close(entered)
		<-release
		return nil
	})
	fake := chattest.NewFake(
		chattest.Reply{Result: &chat.Result{Content: "first reply", Metadata: chat.Metadata{Cost: 2}}},
		chattest.Reply{Deltas: []string{"second reply"}},
	)
	c, s := newClient(t, fake, biller)
	connect(t, c)

	first, err := c.SendMessage(context.Background(), "one", nil)
	if err != nil {
		t.Fatal(err)
	}
	<-entered
	second, err := c.SendMessage(context.Background(), "two", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameComplete) == 1 })
	close(release)
	waitFor(t, func() bool { return s.count(event.NameComplete) == 2 })
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	completed := map[string]int{}
	for _, ev := range s.snapshot() {
		if e, ok := ev.(event.Complete); ok {
			completed[e.Message.ID]++
		}
	}
	if completed[first.ID] != 1 || completed[second.ID] != 1 {
		t.Errorf("complete per send = %v, want one each for %s and %s", completed, first.ID, second.ID)
	}
	if s.count(event.NameError) != 0 {
		t.Error("unexpected error notification")
	}
	if charged != 1 {
		t.Errorf("charged %d times, want 1", charged)
	}

	transcript := c.Transcript()
	if len(transcript) != 4 {
		t.Fatalf("transcript = %+v, want two exchanges", transcript)
	}
	if transcript[1].ID != first.ID || transcript[1].Status != chat.StatusCompleted || transcript[1].Content != "first reply" {
		t.Errorf("first reply = %+v", transcript[1])
	}
	if transcript[3].ID != second.ID || transcript[3].Status != chat.StatusCompleted {
		t.Errorf("second reply = %+v", transcript[3])
	}
	if reqs := fake.Requests(); len(reqs) != 2 || len(reqs[1].History) != 2 {
		t.Errorf("second request history = %+v, want the first exchange", reqs)
	}
}

func TestSendMessage_ConnectionErrorRecovered(t *testing.T) {
	fake := chattest.NewFake(chattest.Reply{Err: chat.ConnectionError("connection reset", nil)})
	c, s := newClient(t, fake, nil)
	connect(t, c)

	if _, err := c.SendMessage(context.Background(), "hi", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameComplete) == 1 })

	if n := len(fake.Requests()); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
	if n := fake.Connects(); n != 2 {
		t.Errorf("connects = %d, want 2", n)
	}
	if s.count(event.NameError) != 0 {
		t.Error("recovered send surfaced an error")
	}
	if s.count(event.NameDisconnected) != 1 || s.count(event.NameConnected) != 2 {
		t.Errorf("disconnected = %d, connected = %d", s.count(event.NameDisconnected), s.count(event.NameConnected))
	}
}

func TestSendMessage_ConnectionErrorSurfacesAfterRetries(t *testing.T) {
	lost := chattest.Reply{Err: chat.ConnectionError("connection reset", nil)}
	fake := chattest.NewFake(lost, lost, lost)
	c, s := newClient(t, fake, nil)
	connect(t, c)

	if _, err := c.SendMessage(context.Background(), "hi", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameError) == 1 })

	if n := len(fake.Requests()); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
	for _, ev := range s.snapshot() {
		if e, ok := ev.(event.Error); ok && !chat.IsConnectionError(e.Err) {
			t.Errorf("Err = %v, want connection error", e.Err)
		}
	}
}

func TestSendMessage_ContentStartedIsNotRetried(t *testing.T) {
	fake := chattest.NewFake(chattest.Reply{Deltas: []string{"half"}, Err: chat.ConnectionError("connection reset", nil)})
	c, s := newClient(t, fake, nil)
	connect(t, c)

	if _, err := c.SendMessage(context.Background(), "hi", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.count(event.NameError) == 1 })
	if n := len(fake.Requests()); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestServerPushesMapped(t *testing.T) {
	fake := chattest.NewFake()
	c, s := newClient(t, fake, nil)
	connect(t, c)

	fake.Push(event.PushTypingStart, nil)
	fake.Push(event.PushCreditUpdate, json.RawMessage(`{"remaining":42}`))
	fake.Push(event.PushStatusUpdate, json.RawMessage(`{"status":"busy"}`))
	fake.Push("not_a_real_push", nil)
	fake.Push(event.PushTypingStop, nil)

	waitFor(t, func() bool { return s.count(event.NameTyping) == 2 })
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got []event.Event
	for _, ev := range s.snapshot() {
		switch ev.(type) {
		case event.Typing, event.CreditUpdate, event.ServerNotice:
			got = append(got, ev)
		}
	}
	if len(got) != 4 {
		t.Fatalf("push events = %+v", got)
	}
	if e, ok := got[0].(event.Typing); !ok || !e.Active {
		t.Errorf("got[0] = %+v", got[0])
	}
	if e, ok := got[1].(event.CreditUpdate); !ok || e.Remaining != 42 {
		t.Errorf("got[1] = %+v", got[1])
	}
	if e, ok := got[2].(event.ServerNotice); !ok || e.Kind != event.PushStatusUpdate {
		t.Errorf("got[2] = %+v", got[2])
	}
	if e, ok := got[3].(event.Typing); !ok || e.Active {
		t.Errorf("got[3] = %+v", got[3])
	}
}

func TestDropReconnectsAndFlushes(t *testing.T) {
	fake := chattest.NewFake()
	c, s := newClient(t, fake, nil)
	connect(t, c)

	if n := fake.Flushes(); n != 1 {
		t.Errorf("flushes after connect = %d, want 1", n)
	}

	fake.Drop(errors.New("socket closed"))
	waitFor(t, func() bool { return s.count(event.NameConnected) == 2 })

	if !c.IsConnected() {
		t.Errorf("state = %s, want connected", c.State())
	}
	if n := fake.Connects(); n != 2 {
		t.Errorf("connects = %d, want 2", n)
	}
	waitFor(t, func() bool { return fake.Flushes() == 2 })

	var reason string
	for _, ev := range s.snapshot() {
		if e, ok := ev.(event.Disconnected); ok {
			reason = e.Reason
		}
	}
	if reason != "socket closed" {
		t.Errorf("disconnect reason = %q", reason)
	}
}

func TestConnect_ExhaustionMarksFailed(t *testing.T) {
	refused := chat.ConnectionError("connection refused", nil)
	fake := chattest.NewFake()
	fake.FailConnect(refused, refused, refused)
	c, s := newClient(t, fake, nil)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail")
	}
	if !c.Failed() || c.IsConnected() {
		t.Errorf("Failed = %v, state = %s", c.Failed(), c.State())
	}
	waitFor(t, func() bool { return s.count(event.NameConnectionFailed) == 1 })

	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if c.Failed() || !c.IsConnected() {
		t.Errorf("after Reconnect: Failed = %v, state = %s", c.Failed(), c.State())
	}
}

func TestRetryHintReachesSupervisor(t *testing.T) {
	refused := chat.ConnectionError("connection refused", nil)
	fake := chattest.NewFake()
	c, s := newClient(t, fake, nil)

	fake.AdviseRetry(3 * time.Millisecond)
	fake.FailConnect(refused)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return s.count(event.NameConnected) == 1 })

	var delay time.Duration
	for _, ev := range s.snapshot() {
		if e, ok := ev.(event.Reconnecting); ok {
			delay = e.Delay
		}
	}
	if delay != 3*time.Millisecond {
		t.Errorf("reconnect delay = %v, want the advised 3ms", delay)
	}
}

func TestEmit_UnsupportedStrategy(t *testing.T) {
	c, _ := newClient(t, chattest.NewFake(), nil)
	if err := c.Emit(context.Background(), "typing_start", nil); !errors.Is(err, chat.ErrUnsupported) {
		t.Errorf("Emit() error = %v, want ErrUnsupported", err)
	}
}

func TestClose_RejectsFurtherUse(t *testing.T) {
	c, _ := newClient(t, chattest.NewFake(), nil)
	connect(t, c)

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := c.SendMessage(context.Background(), "hi", nil); !errors.Is(err, chat.ErrClosed) {
		t.Errorf("SendMessage after Close = %v, want ErrClosed", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, chat.ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	if c.IsConnected() {
		t.Error("still connected after Close")
	}
}
