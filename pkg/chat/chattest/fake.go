package chattest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/chatwire/pkg/chat"
)

// Compile-time interface guards.
var (
	_ chat.Strategy     = (*Fake)(nil)
	_ chat.DropNotifier = (*Fake)(nil)
	_ chat.RetryAdvisor = (*Fake)(nil)
	_ chat.PushNotifier = (*Fake)(nil)
	_ chat.Flusher      = (*Fake)(nil)
)

// Reply scripts the outcome of one Send.
type Reply struct {
	Deltas []string
	// Result overrides the terminal result. Nil means the deltas joined.
	Result *chat.Result
	Err    error
	// Gate, when set, holds the terminal outcome until it is closed or the
	// send is cancelled.
	Gate chan struct{}
}

// Fake is a scripted chat.Strategy. Replies are consumed in order; once
// they run out every send echoes its text.
type Fake struct {
	mu          sync.Mutex
	replies     []Reply
	connectErrs []error
	requests    []chat.Request
	connects    int
	flushes     int
	onDrop      func(error)
	onRetry     func(time.Duration)
	onPush      func(string, json.RawMessage)
}

// NewFake returns a Fake that will answer with replies in order.
func NewFake(replies ...Reply) *Fake {
	return &Fake{replies: replies}
}

// FailConnect makes the next len(errs) Connect calls return errs in order.
func (f *Fake) FailConnect(errs ...error) {
	f.mu.Lock()
	f.connectErrs = append(f.connectErrs, errs...)
	f.mu.Unlock()
}

// Queue appends replies to the script.
func (f *Fake) Queue(replies ...Reply) {
	f.mu.Lock()
	f.replies = append(f.replies, replies...)
	f.mu.Unlock()
}

// Requests returns the requests received so far.
func (f *Fake) Requests() []chat.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Request(nil), f.requests...)
}

// Connects returns the number of Connect calls.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Flushes returns the number of Flush calls.
func (f *Fake) Flushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

// Drop simulates the channel closing on its own.
func (f *Fake) Drop(err error) {
	f.mu.Lock()
	h := f.onDrop
	f.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Push simulates a server push.
func (f *Fake) Push(kind string, payload json.RawMessage) {
	f.mu.Lock()
	h := f.onPush
	f.mu.Unlock()
	if h != nil {
		h(kind, payload)
	}
}

// AdviseRetry simulates a retry hint read from the wire.
func (f *Fake) AdviseRetry(d time.Duration) {
	f.mu.Lock()
	h := f.onRetry
	f.mu.Unlock()
	if h != nil {
		h(d)
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *Fake) Disconnect(_ context.Context) error { return nil }

func (f *Fake) Probe(_ context.Context) error { return nil }

func (f *Fake) Flush(_ context.Context) error {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
	return nil
}

func (f *Fake) OnDrop(handler func(err error)) {
	f.mu.Lock()
	f.onDrop = handler
	f.mu.Unlock()
}

func (f *Fake) OnRetryHint(handler func(delay time.Duration)) {
	f.mu.Lock()
	f.onRetry = handler
	f.mu.Unlock()
}

func (f *Fake) OnPush(handler func(kind string, payload json.RawMessage)) {
	f.mu.Lock()
	f.onPush = handler
	f.mu.Unlock()
}

// Send plays the next scripted reply.
func (f *Fake) Send(ctx context.Context, req chat.Request, onDelta func(text string)) (*chat.Result, error) {
	if onDelta == nil {
		onDelta = func(string) {}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	var r Reply
	if len(f.replies) > 0 {
		r = f.replies[0]
		f.replies = f.replies[1:]
	} else {
		r = Reply{Deltas: []string{req.Text}}
	}
	f.mu.Unlock()

	if ctx.Err() != nil {
		return nil, chat.AbortedError(ctx.Err())
	}

	var content strings.Builder
	for _, d := range r.Deltas {
		if ctx.Err() != nil {
			return &chat.Result{Content: content.String()}, chat.AbortedError(ctx.Err())
		}
		content.WriteString(d)
		onDelta(d)
	}

	if r.Gate != nil {
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return &chat.Result{Content: content.String()}, chat.AbortedError(ctx.Err())
		}
	}

	if r.Err != nil {
		return &chat.Result{Content: content.String()}, r.Err
	}
	if r.Result != nil {
		res := *r.Result
		return &res, nil
	}
	return &chat.Result{Content: content.String()}, nil
}
