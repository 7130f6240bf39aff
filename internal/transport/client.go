// Package transport provides Client, the single object UI code holds. It
// multiplexes sends onto the active delivery strategy, drives the connection
// supervisor, charges credits after completed replies, and republishes every
// notification on one hub with a closed event vocabulary.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/chatwire/internal/event"
	"github.com/HerbHall/chatwire/internal/metrics"
	"github.com/HerbHall/chatwire/internal/supervisor"
	"github.com/HerbHall/chatwire/pkg/chat"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures a Client. Strategy is required.
type Options struct {
	Strategy   chat.Strategy
	Biller     chat.Biller // Optional; nil disables credit consumption.
	Supervisor supervisor.Config
	// RequestTimeout bounds a single send, including any reconnection it
	// waits for. Zero means no limit.
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Client is the transport façade. All methods are safe for concurrent use.
// Hub listeners run on a single dispatch goroutine, one notification at a
// time, in the order the notifications were produced.
type Client struct {
	strategy chat.Strategy
	biller   chat.Biller
	hub      *event.Hub
	sup      *supervisor.Supervisor
	supCfg   supervisor.Config
	timeout  time.Duration
	logger   *zap.Logger

	mu         sync.Mutex
	seq        uint64             // sequence number of the current send
	cancel     context.CancelFunc // aborts the current send; nil once it is settling
	transcript []chat.Message
	closed     bool
	sends      sync.WaitGroup

	qmu      sync.Mutex
	queue    []event.Event
	wake     chan struct{}
	stop     chan struct{}
	loopDone chan struct{}
}

// New creates a Client around opts.Strategy and starts its dispatch loop.
// The channel is not opened until Connect is called.
func New(opts Options) (*Client, error) {
	if opts.Strategy == nil {
		return nil, fmt.Errorf("transport: strategy is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		strategy: opts.Strategy,
		biller:   opts.Biller,
		hub:      event.NewHub(logger.Named("hub")),
		timeout:  opts.RequestTimeout,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	hooks := supervisor.Hooks{
		Connect:    opts.Strategy.Connect,
		Disconnect: opts.Strategy.Disconnect,
		Probe:      opts.Strategy.Probe,
	}
	if f, ok := opts.Strategy.(chat.Flusher); ok {
		hooks.AfterConnect = func(ctx context.Context) {
			if err := f.Flush(ctx); err != nil {
				c.logger.Warn("flush queued messages failed", zap.Error(err))
			}
		}
	}
	c.sup = supervisor.New(opts.Supervisor, hooks, c.enqueue, logger.Named("supervisor"))
	c.supCfg = opts.Supervisor

	if d, ok := opts.Strategy.(chat.DropNotifier); ok {
		d.OnDrop(c.sup.Dropped)
	}
	if r, ok := opts.Strategy.(chat.RetryAdvisor); ok {
		r.OnRetryHint(c.sup.AdviseDelay)
	}
	if p, ok := opts.Strategy.(chat.PushNotifier); ok {
		p.OnPush(func(kind string, payload json.RawMessage) {
			ev := event.FromServer(kind, payload)
			if ev == nil {
				c.logger.Debug("ignoring unknown server push", zap.String("kind", kind))
				return
			}
			c.enqueue(ev)
		})
	}

	go c.loop()
	return c, nil
}

// Strategy returns the active delivery strategy.
func (c *Client) Strategy() chat.Strategy { return c.strategy }

// Subscribe registers handler for the named notification and returns a
// function that removes it.
func (c *Client) Subscribe(name event.Name, handler event.Handler) func() {
	return c.hub.Subscribe(name, handler)
}

// SubscribeAll registers handler for every notification.
func (c *Client) SubscribeAll(handler event.Handler) func() {
	return c.hub.SubscribeAll(handler)
}

// State returns the supervisor's connection state.
func (c *Client) State() chat.ConnectionState { return c.sup.State() }

// IsConnected reports whether the channel is up.
func (c *Client) IsConnected() bool { return c.sup.State() == chat.StateConnected }

// Failed reports whether the last connection effort ran out of attempts.
// Automatic retries stay stopped until Connect or Reconnect is called.
func (c *Client) Failed() bool { return c.sup.Exhausted() }

// Connect opens the channel, retrying with backoff.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return chat.ErrClosed
	}
	return c.sup.Connect(ctx)
}

// Disconnect closes the channel without triggering reconnection.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.sup.Disconnect(ctx)
}

// Reconnect tears the channel down and opens it again with a fresh attempt
// budget.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.isClosed() {
		return chat.ErrClosed
	}
	if err := c.sup.Disconnect(ctx); err != nil {
		c.logger.Warn("disconnect before reconnect failed", zap.Error(err))
	}
	return c.sup.Connect(ctx)
}

// Transcript returns a snapshot of the conversation so far.
func (c *Client) Transcript() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// SendMessage starts sending text and returns the assistant placeholder the
// reply will fill. A nil history is taken from the completed messages in
// the transcript. Any send still in flight is aborted and its notifications
// are suppressed, unless its reply is already complete and only billing
// remains. Every accepted send ends with exactly one complete or error
// notification unless it is aborted. Cancelling ctx aborts the send.
func (c *Client) SendMessage(ctx context.Context, text string, history []chat.Turn) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, chat.ErrEmptyMessage
	}

	now := time.Now()
	user := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleUser,
		Content:   text,
		Timestamp: now,
		Status:    chat.StatusCompleted,
	}
	placeholder := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleAssistant,
		Timestamp: now,
		Status:    chat.StatusProcessing,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return chat.Message{}, chat.ErrClosed
	}
	if c.cancel != nil {
		c.cancel()
		c.dropPlaceholderLocked(c.seq)
	}
	if history == nil {
		history = chat.HistoryFrom(c.transcript)
	}
	c.seq++
	seq := c.seq

	sendCtx, cancel := context.WithCancel(ctx)
	if c.timeout > 0 {
		var cancelTimeout context.CancelFunc
		sendCtx, cancelTimeout = context.WithTimeout(sendCtx, c.timeout)
		inner := cancel
		cancel = func() { cancelTimeout(); inner() }
	}
	c.cancel = cancel
	c.transcript = append(c.transcript, user, placeholder)
	c.publishLocked(seq, event.MessageSent{User: user, Placeholder: placeholder})
	c.sends.Add(1)
	c.mu.Unlock()

	metrics.SendsTotal.WithLabelValues(c.strategy.Name()).Inc()
	c.logger.Debug("send started", zap.String("message_id", placeholder.ID), zap.Int("history", len(history)))

	req := chat.Request{MessageID: placeholder.ID, Text: text, History: history}
	go c.run(sendCtx, cancel, seq, req)
	return placeholder, nil
}

// Emit sends a non-chat envelope, such as a typing indicator, on the active
// strategy. It returns chat.ErrUnsupported when the strategy cannot carry one.
func (c *Client) Emit(ctx context.Context, kind string, payload any) error {
	if c.isClosed() {
		return chat.ErrClosed
	}
	e, ok := c.strategy.(chat.Emitter)
	if !ok {
		return fmt.Errorf("emit %s: %w", kind, chat.ErrUnsupported)
	}
	return e.Emit(ctx, kind, payload)
}

// Close aborts any send, disconnects, and stops the dispatch loop after
// delivering pending notifications.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	err := c.sup.Disconnect(ctx)
	c.sends.Wait()
	c.sup.Wait()

	close(c.stop)
	<-c.loopDone
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// run performs one send and publishes its terminal notification.
func (c *Client) run(ctx context.Context, cancel context.CancelFunc, seq uint64, req chat.Request) {
	defer c.sends.Done()
	defer cancel()

	name := c.strategy.Name()
	start := time.Now()
	delivered := 0

	onDelta := func(text string) {
		delivered++
		metrics.DeltasTotal.WithLabelValues(name).Inc()
		c.mu.Lock()
		if m := c.findLocked(seq, req.MessageID); m != nil {
			m.Content += text
			c.publishLocked(seq, event.Delta{MessageID: req.MessageID, Text: text, Content: m.Content})
		}
		c.mu.Unlock()
	}

	var (
		res *chat.Result
		err error
	)
	for attempt := 1; ; attempt++ {
		res, err = c.strategy.Send(ctx, req, onDelta)
		if errors.Is(ctx.Err(), context.Canceled) && err != nil {
			err = chat.AbortedError(ctx.Err())
		}
		if !chat.IsConnectionError(err) || delivered > 0 || ctx.Err() != nil || attempt >= c.maxAttempts() {
			break
		}
		// Connection-level failures go through the supervisor's retry path
		// and only surface once it gives up.
		c.logger.Warn("send failed before any content, recovering connection",
			zap.String("message_id", req.MessageID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if rErr := c.sup.Recover(ctx, err); rErr != nil {
			if chat.IsAbortedError(rErr) {
				err = rErr
			}
			break
		}
	}
	metrics.ResponseSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		c.complete(ctx, seq, req.MessageID, res)
	case chat.IsAbortedError(err):
		metrics.TerminalsTotal.WithLabelValues(name, metrics.OutcomeAborted).Inc()
		c.logger.Debug("send aborted", zap.String("message_id", req.MessageID))
		c.mu.Lock()
		c.dropPlaceholderLocked(seq)
		c.mu.Unlock()
	default:
		c.fail(seq, req.MessageID, res, err)
	}
}

func (c *Client) maxAttempts() int {
	if c.supCfg.MaxAttempts > 0 {
		return c.supCfg.MaxAttempts
	}
	return supervisor.DefaultConfig().MaxAttempts
}

// complete freezes the reply, charges its cost, then publishes complete.
// Once frozen the send can no longer be superseded: a newer SendMessage
// leaves it alone, and its remaining notifications are queued regardless of
// seq.
func (c *Client) complete(ctx context.Context, seq uint64, id string, res *chat.Result) {
	c.mu.Lock()
	m := c.findLocked(seq, id)
	if m == nil {
		c.mu.Unlock()
		return
	}
	m.Content = res.Content
	meta := res.Metadata
	m.Metadata = &meta
	m.Status = chat.StatusCompleted
	final := *m
	c.cancel = nil
	c.mu.Unlock()

	if c.biller != nil && meta.Cost > 0 {
		if err := c.biller.Consume(context.WithoutCancel(ctx), meta.Cost); err != nil {
			metrics.BillingFailuresTotal.Inc()
			c.logger.Warn("credit consumption failed",
				zap.String("message_id", id),
				zap.Float64("cost", meta.Cost),
				zap.Error(err),
			)
			c.enqueue(event.BillingFailed{MessageID: id, Cost: meta.Cost, Err: err})
		}
	}

	metrics.TerminalsTotal.WithLabelValues(c.strategy.Name(), metrics.OutcomeComplete).Inc()
	c.enqueue(event.Complete{Message: final})
}

// fail marks the reply as errored, keeps whatever content arrived, and
// appends a system notice describing the failure.
func (c *Client) fail(seq uint64, id string, res *chat.Result, err error) {
	metrics.TerminalsTotal.WithLabelValues(c.strategy.Name(), metrics.OutcomeError).Inc()
	c.logger.Warn("send failed", zap.String("message_id", id), zap.Error(err))

	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.findLocked(seq, id)
	if m == nil {
		return
	}
	if res != nil && len(res.Content) > len(m.Content) {
		m.Content = res.Content
	}
	m.Status = chat.StatusError
	final := *m

	notice := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleSystem,
		Content:   failureText(err),
		Timestamp: time.Now(),
		Status:    chat.StatusCompleted,
	}
	c.transcript = append(c.transcript, notice)
	c.publishLocked(seq, event.Error{Message: final, Notice: notice, Err: err})
}

func failureText(err error) string {
	var ce *chat.Error
	switch {
	case chat.IsAuthenticationError(err):
		return "Your session has expired. Please sign in again."
	case errors.As(err, &ce) && ce.Message != "":
		return "Failed to get a response: " + ce.Message
	default:
		return "Failed to get a response: " + err.Error()
	}
}

// findLocked returns the transcript entry for id if seq is still the current
// send. Must be called with c.mu held.
func (c *Client) findLocked(seq uint64, id string) *chat.Message {
	if seq != c.seq {
		return nil
	}
	for i := len(c.transcript) - 1; i >= 0; i-- {
		if c.transcript[i].ID == id {
			return &c.transcript[i]
		}
	}
	return nil
}

// dropPlaceholderLocked removes the unfinished reply of send seq from the
// transcript. Must be called with c.mu held.
func (c *Client) dropPlaceholderLocked(seq uint64) {
	if seq != c.seq {
		return
	}
	for i := len(c.transcript) - 1; i >= 0; i-- {
		m := c.transcript[i]
		if m.Role == chat.RoleAssistant && !m.Frozen() {
			c.transcript = append(c.transcript[:i], c.transcript[i+1:]...)
			return
		}
	}
}

// publishLocked queues ev unless send seq has been superseded. Checking under
// c.mu makes supersession and queueing one step, so no delta or error from an
// older send is queued after a newer send's first notification. Only the
// closing notifications of a frozen reply may follow it.
func (c *Client) publishLocked(seq uint64, ev event.Event) {
	if seq != c.seq {
		return
	}
	c.enqueue(ev)
}

// enqueue appends ev to the dispatch queue.
func (c *Client) enqueue(ev event.Event) {
	c.qmu.Lock()
	c.queue = append(c.queue, ev)
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// loop delivers queued notifications to hub listeners in order.
func (c *Client) loop() {
	defer close(c.loopDone)
	ctx := context.Background()
	for {
		c.qmu.Lock()
		batch := c.queue
		c.queue = nil
		c.qmu.Unlock()

		for _, ev := range batch {
			c.hub.Publish(ctx, ev)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-c.wake:
		case <-c.stop:
			c.qmu.Lock()
			batch = c.queue
			c.queue = nil
			c.qmu.Unlock()
			for _, ev := range batch {
				c.hub.Publish(ctx, ev)
			}
			return
		}
	}
}
