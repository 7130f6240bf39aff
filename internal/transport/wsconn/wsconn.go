// Package wsconn implements the persistent-connection delivery strategy over
// a single WebSocket. Messages sent while the channel is down wait in a FIFO
// outbox and are written in order once the channel is back.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/chatwire/internal/auth"
	"github.com/HerbHall/chatwire/internal/event"
	"github.com/HerbHall/chatwire/internal/health"
	"github.com/HerbHall/chatwire/internal/metrics"
	"github.com/HerbHall/chatwire/pkg/chat"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Compile-time interface guards.
var (
	_ chat.Strategy     = (*Strategy)(nil)
	_ chat.DropNotifier = (*Strategy)(nil)
	_ chat.Flusher      = (*Strategy)(nil)
	_ chat.PushNotifier = (*Strategy)(nil)
	_ chat.Emitter      = (*Strategy)(nil)
)

// Strategy sends messages over one long-lived WebSocket.
type Strategy struct {
	cfg     Config
	tokens  chat.TokenSource
	checker *health.Checker
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time

	probed chan struct{} // closed when the construction-time probe finishes

	mu       sync.Mutex
	conn     *websocket.Conn
	stopRead context.CancelFunc
	readDone chan struct{}
	pending  map[string]*pending
	cancel   context.CancelFunc // aborts the in-flight send
	flight   uint64
	caps     *health.Status
	onDrop   func(error)
	onPush   func(string, json.RawMessage)

	wmu    sync.Mutex // serializes writes; guards outbox
	outbox []Envelope
}

// New creates a persistent-connection strategy and starts a best-effort
// capability probe against the health endpoint. The probe result never
// blocks connecting.
func New(cfg Config, tokens chat.TokenSource, logger *zap.Logger) (*Strategy, error) {
	if tokens == nil {
		return nil, fmt.Errorf("wsconn: token source is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("wsconn: url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}

	limit := rate.Inf
	if cfg.OutboundRate > 0 {
		limit = rate.Limit(cfg.OutboundRate)
	}
	burst := cfg.OutboundBurst
	if burst < 1 {
		burst = 1
	}

	s := &Strategy{
		cfg:     cfg,
		tokens:  tokens,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		now:     time.Now,
		probed:  make(chan struct{}),
		pending: make(map[string]*pending),
	}
	if cfg.HealthURL != "" {
		s.checker = health.NewChecker(cfg.HealthURL, 0)
		go s.probeCapabilities()
	} else {
		close(s.probed)
	}
	return s, nil
}

// Name returns "ws".
func (s *Strategy) Name() string { return "ws" }

// OnDrop registers the handler for unrequested channel closure.
func (s *Strategy) OnDrop(handler func(err error)) {
	s.mu.Lock()
	s.onDrop = handler
	s.mu.Unlock()
}

// OnPush registers the handler for server pushes other than replies.
func (s *Strategy) OnPush(handler func(kind string, payload json.RawMessage)) {
	s.mu.Lock()
	s.onPush = handler
	s.mu.Unlock()
}

// Capabilities returns the last status document fetched from the health
// endpoint, or nil if none was obtained.
func (s *Strategy) Capabilities() *health.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Queued returns the number of messages waiting in the outbox.
func (s *Strategy) Queued() int {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return len(s.outbox)
}

func (s *Strategy) probeCapabilities() {
	defer close(s.probed)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := s.checker.Check(ctx)
	if err != nil {
		s.logger.Debug("capability probe failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.caps = status
	s.mu.Unlock()
	s.logger.Debug("capability probe succeeded",
		zap.String("version", status.Version),
		zap.Strings("features", status.Features),
	)
}

// Connect dials the channel with the current token. A missing or malformed
// token fails immediately; the channel is never opened anonymously.
func (s *Strategy) Connect(ctx context.Context) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return chat.AuthenticationError("read token", err)
	}
	if _, err := auth.Check(token, s.now(), s.cfg.ExpiryMargin); err != nil {
		if token != "" {
			s.invalidate(ctx)
		}
		return err
	}

	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			s.invalidate(ctx)
			return chat.AuthenticationError(fmt.Sprintf("handshake rejected with %d", resp.StatusCode), err)
		}
		return chat.ConnectionError("dial persistent channel", err)
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	readCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	old, oldStop, oldDone := s.conn, s.stopRead, s.readDone
	s.conn, s.stopRead, s.readDone = conn, stop, done
	s.mu.Unlock()

	if old != nil {
		old.Close(websocket.StatusNormalClosure, "replaced") //nolint:errcheck
		oldStop()
		<-oldDone
	}

	go s.readLoop(readCtx, conn, done)
	s.logger.Info("persistent channel open", zap.String("url", s.cfg.URL))
	return nil
}

// Disconnect closes the channel. Replies still outstanding for messages
// already written fail; queued messages stay queued.
func (s *Strategy) Disconnect(_ context.Context) error {
	s.mu.Lock()
	conn, stop, done := s.conn, s.stopRead, s.readDone
	s.conn, s.stopRead, s.readDone = nil, nil, nil
	sent := s.sentLocked()
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
		s.logger.Debug("close persistent channel", zap.Error(err))
	}
	stop()
	<-done

	for _, p := range sent {
		p.interrupt("disconnected", nil)
	}
	s.logger.Info("persistent channel closed")
	return nil
}

// Probe checks the health endpoint when one is configured and pings the
// channel otherwise.
func (s *Strategy) Probe(ctx context.Context) error {
	if s.checker != nil {
		status, err := s.checker.Check(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.caps = status
		s.mu.Unlock()
		return nil
	}

	conn := s.currentConn()
	if conn == nil {
		return chat.ErrNotConnected
	}
	if err := conn.Ping(ctx); err != nil {
		return chat.ConnectionError("ping persistent channel", err)
	}
	return nil
}

// Emit sends an envelope of the given kind, queueing it while disconnected.
func (s *Strategy) Emit(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return s.enqueue(ctx, Envelope{Type: kind, ID: uuid.NewString(), Data: data})
}

// Send writes req as a message envelope, queueing it while disconnected, and
// blocks until the matching reply completes. A call made while another is in
// flight aborts the earlier one.
func (s *Strategy) Send(ctx context.Context, req chat.Request, onDelta func(text string)) (*chat.Result, error) {
	if onDelta == nil {
		onDelta = func(string) {}
	}

	ctx, done := s.begin(ctx)
	defer done()

	history := make([]HistoryTurn, len(req.History))
	for i, t := range req.History {
		history[i] = HistoryTurn{Role: string(t.Role), Content: t.Content}
	}
	data, err := json.Marshal(MessageData{Content: req.Text, History: history})
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	id := uuid.NewString()
	p := newPending(onDelta)
	s.register(id, p)
	defer s.unregister(id)

	start := time.Now()
	if err := s.enqueue(ctx, Envelope{Type: TypeMessage, ID: id, Data: data}); err != nil {
		return nil, err
	}

	select {
	case out := <-p.done:
		if out.err != nil {
			s.unqueue(id)
			return out.res, out.err
		}
		if out.res.Metadata.ProcessingTime == 0 {
			out.res.Metadata.ProcessingTime = time.Since(start)
		}
		return out.res, nil
	case <-ctx.Done():
		partial := p.abort()
		s.withdraw(id, p)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if partial.Content != "" {
				return partial, chat.StreamProtocolError("reply timed out", ctx.Err())
			}
			return partial, chat.ConnectionError("reply timed out", ctx.Err())
		}
		return partial, chat.AbortedError(ctx.Err())
	}
}

// Flush writes every queued envelope in enqueue order. On a write failure the
// unwritten remainder stays queued for the next flush.
func (s *Strategy) Flush(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	conn := s.currentConn()
	if conn == nil {
		return chat.ErrNotConnected
	}

	n := len(s.outbox)
	for len(s.outbox) > 0 {
		if err := s.writeLocked(ctx, conn, s.outbox[0]); err != nil {
			return fmt.Errorf("flush queued messages: %w", err)
		}
		s.outbox = s.outbox[1:]
		metrics.QueuedMessages.Set(float64(len(s.outbox)))
	}
	if n > 0 {
		s.logger.Info("flushed queued messages", zap.Int("count", n))
	}
	return nil
}

func (s *Strategy) invalidate(ctx context.Context) {
	if err := s.tokens.Invalidate(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("token invalidation failed", zap.Error(err))
	}
}

func (s *Strategy) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// begin aborts the previous in-flight send and registers a new one.
func (s *Strategy) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.flight++
	id := s.flight
	s.cancel = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		if s.flight == id {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
	}
}

func (s *Strategy) register(id string, p *pending) {
	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()
}

func (s *Strategy) unregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Strategy) lookup(id string) *pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

// sentLocked returns the pending sends already written to the channel.
// Must be called with s.mu held.
func (s *Strategy) sentLocked() []*pending {
	var out []*pending
	for _, p := range s.pending {
		if p.wasSent() {
			out = append(out, p)
		}
	}
	return out
}

// withdraw drops an abandoned message from the outbox, or tells the backend
// to stop generating if it was already written.
func (s *Strategy) withdraw(id string, p *pending) {
	if s.unqueue(id) {
		return
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	conn := s.currentConn()
	if conn == nil || !p.wasSent() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, Envelope{Type: TypeCancel, ID: id}); err != nil {
		s.logger.Debug("cancel not delivered", zap.String("id", id), zap.Error(err))
	}
}

// unqueue removes the envelope with the given id from the outbox and reports
// whether it was there.
func (s *Strategy) unqueue(id string) bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for i, env := range s.outbox {
		if env.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			metrics.QueuedMessages.Set(float64(len(s.outbox)))
			return true
		}
	}
	return false
}

// enqueue writes env now when the channel is up and nothing is waiting ahead
// of it; otherwise it joins the outbox.
func (s *Strategy) enqueue(ctx context.Context, env Envelope) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	conn := s.currentConn()
	if conn == nil || len(s.outbox) > 0 {
		s.queueLocked(env)
		return nil
	}

	err := s.writeLocked(ctx, conn, env)
	if err == nil || chat.IsAbortedError(err) {
		return err
	}
	// The channel is failing; keep the message for the next connection.
	s.logger.Warn("write failed, message queued", zap.String("type", env.Type), zap.Error(err))
	s.queueLocked(env)
	return nil
}

func (s *Strategy) queueLocked(env Envelope) {
	s.outbox = append(s.outbox, env)
	metrics.QueuedMessages.Set(float64(len(s.outbox)))
	s.logger.Debug("message queued",
		zap.String("type", env.Type),
		zap.Int("queued", len(s.outbox)),
	)
}

// writeLocked paces and writes one envelope. Must be called with s.wmu held.
func (s *Strategy) writeLocked(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	if err := s.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return chat.AbortedError(ctx.Err())
		}
		return chat.ConnectionError("outbound rate wait", err)
	}

	// Marked before the write so a drop racing the write still fails it.
	var p *pending
	if env.Type == TypeMessage {
		p = s.lookup(env.ID)
	}
	if p != nil {
		p.setSent(true)
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, env); err != nil {
		if p != nil {
			p.setSent(false)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return chat.AbortedError(ctx.Err())
		}
		return chat.ConnectionError("write to persistent channel", err)
	}
	return nil
}

// readLoop reads envelopes until the connection fails or is closed.
func (s *Strategy) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.lost(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}
		s.dispatch(env)
	}
}

// lost handles the end of conn's read loop. Closure of a connection that is
// no longer current was requested and is not a drop.
func (s *Strategy) lost(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn, s.stopRead, s.readDone = nil, nil, nil
	sent := s.sentLocked()
	drop := s.onDrop
	s.mu.Unlock()

	conn.CloseNow() //nolint:errcheck
	for _, p := range sent {
		p.interrupt("connection lost", err)
	}

	s.logger.Warn("persistent channel dropped", zap.Error(err))
	if drop != nil {
		drop(chat.ConnectionError("connection lost", err))
	}
}

func (s *Strategy) dispatch(env Envelope) {
	switch env.Type {
	case event.PushMessageResponse:
		var d ResponseData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			s.logger.Debug("ignoring malformed reply", zap.String("id", env.ID), zap.Error(err))
			return
		}
		p := s.lookup(env.ID)
		if p == nil {
			s.logger.Debug("reply for unknown request", zap.String("id", env.ID))
			return
		}
		p.apply(&d)
		return

	case event.PushBillingError:
		if p := s.lookup(env.ID); env.ID != "" && p != nil {
			var body struct {
				Message string `json:"message"`
				Error   string `json:"error"`
			}
			_ = json.Unmarshal(env.Data, &body)
			msg := body.Message
			if msg == "" {
				msg = body.Error
			}
			p.fail(chat.NewError(chat.KindBilling, msg, nil))
			return
		}
	}

	s.mu.Lock()
	push := s.onPush
	s.mu.Unlock()
	if push != nil {
		push(env.Type, env.Data)
	}
}

// outcome is the terminal result of a pending send.
type outcome struct {
	res *chat.Result
	err error
}

// pending tracks one outstanding send. Deltas are delivered under mu so none
// can arrive after the send has returned.
type pending struct {
	mu      sync.Mutex
	onDelta func(string)
	content strings.Builder
	meta    chat.Metadata
	sent    bool
	closed  bool
	done    chan outcome
}

func newPending(onDelta func(string)) *pending {
	return &pending{onDelta: onDelta, done: make(chan outcome, 1)}
}

func (p *pending) setSent(sent bool) {
	p.mu.Lock()
	p.sent = sent
	p.mu.Unlock()
}

func (p *pending) wasSent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func (p *pending) apply(d *ResponseData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if d.Error != "" {
		if p.content.Len() > 0 {
			p.finishLocked(chat.StreamProtocolError(d.Error, nil))
		} else {
			p.finishLocked(chat.NewError(chat.KindRequest, d.Error, nil))
		}
		return
	}

	if d.Delta != "" {
		p.content.WriteString(d.Delta)
		p.onDelta(d.Delta)
	}
	if !d.final() {
		return
	}

	if d.Content != "" {
		acc := p.content.String()
		if strings.HasPrefix(d.Content, acc) {
			if rest := d.Content[len(acc):]; rest != "" {
				p.onDelta(rest)
			}
		}
		p.content.Reset()
		p.content.WriteString(d.Content)
	}
	if m := d.Metadata; m != nil {
		p.meta = chat.Metadata{
			ProcessingTime: time.Duration(m.ProcessingTimeMS) * time.Millisecond,
			ModelName:      m.Model,
			TokenCount:     m.TokenCount,
			Cost:           m.Cost,
		}
	}
	p.finishLocked(nil)
}

func (p *pending) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.finishLocked(err)
	}
}

// interrupt fails p because the channel went away. A reply that had already
// started streaming is broken rather than unreachable.
func (p *pending) interrupt(message string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.content.Len() > 0 {
		p.finishLocked(chat.StreamProtocolError(message, err))
		return
	}
	p.finishLocked(chat.ConnectionError(message, err))
}

// finishLocked records the terminal outcome. Must be called with p.mu held.
func (p *pending) finishLocked(err error) {
	p.closed = true
	p.done <- outcome{
		res: &chat.Result{Content: p.content.String(), Metadata: p.meta},
		err: err,
	}
}

// abort closes p without an outcome and returns the content so far.
func (p *pending) abort() *chat.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return &chat.Result{Content: p.content.String(), Metadata: p.meta}
}
