// Package supervisor owns the connection lifecycle of the active delivery
// strategy: connect with a per-attempt timeout, retry with capped exponential
// backoff, reconnect after unexpected drops, and probe liveness while
// connected. Strategies plug in through Hooks and never set state directly.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/chatwire/internal/event"
	"github.com/HerbHall/chatwire/internal/metrics"
	"github.com/HerbHall/chatwire/pkg/chat"
	"go.uber.org/zap"
)

// Hooks are the strategy callbacks the supervisor drives.
type Hooks struct {
	// Connect makes one connection attempt. Required.
	Connect func(ctx context.Context) error
	// Disconnect tears the channel down. Required.
	Disconnect func(ctx context.Context) error
	// Probe checks liveness while connected. Optional.
	Probe func(ctx context.Context) error
	// AfterConnect runs right after the connected notification. Optional.
	AfterConnect func(ctx context.Context)
}

// validTransitions lists the allowed state changes.
var validTransitions = map[chat.ConnectionState][]chat.ConnectionState{
	chat.StateDisconnected: {chat.StateConnecting},
	chat.StateConnecting:   {chat.StateConnected, chat.StateRetrying, chat.StateDisconnected},
	chat.StateRetrying:     {chat.StateConnecting, chat.StateDisconnected},
	chat.StateConnected:    {chat.StateRetrying, chat.StateDisconnected},
}

// Supervisor is the finite-state machine over chat.ConnectionState.
type Supervisor struct {
	cfg    Config
	hooks  Hooks
	notify func(event.Event)
	logger *zap.Logger

	mu        sync.Mutex
	state     chat.ConnectionState
	gen       uint64             // bumped by Connect/Disconnect/drops; stale loops stop mutating state
	cancel    context.CancelFunc // cancels the current generation's loops
	advised   time.Duration      // server-suggested base delay, zero when unset
	exhausted bool
	wg        sync.WaitGroup

	// dialMu serializes connection attempts across generations, so a
	// superseded attempt is undone before a newer one dials.
	dialMu sync.Mutex
}

// New creates a Supervisor in the disconnected state. notify receives every
// lifecycle notification; it must not block.
func New(cfg Config, hooks Hooks, notify func(event.Event), logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = func(event.Event) {}
	}
	metrics.SetConnectionState(chat.StateDisconnected)
	return &Supervisor{
		cfg:    cfg.withDefaults(),
		hooks:  hooks,
		notify: notify,
		logger: logger,
		state:  chat.StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() chat.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Exhausted reports whether the last connection effort ran out of attempts.
// It resets on the next Connect.
func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// AdviseDelay sets the base delay for subsequent backoff schedules, as
// suggested by the server. Zero restores the configured base delay.
func (s *Supervisor) AdviseDelay(d time.Duration) {
	s.mu.Lock()
	s.advised = d
	s.mu.Unlock()
	s.logger.Debug("retry delay advised", zap.Duration("delay", d))
}

// Connect starts a connection effort and blocks until the channel is up, the
// attempt budget is spent, a non-retryable error occurs, or ctx is cancelled.
// Any effort already running is superseded.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == chat.StateConnected {
		s.mu.Unlock()
		return nil
	}
	gen, genCtx := s.nextGenLocked()
	s.exhausted = false
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(genCtx, cancel)
	defer stop()

	err := s.run(loopCtx, genCtx, gen, nil)
	if err != nil && ctx.Err() != nil {
		// The caller gave up; nothing is left running for this generation.
		if s.transition(gen, chat.StateDisconnected) {
			s.notify(event.Disconnected{Reason: "connect cancelled", Requested: true})
		}
	}
	return err
}

// Disconnect stops any connection effort and health probing, tears the
// channel down, and moves to disconnected. It never triggers a retry.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	gen, _ := s.nextGenLocked()
	prev := s.state
	s.exhausted = false
	s.mu.Unlock()

	var err error
	if prev != chat.StateDisconnected {
		err = s.hooks.Disconnect(ctx)
	}
	if s.transition(gen, chat.StateDisconnected) && prev != chat.StateDisconnected {
		s.notify(event.Disconnected{Reason: "requested", Requested: true})
	}
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Dropped reports that the channel closed without being asked to. From the
// connected state it schedules automatic reconnection in the background;
// otherwise it is ignored.
func (s *Supervisor) Dropped(err error) {
	s.mu.Lock()
	if s.state != chat.StateConnected {
		s.mu.Unlock()
		return
	}
	gen, genCtx := s.nextGenLocked()
	s.mu.Unlock()

	if err == nil {
		err = chat.ConnectionError("connection lost", nil)
	}
	s.logger.Warn("connection dropped", zap.Error(err))
	s.notify(event.Disconnected{Reason: err.Error()})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if rErr := s.run(genCtx, genCtx, gen, err); rErr != nil && !chat.IsAbortedError(rErr) {
			s.logger.Error("reconnect gave up", zap.Error(rErr))
		}
	}()
}

// Recover reports a connection-level failure observed by a send and blocks
// until the channel is back or the attempt budget is spent. Any effort
// already running is superseded. Cancelling ctx stops the wait but not the
// recovery, which continues in the background.
func (s *Supervisor) Recover(ctx context.Context, cause error) error {
	if cause == nil {
		cause = chat.ConnectionError("connection lost", nil)
	}

	s.mu.Lock()
	prev := s.state
	gen, genCtx := s.nextGenLocked()
	s.exhausted = false
	s.mu.Unlock()

	// From disconnected the first attempt is immediate.
	var first error
	if prev != chat.StateDisconnected {
		first = cause
	}
	if prev == chat.StateConnected {
		s.logger.Warn("connection failure reported", zap.Error(cause))
		s.notify(event.Disconnected{Reason: cause.Error()})
	}

	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done <- s.run(genCtx, genCtx, gen, first)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return chat.AbortedError(ctx.Err())
	}
}

// Wait blocks until background reconnect and health goroutines exit.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// nextGenLocked starts a new generation, cancelling the previous one.
// Must be called with s.mu held.
func (s *Supervisor) nextGenLocked() (uint64, context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	return s.gen, ctx
}

// run is the attempt loop. A non-nil first is the failure that caused this
// run; the first attempt then waits one backoff delay, as after a drop.
func (s *Supervisor) run(ctx, genCtx context.Context, gen uint64, first error) error {
	lastErr := first
	retryFirst := first != nil
	for attempt := 1; ; attempt++ {
		if attempt > 1 || retryFirst {
			n := attempt - 1
			if retryFirst {
				n = attempt
			}
			delay := s.delay(n)
			if !s.transition(gen, chat.StateRetrying) {
				return chat.AbortedError(context.Canceled)
			}
			metrics.ReconnectAttemptsTotal.Inc()
			s.notify(event.Reconnecting{Attempt: attempt, Delay: delay, Err: lastErr})
			s.logger.Info("reconnecting",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if err := sleep(ctx, delay); err != nil {
				return chat.AbortedError(err)
			}
		}

		if !s.transition(gen, chat.StateConnecting) {
			return chat.AbortedError(context.Canceled)
		}

		s.dialMu.Lock()
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		err := s.hooks.Connect(attemptCtx)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()
		if err == nil && !s.transition(gen, chat.StateConnected) {
			// Superseded while dialing; undo the stray connection.
			_ = s.hooks.Disconnect(context.Background())
			s.dialMu.Unlock()
			return chat.AbortedError(context.Canceled)
		}
		s.dialMu.Unlock()

		if err == nil {
			s.logger.Info("connected", zap.Int("attempt", attempt))
			s.notify(event.Connected{})
			if s.hooks.AfterConnect != nil {
				s.hooks.AfterConnect(genCtx)
			}
			s.startHealth(genCtx, gen)
			return nil
		}

		if ctx.Err() != nil {
			return chat.AbortedError(ctx.Err())
		}
		if timedOut {
			err = chat.ConnectionError(fmt.Sprintf("connect timed out after %s", s.cfg.ConnectTimeout), err)
		}

		s.logger.Warn("connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxAttempts),
			zap.Error(err),
		)

		if !chat.IsRetryable(err) || attempt >= s.cfg.MaxAttempts {
			return s.fail(gen, attempt, err)
		}
		lastErr = err
	}
}

// fail moves to disconnected and emits the terminal connectionFailed
// notification.
func (s *Supervisor) fail(gen uint64, attempts int, err error) error {
	if !s.transition(gen, chat.StateDisconnected) {
		return chat.AbortedError(context.Canceled)
	}
	s.mu.Lock()
	s.exhausted = true
	s.mu.Unlock()

	s.logger.Error("connection failed", zap.Int("attempts", attempts), zap.Error(err))
	s.notify(event.ConnectionFailed{Attempts: attempts, Err: err})

	if chat.IsAuthenticationError(err) {
		return err
	}
	return chat.ConnectionError(fmt.Sprintf("gave up after %d attempts", attempts), err)
}

func (s *Supervisor) delay(n int) time.Duration {
	s.mu.Lock()
	base := s.advised
	s.mu.Unlock()
	if base <= 0 {
		base = s.cfg.BaseDelay
	}
	return Backoff(n, base, s.cfg.MaxDelay, s.cfg.BackoffFactor)
}

// transition moves to state "to" if gen is still current and the move is
// allowed. It reports whether the generation is still current.
func (s *Supervisor) transition(gen uint64, to chat.ConnectionState) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	from := s.state
	if from == to {
		s.mu.Unlock()
		return true
	}
	if !allowed(from, to) {
		s.mu.Unlock()
		s.logger.Warn("ignoring invalid state transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return true
	}
	s.state = to
	s.mu.Unlock()

	metrics.SetConnectionState(to)
	s.logger.Debug("state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	s.notify(event.StateChanged{From: from, To: to})
	return true
}

func allowed(from, to chat.ConnectionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// startHealth runs the periodic liveness probe until the generation ends.
// Probe failures are advisory only.
func (s *Supervisor) startHealth(ctx context.Context, gen uint64) {
	if s.hooks.Probe == nil || s.cfg.HealthInterval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			s.mu.Lock()
			current := s.gen == gen && s.state == chat.StateConnected
			s.mu.Unlock()
			if !current {
				return
			}

			probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
			err := s.hooks.Probe(probeCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("health probe failed", zap.Error(err))
				s.notify(event.HealthDegraded{Err: err})
			}
		}
	}()
}
