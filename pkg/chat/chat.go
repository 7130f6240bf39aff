// Package chat provides the public types shared by the chat transport layer:
// the message model, the delivery strategy contract, the collaborator
// interfaces the transport consumes, and the error taxonomy it surfaces.
// Strategy implementations live in internal/transport/{strategy}/ adapters.
package chat

import (
	"context"
	"encoding/json"
	"time"
)

// Strategy is the contract implemented by every delivery mechanism. A
// Strategy sends one message per Send call, reports zero or more content
// increments through onDelta, and returns exactly one terminal outcome: a
// Result or an error.
type Strategy interface {
	// Name identifies the strategy in logs and metrics ("http", "ws").
	Name() string

	// Connect establishes whatever the strategy needs before sending.
	// Strategies without a long-lived channel use it as a reachability check.
	Connect(ctx context.Context) error

	// Disconnect tears the channel down. It is always caller-initiated and
	// never triggers automatic reconnection.
	Disconnect(ctx context.Context) error

	// Probe performs a liveness check against the backend health endpoint.
	Probe(ctx context.Context) error

	// Send delivers req and blocks until the terminal outcome. onDelta is
	// called in content order from the calling goroutine or a goroutine the
	// strategy owns, never concurrently. Cancelling ctx aborts the send with
	// an aborted error.
	Send(ctx context.Context, req Request, onDelta func(text string)) (*Result, error)
}

// DropNotifier is optionally implemented by strategies holding a long-lived
// channel. The handler is called when the channel closes without the caller
// having requested it. Detected via type assertion.
type DropNotifier interface {
	OnDrop(handler func(err error))
}

// RetryAdvisor is optionally implemented by strategies that learn a
// server-suggested reconnect delay from the wire. Detected via type assertion.
type RetryAdvisor interface {
	OnRetryHint(handler func(delay time.Duration))
}

// Flusher is optionally implemented by strategies that buffer outbound
// messages while disconnected. Flush writes them in enqueue order and is
// called right after the connected notification.
type Flusher interface {
	Flush(ctx context.Context) error
}

// PushNotifier is optionally implemented by strategies whose channel carries
// unsolicited server pushes. kind is the backend event name.
type PushNotifier interface {
	OnPush(handler func(kind string, payload json.RawMessage))
}

// Emitter is optionally implemented by strategies that can carry envelopes
// other than chat messages, such as typing indicators.
type Emitter interface {
	Emit(ctx context.Context, kind string, payload any) error
}

// TokenSource supplies the bearer credential for outbound requests. The
// transport layer only reads tokens; it may ask for invalidation after an
// authentication failure but never writes a new one.
type TokenSource interface {
	// Token returns the current token, or "" if none is stored.
	Token(ctx context.Context) (string, error)

	// Invalidate marks the current token as unusable.
	Invalidate(ctx context.Context) error
}

// Biller decrements remaining credits after a completed response.
// Implementations may reject the charge; the transport logs the rejection
// and never retries it.
type Biller interface {
	Consume(ctx context.Context, cost float64) error
}
