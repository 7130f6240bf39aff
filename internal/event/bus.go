// Package event provides the in-process publish/subscribe hub the chat client
// uses to deliver notifications, and the closed vocabulary of event variants.
package event

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler receives a published event.
type Handler func(ctx context.Context, ev Event)

// Hub is an in-memory event hub.
// Publish is synchronous (handlers run in the caller's goroutine, in
// registration order).
type Hub struct {
	mu       sync.RWMutex
	handlers map[Name][]handlerEntry // name -> handlers
	allSubs  []handlerEntry          // handlers subscribed to every name
	nextID   uint64
	logger   *zap.Logger
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// NewHub creates a new event hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		handlers: make(map[Name][]handlerEntry),
		logger:   logger,
	}
}

// Publish dispatches an event synchronously to all matching handlers.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.mu.RLock()
	named := make([]handlerEntry, len(h.handlers[ev.Name()]))
	copy(named, h.handlers[ev.Name()])
	all := make([]handlerEntry, len(h.allSubs))
	copy(all, h.allSubs)
	h.mu.RUnlock()

	for _, e := range named {
		h.safeCall(ctx, e.handler, ev)
	}
	for _, e := range all {
		h.safeCall(ctx, e.handler, ev)
	}
}

// Subscribe registers a handler for a single event name. Returns an
// unsubscribe function.
func (h *Hub) Subscribe(name Name, handler Handler) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers[name] = append(h.handlers[name], handlerEntry{id: id, handler: handler})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		entries := h.handlers[name]
		for i, e := range entries {
			if e.id == id {
				h.handlers[name] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every event. Returns an unsubscribe
// function.
func (h *Hub) SubscribeAll(handler Handler) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.allSubs = append(h.allSubs, handlerEntry{id: id, handler: handler})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, e := range h.allSubs {
			if e.id == id {
				h.allSubs = append(h.allSubs[:i:i], h.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Count returns the number of handlers registered for name, excluding
// SubscribeAll handlers.
func (h *Hub) Count(name Name) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[name])
}

func (h *Hub) safeCall(ctx context.Context, handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked",
				zap.String("event", string(ev.Name())),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, ev)
}
