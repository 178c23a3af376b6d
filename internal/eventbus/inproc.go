package eventbus

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// InProcBus is the in-process Bus used by single-instance deployments and
// tests. Delivery is synchronous: PublishCommand returns after every handler
// has run, which keeps test assertions free of sleeps.
type InProcBus struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

// NewInProcBus creates an in-process bus.
func NewInProcBus() *InProcBus {
	return &InProcBus{}
}

// PublishCommand delivers the event to all subscribed handlers.
func (b *InProcBus) PublishCommand(ctx context.Context, ev CommandForDatanode) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

// SubscribeCommands registers a handler for all future events.
func (b *InProcBus) SubscribeCommands(_ context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.handlers = append(b.handlers, handler)
	return nil
}

// Close drops all handlers.
func (b *InProcBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = nil
	b.closed = true
	return nil
}
