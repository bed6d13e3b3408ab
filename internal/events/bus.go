package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler consumes one event. Handlers run synchronously on the publisher's
// goroutine and must suspend, not block, on I/O.
type Handler func(ctx context.Context, e Event) error

// subscription pairs a handler with its stable name. The name keys the
// idempotency ledger, so renaming a handler resets its dedup history.
type subscription struct {
	name    string
	handler Handler
}

// Bus is an in-process pub/sub with synchronous, in-order fan-out. A failing
// or panicking listener never prevents delivery to the remaining listeners.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger.With("subsystem", "eventbus"),
	}
}

// Subscribe registers a named handler for a topic. Registration happens at
// startup; subscribing after publishing has begun is safe but unusual.
func (b *Bus) Subscribe(topic, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{name: name, handler: h})
}

// Publish validates the event and delivers it to every subscriber of its
// type, in subscription order. Listener errors are logged and isolated; the
// publisher only sees a validation failure.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("publishing %s: %w", e.EventType(), err)
	}

	b.mu.RLock()
	subs := b.subs[e.EventType()]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(ctx, s, e)
	}
	return nil
}

// deliver invokes one listener with panic isolation.
func (b *Bus) deliver(ctx context.Context, s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked",
				"listener", s.name,
				"event_type", e.EventType(),
				"event_id", e.EventID(),
				"panic", r,
			)
		}
	}()

	if err := s.handler(ctx, e); err != nil {
		b.logger.Error("listener failed",
			"listener", s.name,
			"event_type", e.EventType(),
			"event_id", e.EventID(),
			"error", err,
		)
	}
}

// SubscriberCount returns the number of listeners on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
