// Package eventbus publishes terminal events to external listeners: the
// rendering layer, telemetry and plugin hooks.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
)

// Predicate selects the events a listener receives. A nil predicate matches everything.
type Predicate func(contracts.Event) bool

// Listener receives matching events synchronously.
type Listener func(contracts.Event)

type subscription struct {
	id        uint64
	predicate Predicate
	listener  Listener
}

// Bus delivers every published event to matching listeners in subscription
// order. A panicking listener is logged and does not affect the others.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger

	onListenerPanic func(contracts.Event, any)
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithPanicHook is invoked after a listener panics, e.g. to count failures.
func WithPanicHook(fn func(contracts.Event, any)) Option {
	return func(b *Bus) { b.onListenerPanic = fn }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{logger: slog.Default().With("component", "eventbus")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a listener and returns the function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(predicate Predicate, listener Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	// Copy-on-write so Publish can iterate without holding the lock.
	subs := make([]subscription, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, subscription{id: id, predicate: predicate, listener: listener})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	b.subs = subs
}

// Publish delivers evt to every matching listener before returning.
func (b *Bus) Publish(evt contracts.Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, evt)
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(s subscription, evt contracts.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(context.Background(), "event listener panicked",
				"event_type", evt.Type,
				"correlation_id", evt.CorrelationID,
				"subscription", s.id,
				"panic", fmt.Sprint(r),
			)
			if b.onListenerPanic != nil {
				b.onListenerPanic(evt, r)
			}
		}
	}()
	if s.predicate != nil && !s.predicate(evt) {
		return
	}
	s.listener(evt)
}

// OfType matches events with any of the given tags.
func OfType(types ...contracts.EventType) Predicate {
	set := make(map[contracts.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e contracts.Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// Correlated matches events for one correlation id.
func Correlated(id string) Predicate {
	return func(e contracts.Event) bool { return e.CorrelationID == id }
}

// Failures matches failed and rejected events.
func Failures() Predicate {
	return func(e contracts.Event) bool { return e.Failed() }
}
