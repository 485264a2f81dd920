// Package eventbus is the in-process publish/subscribe fan-out for a
// workflow's append-only event log (spec §4.4). It generalizes the
// publish-only Emitter abstraction the teacher's graph/emit package
// provides into real pub/sub: Subscribe hands back a bounded channel per
// subscriber, and slow subscribers drop their own overflow rather than
// blocking the publisher.
package eventbus

import (
	"sync"

	"github.com/existential-birds/amelia/pkg/store"
)

// DefaultBufferSize is the default per-subscriber channel capacity (spec §4.4).
const DefaultBufferSize = 256

// Scope selects which workflow(s) a subscription observes.
type Scope struct {
	// WorkflowID, if non-empty, restricts delivery to one workflow.
	WorkflowID string
	// All, if true, subscribes to every workflow's events.
	All bool
}

// Subscription is a live handle returned by Subscribe. Events arrives on
// Events(); Unsubscribe releases the subscriber's slot.
type Subscription struct {
	id     uint64
	scope  Scope
	events chan store.Event
	bus    *Bus
}

// Events returns the channel this subscriber receives events on. The
// channel is closed when Unsubscribe is called.
func (s *Subscription) Events() <-chan store.Event {
	return s.events
}

// Unsubscribe removes this subscription from the bus and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Bus is the process-local pub/sub fan-out. Publishers call Publish after
// the Store commits an event (or, for internal system warnings, ad hoc);
// subscribers identify a Scope via Subscribe.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	onOverflow func(sub *Subscription, dropped store.Event)
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithBufferSize overrides DefaultBufferSize.
func WithBufferSize(n int) Option {
	return func(b *Bus) { b.bufferSize = n }
}

// WithOverflowHandler installs a callback invoked whenever a subscriber's
// buffer is full and an event is dropped for it. The default handler is a
// no-op, and nothing in this repository installs another: a dropped event
// is not reported on the subscriber's stream.
func WithOverflowHandler(f func(sub *Subscription, dropped store.Event)) Option {
	return func(b *Bus) { b.onOverflow = f }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: DefaultBufferSize,
		onOverflow: func(*Subscription, store.Event) {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber for scope and returns its Subscription.
func (b *Bus) Subscribe(scope Scope) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		scope:  scope,
		events: make(chan store.Event, b.bufferSize),
		bus:    b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.events)
	}
}

// Publish fans event out to every subscriber whose scope matches. Delivery
// is non-blocking: a full subscriber buffer drops this event for that
// subscriber and invokes the overflow handler, rather than blocking the
// publisher (the Event Bus's bounded per-subscriber buffer is the system's
// only backpressure point, spec §5).
func (b *Bus) Publish(event store.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !matches(sub.scope, event.WorkflowID) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			b.onOverflow(sub, event)
		}
	}
}

func matches(scope Scope, workflowID string) bool {
	if scope.All {
		return true
	}
	return scope.WorkflowID == workflowID
}

// SubscriberCount returns the current number of live subscriptions, for
// diagnostics and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
