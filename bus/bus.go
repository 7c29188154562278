// Package bus delivers orchestration events to zero or more observers.
// Delivery is synchronous per listener; a failing listener is isolated so its
// panic is logged without affecting the remaining listeners or the turn's own
// control flow. Subscriptions are explicitly added and removed by their
// owners; there is no global ambient registry.
package bus

import (
	"sync"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
)

// Listener receives every published event.
type Listener func(event core.Event)

// Subscription identifies one registered listener for removal.
type Subscription struct {
	id uint64
}

// Bus is a process-lifetime publish/subscribe list. The zero value is not
// usable; construct with New.
type Bus struct {
	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
	logger    logging.Logger
}

// Options configures a Bus.
type Options struct {
	Logger logging.Logger
}

// New creates an empty bus.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Bus{listeners: map[uint64]Listener{}, logger: opts.Logger}
}

// Subscribe registers a listener and returns its subscription handle.
func (b *Bus) Subscribe(l Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = l
	return &Subscription{id: id}
}

// Unsubscribe removes a listener. Unknown handles are ignored.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, s.id)
}

// Publish delivers the event to every current subscriber. A panicking
// listener is recovered and logged; delivery continues with the rest.
func (b *Bus) Publish(event core.Event) {
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		b.deliver(l, event)
	}
}

func (b *Bus) deliver(l Listener, event core.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus.listener.panic", "event_kind", string(event.Kind), "recover", r)
		}
	}()
	l(event)
}
