// Package membus is an in-process, synchronous implementation of
// eventbus.Bus: subscribers are invoked directly on the publisher's
// goroutine, in subscription order, with panics recovered and discarded.
package membus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/sessionsup/internal/common/logger"
	"github.com/kandev/sessionsup/internal/core/eventbus"
)

type subscriber struct {
	id      string
	kind    eventbus.Kind // "" means subscribed to all kinds
	handler eventbus.Handler
}

// Bus is the in-memory eventbus.Bus implementation.
type Bus struct {
	log *logger.Logger

	mu   sync.RWMutex
	subs []*subscriber
}

// New constructs an empty in-memory Bus.
func New() *Bus {
	return &Bus{log: logger.Default().WithFields()}
}

type subscription struct {
	bus *Bus
	id  string
}

func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub.id == s.id {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			return
		}
	}
}

// Subscribe registers handler for events of the given kind.
func (b *Bus) Subscribe(kind eventbus.Kind, handler eventbus.Handler) eventbus.Subscription {
	return b.add(kind, handler)
}

// SubscribeAll registers handler for every event kind.
func (b *Bus) SubscribeAll(handler eventbus.Handler) eventbus.Subscription {
	return b.add("", handler)
}

func (b *Bus) add(kind eventbus.Kind, handler eventbus.Handler) eventbus.Subscription {
	sub := &subscriber{id: uuid.NewString(), kind: kind, handler: handler}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return &subscription{bus: b, id: sub.id}
}

// Publish delivers the event synchronously to every matching subscriber, in
// subscription order. A subscriber panic is recovered and logged, never
// propagated to the publisher.
func (b *Bus) Publish(kind eventbus.Kind, payload any) {
	evt := eventbus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	matching := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.kind == "" || sub.kind == kind {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscriber, evt eventbus.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("eventbus subscriber panicked",
				zap.Any("kind", evt.Kind), zap.Any("recovered", r))
		}
	}()
	sub.handler(evt)
}
