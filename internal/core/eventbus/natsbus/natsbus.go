// Package natsbus implements eventbus.Bus over a NATS connection, so the
// same event traffic can fan out across multiple orchestrator instances.
// It implements the same eventbus.Bus interface as membus, but handlers
// receive Event.Payload as the raw JSON (json.RawMessage), not the typed
// payload struct, and are called on the NATS client's delivery goroutine.
package natsbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kandev/sessionsup/internal/common/logger"
	"github.com/kandev/sessionsup/internal/core/eventbus"
)

// wireEvent is the JSON envelope published on the wire; Payload is
// re-marshaled generically since NATS has no notion of our Go types.
type wireEvent struct {
	Kind      eventbus.Kind   `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Bus is a NATS-backed eventbus.Bus. Subjects are namespaced under
// "sessionsup.events.<kind>"; SubscribeAll uses the wildcard
// "sessionsup.events.>".
type Bus struct {
	conn *nats.Conn
	ns   string
	log  *logger.Logger
}

// New wraps an established NATS connection. ns namespaces the subjects used,
// allowing multiple deployments to share one NATS cluster without crosstalk.
func New(conn *nats.Conn, ns string) *Bus {
	if ns == "" {
		ns = "sessionsup"
	}
	return &Bus{conn: conn, ns: ns, log: logger.Default()}
}

func (b *Bus) subject(kind eventbus.Kind) string {
	return fmt.Sprintf("%s.events.%s", b.ns, kind)
}

type subscription struct{ sub *nats.Subscription }

func (s *subscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
}

// Publish marshals payload and publishes it on the kind's subject.
func (b *Bus) Publish(kind eventbus.Kind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.log.WithError(err).Error("natsbus: failed to marshal event payload")
		return
	}
	we := wireEvent{Kind: kind, Timestamp: time.Now(), Payload: raw}
	data, err := json.Marshal(we)
	if err != nil {
		b.log.WithError(err).Error("natsbus: failed to marshal event envelope")
		return
	}
	if err := b.conn.Publish(b.subject(kind), data); err != nil {
		b.log.WithError(err).Error("natsbus: publish failed")
	}
}

// Subscribe subscribes to a single kind's subject.
func (b *Bus) Subscribe(kind eventbus.Kind, handler eventbus.Handler) eventbus.Subscription {
	sub, err := b.conn.Subscribe(b.subject(kind), b.wrap(handler))
	if err != nil {
		b.log.WithError(err).Error("natsbus: subscribe failed")
		return &subscription{}
	}
	return &subscription{sub: sub}
}

// SubscribeAll subscribes to the namespace wildcard.
func (b *Bus) SubscribeAll(handler eventbus.Handler) eventbus.Subscription {
	sub, err := b.conn.Subscribe(fmt.Sprintf("%s.events.>", b.ns), b.wrap(handler))
	if err != nil {
		b.log.WithError(err).Error("natsbus: subscribe-all failed")
		return &subscription{}
	}
	return &subscription{sub: sub}
}

func (b *Bus) wrap(handler eventbus.Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("natsbus subscriber panicked")
			}
		}()
		var we wireEvent
		if err := json.Unmarshal(msg.Data, &we); err != nil {
			b.log.WithError(err).Error("natsbus: failed to decode event envelope")
			return
		}
		handler(eventbus.Event{Kind: we.Kind, Timestamp: we.Timestamp, Payload: we.Payload})
	}
}
