package membus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/sessionsup/internal/core/eventbus"
)

func TestPublishDeliversToMatchingKindOnly(t *testing.T) {
	bus := New()

	var created, aborted int
	var mu sync.Mutex

	bus.Subscribe(eventbus.KindSessionCreated, func(evt eventbus.Event) {
		mu.Lock()
		defer mu.Unlock()
		created++
	})
	bus.Subscribe(eventbus.KindSessionAborted, func(evt eventbus.Event) {
		mu.Lock()
		defer mu.Unlock()
		aborted++
	})

	bus.Publish(eventbus.KindSessionCreated, eventbus.SessionCreated{SessionID: "s1"})
	bus.Publish(eventbus.KindSessionCreated, eventbus.SessionCreated{SessionID: "s2"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, created)
	assert.Equal(t, 0, aborted)
}

func TestSubscribeAllReceivesEveryKind(t *testing.T) {
	bus := New()

	var kinds []eventbus.Kind
	bus.SubscribeAll(func(evt eventbus.Event) {
		kinds = append(kinds, evt.Kind)
	})

	bus.Publish(eventbus.KindSessionCreated, eventbus.SessionCreated{})
	bus.Publish(eventbus.KindQueueRequestAdded, eventbus.QueueRequestAdded{})

	require.Len(t, kinds, 2)
	assert.Equal(t, eventbus.KindSessionCreated, kinds[0])
	assert.Equal(t, eventbus.KindQueueRequestAdded, kinds[1])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()

	calls := 0
	sub := bus.Subscribe(eventbus.KindSessionCreated, func(evt eventbus.Event) {
		calls++
	})

	bus.Publish(eventbus.KindSessionCreated, eventbus.SessionCreated{})
	sub.Unsubscribe()
	bus.Publish(eventbus.KindSessionCreated, eventbus.SessionCreated{})

	assert.Equal(t, 1, calls)
}

func TestPublishRecoversFromSubscriberPanic(t *testing.T) {
	bus := New()

	secondCalled := false
	bus.SubscribeAll(func(evt eventbus.Event) {
		panic("boom")
	})
	bus.SubscribeAll(func(evt eventbus.Event) {
		secondCalled = true
	})

	require.NotPanics(t, func() {
		bus.Publish(eventbus.KindSessionCreated, eventbus.SessionCreated{})
	})
	assert.True(t, secondCalled, "a panicking subscriber must not block delivery to later subscribers")
}

func TestDeliveryPreservesSubscriptionOrder(t *testing.T) {
	bus := New()

	var order []int
	bus.SubscribeAll(func(evt eventbus.Event) { order = append(order, 1) })
	bus.SubscribeAll(func(evt eventbus.Event) { order = append(order, 2) })
	bus.SubscribeAll(func(evt eventbus.Event) { order = append(order, 3) })

	bus.Publish(eventbus.KindSessionCreated, eventbus.SessionCreated{})

	assert.Equal(t, []int{1, 2, 3}, order)
}
