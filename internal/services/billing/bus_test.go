package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusPublishDelivers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	_, ch := bus.Subscribe()
	bus.Publish(Event{Type: "billing", Model: "qwen-plus", Cost: 0.001, Currency: "CNY"})

	ev := <-ch
	assert.Equal(t, "billing", ev.Type)
	assert.Equal(t, "qwen-plus", ev.Model)
	assert.Equal(t, 0.001, ev.Cost)
}

func TestBusFanout(t *testing.T) {
	bus := NewBus(zap.NewNop())

	_, a := bus.Subscribe()
	_, b := bus.Subscribe()
	assert.Equal(t, 2, bus.Subscribers())

	bus.Publish(Event{Type: "billing", Cost: 1})

	assert.Equal(t, 1.0, (<-a).Cost)
	assert.Equal(t, 1.0, (<-b).Cost)
}

func TestBusSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(zap.NewNop())
	_, ch := bus.Subscribe()

	// Overfill the ring by one; the oldest event must be the one evicted
	// and the publisher must never block.
	for i := 0; i <= subscriberBuffer; i++ {
		bus.Publish(Event{Type: "billing", Cost: float64(i)})
	}

	first := <-ch
	assert.Equal(t, 1.0, first.Cost)

	var last Event
	for i := 0; i < subscriberBuffer-1; i++ {
		last = <-ch
	}
	assert.Equal(t, float64(subscriberBuffer), last.Cost)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(zap.NewNop())

	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())

	// Publishing after the last subscriber left must not panic.
	require.NotPanics(t, func() {
		bus.Publish(Event{Type: "billing"})
	})
}
