package billing

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one billing or error message broadcast to observers. Cost is the
// cumulative running total at emission time, not a delta.
type Event struct {
	Type     string  `json:"type"` // "billing" or "error"
	Model    string  `json:"model,omitempty"`
	Cost     float64 `json:"cost"`
	Currency string  `json:"currency,omitempty"`
	Fused    bool    `json:"fused,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

const subscriberBuffer = 100

// Bus fans billing events out to any number of subscribers. Each subscriber
// owns a bounded ring of 100 events: when it falls behind, its oldest
// pending event is dropped so publishers never block and never observe
// delivery errors.
type Bus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]chan Event
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[string]chan Event),
	}
}

// Subscribe registers a new observer and returns its id and receive channel.
func (b *Bus) Subscribe() (string, <-chan Event) {
	id := uuid.New().String()
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	b.logger.Debug("Billing subscriber registered", zap.String("subscriber", id))
	return id, ch
}

// Unsubscribe drops the observer and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(ch)
		b.logger.Debug("Billing subscriber removed", zap.String("subscriber", id))
	}
}

// Publish delivers the event to every subscriber, evicting the oldest
// buffered event of any subscriber that is full.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Ring is full: drop the oldest and retry once. The second
			// send can only fail if another publisher refilled the
			// buffer, in which case this event is the one dropped.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				b.logger.Debug("Dropped billing event for slow subscriber",
					zap.String("subscriber", id))
			}
		}
	}

	busEventsPublished.WithLabelValues(ev.Type).Inc()
}

// Subscribers returns the current observer count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
