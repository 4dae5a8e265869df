package runtime

import (
	"sync"

	"go.uber.org/zap"
)

// eventBuffer is the per-subscriber channel depth. A subscriber that falls
// further behind than this starts losing events.
const eventBuffer = 256

// Bus fans runtime events out to subscribers. Publishing never blocks: when
// a subscriber's buffer is full the event is dropped for that subscriber and
// logged at debug. Events are a convenience feed for the HTTP layer and the
// CLI, not a durable queue.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
}

// NewBus returns an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger.Named("events"),
		subs:   make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new subscriber and returns its channel. The channel
// is closed by Unsubscribe or Close. Subscribing to a closed bus returns an
// already-closed channel.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, eventBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown channels
// are ignored, so double unsubscription is safe.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Publish delivers an event to every subscriber that has buffer room.
func (b *Bus) Publish(eventType EventType, payload map[string]any) {
	ev := newEvent(eventType, payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("subscriber lagging, dropping event",
				zap.String("type", string(eventType)))
		}
	}
}

// Close closes every subscriber channel and rejects future publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan Event]struct{})
}
