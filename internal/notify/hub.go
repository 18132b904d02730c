package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub broadcasts events to in-process subscribers such as websocket feeds.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	lg     *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(lg *zap.Logger) *Hub {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Hub{subs: make(map[uint64]chan Event), lg: lg}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, e Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.lg.Warn("Dropping event for slow subscriber",
				zap.Uint64("subscriber", id),
				zap.String("type", string(e.Type)),
			)
		}
	}
	return nil
}

var _ Publisher = (*Hub)(nil)
