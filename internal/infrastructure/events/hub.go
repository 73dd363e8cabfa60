package events

import (
	"sync"
	"sync/atomic"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"

	"go.uber.org/zap"
)

// Hub fans call events out to subscribers. A subscriber that falls behind
// loses events instead of stalling the call service.
type Hub struct {
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	subs   map[uint64]chan domain.CallEvent
	nextID uint64

	dropped atomic.Uint64
}

var _ ports.CallListener = (*Hub)(nil)

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[uint64]chan domain.CallEvent),
	}
}

// OnCallEvent publishes ev to every subscriber without blocking.
func (h *Hub) OnCallEvent(ev domain.CallEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
			h.logger.Debugw("dropping event for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it.
func (h *Hub) Subscribe(buffer int) (<-chan domain.CallEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan domain.CallEvent, buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
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

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped is the number of events lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
