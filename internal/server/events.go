package server

import (
	"sync"

	"github.com/ngenohkevin/schedules-runner/internal/dispatch"
)

// Hub fans lifecycle snapshots out to SSE subscribers. Slow subscribers miss
// events rather than block lifecycles.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan dispatch.Lifecycle]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[chan dispatch.Lifecycle]struct{})}
}

// Subscribe registers a subscriber; call the returned func to leave
func (h *Hub) Subscribe() (<-chan dispatch.Lifecycle, func()) {
	ch := make(chan dispatch.Lifecycle, 32)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Observe implements dispatch.Observer
func (h *Hub) Observe(lc dispatch.Lifecycle) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs {
		select {
		case ch <- lc:
		default:
		}
	}
}

// Subscribers returns the number of connected subscribers
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
