package events

import (
	"context"
	"sync"

	"atomic-pek/internal/domain"
)

const defaultSubscriptionBuffer = 16

// Hub is an in-process pub/sub of transitions keyed by swap id.
// Slow subscribers lose events instead of blocking publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// Subscription receives the transitions of one swap until closed.
type Subscription struct {
	C <-chan domain.TransitionEvent

	ch     chan domain.TransitionEvent
	hub    *Hub
	swapID string
	once   sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: defaultSubscriptionBuffer,
	}
}

// Subscribe registers interest in swapID's transitions.
func (h *Hub) Subscribe(swapID string) *Subscription {
	ch := make(chan domain.TransitionEvent, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h, swapID: swapID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[swapID] == nil {
		h.subs[swapID] = make(map[*Subscription]struct{})
	}
	h.subs[swapID][s] = struct{}{}
	return s
}

// Close unregisters the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[s.swapID], s)
		if len(h.subs[s.swapID]) == 0 {
			delete(h.subs, s.swapID)
		}
		close(s.ch)
	})
}

// Publish delivers ev to the swap's subscribers without blocking.
func (h *Hub) Publish(_ context.Context, ev domain.TransitionEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[ev.SwapID] {
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions for swapID.
func (h *Hub) Subscribers(swapID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[swapID])
}

var _ Sink = (*Hub)(nil)
