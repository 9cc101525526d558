// Package broadcast fans graph events out to observers. Each subscriber has a
// bounded queue; one that falls behind is disconnected instead of stalling
// the publisher or its peers.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/metrics"
	"github.com/ppiankov/crisisgraph/internal/model"
)

// DefaultBuffer is the per-subscriber queue length used when none is configured
const DefaultBuffer = 64

// Subscription is one observer's event stream
type Subscription struct {
	ID      string
	ch      chan model.Event
	dropped atomic.Bool
	closed  bool // guarded by Hub.mu
}

// Events returns the stream. It is closed on Unsubscribe, on hub Close, or
// when the subscriber falls behind (see Dropped).
func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

// Dropped reports whether the hub disconnected this subscriber for not keeping up
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Hub is the broadcast hub
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	buffer  int
	closed  bool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewHub creates a hub with the given per-subscriber buffer
func NewHub(buffer int, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:    make(map[*Subscription]struct{}),
		buffer:  buffer,
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers an observer. When initial is non-nil its event is
// computed and queued under the hub lock, so it is the first event the
// subscriber sees; events published concurrently either land in the snapshot
// or follow it. Events carry the graph version, which lets a consumer skip
// anything not newer than its initial state.
func (h *Hub) Subscribe(initial func() model.Event) *Subscription {
	s := &Subscription{
		ID: uuid.NewString(),
		ch: make(chan model.Event, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	if initial != nil {
		s.ch <- initial()
	}
	h.subs[s] = struct{}{}
	h.metrics.SubscriberAdded()
	h.logger.Debug("subscriber added", zap.String("subscription", s.ID), zap.Int("subscribers", len(h.subs)))
	return s
}

// Publish delivers ev to every subscriber without blocking and returns the
// number of subscribers that received it. Subscribers whose queue is full
// are disconnected.
func (h *Hub) Publish(ev model.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for s := range h.subs {
		select {
		case s.ch <- ev:
			delivered++
		default:
			s.dropped.Store(true)
			h.removeLocked(s)
			h.logger.Warn("subscriber dropped: queue full",
				zap.String("subscription", s.ID),
				zap.String("event", string(ev.Type)))
		}
	}
	return delivered
}

// Unsubscribe removes a subscriber and closes its stream. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		h.removeLocked(s)
	}
}

func (h *Hub) removeLocked(s *Subscription) {
	delete(h.subs, s)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	h.metrics.SubscriberRemoved(s.Dropped())
}

// Len returns the number of live subscribers
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber; later subscriptions start closed
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		h.removeLocked(s)
	}
}
