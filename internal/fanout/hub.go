// Package fanout delivers freshly inserted event batches to streaming
// subscribers and push-notification recipients.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/quakefeed/quakefeed/internal/domain"
	"github.com/quakefeed/quakefeed/internal/observability"
)

// Subscriber is one live streaming connection. Batches arrive on Events;
// the channel closes when the subscriber is removed from the hub.
type Subscriber struct {
	ch chan []domain.Event
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan []domain.Event {
	return s.ch
}

// Hub holds the set of live streaming subscribers. Subscriptions, broadcasts,
// and removals arrive concurrently from handler goroutines, the ingestion
// cycle, and connection teardown; all mutation happens under one mutex, so
// iteration never skips or double-visits a live entry.
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	closed  bool
	buffer  int
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewHub creates a hub whose subscribers buffer up to bufferSize batches.
func NewHub(bufferSize int, logger *slog.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		subs:    make(map[*Subscriber]struct{}),
		buffer:  bufferSize,
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers a new streaming connection. The caller owns the
// connection lifetime and must Unsubscribe on completion, error, or timeout.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan []domain.Event, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	active := len(h.subs)
	h.mu.Unlock()

	h.metrics.StreamSubscribers.Set(float64(active))
	h.logger.Info("stream subscriber added", "active", active)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Idempotent; safe
// to call concurrently with Broadcast.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	if ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	active := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.metrics.StreamSubscribers.Set(float64(active))
		h.logger.Info("stream subscriber removed", "active", active)
	}
}

// Broadcast sends the batch to every open subscriber. Streaming is
// best-effort: a subscriber that cannot accept the batch (buffer full, i.e.
// the reader stopped draining) is removed during this same call and never
// attempted again.
func (h *Hub) Broadcast(events []domain.Event) {
	if len(events) == 0 {
		return
	}

	h.mu.Lock()
	if len(h.subs) == 0 {
		h.mu.Unlock()
		h.logger.Debug("no stream subscribers connected")
		return
	}

	var dead []*Subscriber
	for sub := range h.subs {
		select {
		case sub.ch <- events:
		default:
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		delete(h.subs, sub)
		close(sub.ch)
	}
	active := len(h.subs)
	h.mu.Unlock()

	h.metrics.BroadcastsSent.Inc()
	h.metrics.StreamSubscribers.Set(float64(active))
	if len(dead) > 0 {
		h.logger.Warn("removed unresponsive stream subscribers", "removed", len(dead), "active", active)
	}
	h.logger.Info("broadcast sent", "events", len(events), "subscribers", active)
}

// Close removes every subscriber and rejects future subscriptions. Called on
// service shutdown so streaming handlers unblock.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()

	h.metrics.StreamSubscribers.Set(0)
}
