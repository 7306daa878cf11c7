// Package hub fans verification events out to live monitoring subscribers
// over WebSocket. A single event loop owns every membership change; slow
// subscribers are shed rather than allowed to backpressure the broadcast
// path.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/trustagent/audit-gateway/internal/logger"
	"github.com/trustagent/audit-gateway/internal/metrics"
)

// Hub owns the set of active subscribers. Events arrive either typed (and
// are marshaled once inside the event loop) or already serialized by the
// dispatcher, and are fanned out to every subscriber queue without ever
// blocking on a slow one.
type Hub struct {
	subscribers map[*Subscriber]bool
	mu          sync.RWMutex

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan Event
	serialized chan []byte

	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
	logger *logger.Logger
}

// NewHub creates a hub; Start must be called before it accepts traffic.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan Event, 64),
		serialized:  make(chan []byte, 256),
		done:        make(chan struct{}),
		logger:      log.WithComponent("hub"),
	}
}

// Start launches the event loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop shuts the event loop down, closes every subscriber, and waits for
// all pumps to exit.
func (h *Hub) Stop() {
	if h.closed.Swap(true) {
		return
	}
	close(h.done)
	h.wg.Wait()
	h.logger.Info("hub stopped")
}

// Broadcast enqueues a typed event for fan-out. Safe to call after Stop;
// the event is then dropped.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

// BroadcastSerialized enqueues an event the caller already marshaled.
// This is the dispatcher's publish path for audit results.
func (h *Hub) BroadcastSerialized(data []byte) {
	select {
	case h.serialized <- data:
	case <-h.done:
	}
}

// SubscriberCount returns the current size of the active set.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// run is the event loop. It alone mutates the subscriber set.
func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case sub := <-h.register:
			h.addSubscriber(sub)

		case sub := <-h.unregister:
			h.removeSubscriber(sub)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event",
					slog.String("type", event.Type),
					slog.String("error", err.Error()))
				continue
			}
			h.fanOut(data, event.Type)

		case data := <-h.serialized:
			h.fanOut(data, EventTypeAuditResult)

		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// fanOut delivers one serialized event to every subscriber queue. A
// subscriber whose queue overflowed with no drain since the previous
// overflow is evicted on the spot.
func (h *Hub) fanOut(data []byte, eventType string) {
	var evicted []*Subscriber

	h.mu.RLock()
	for sub := range h.subscribers {
		if !sub.enqueue(data) {
			evicted = append(evicted, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range evicted {
		h.logger.Warn("subscriber stopped consuming, evicting",
			slog.String("subscriber_id", sub.id))
		metrics.SubscribersEvicted.Inc()
		h.removeSubscriber(sub)
	}

	metrics.EventsBroadcast.WithLabelValues(eventType).Inc()
}

func (h *Hub) addSubscriber(sub *Subscriber) {
	h.mu.Lock()
	h.subscribers[sub] = true
	count := len(h.subscribers)
	h.mu.Unlock()

	metrics.Subscribers.Set(float64(count))

	// Welcome frame goes into the queue first, ahead of any broadcast.
	if data, err := json.Marshal(newConnectedMessage(sub.id)); err == nil {
		sub.enqueue(data)
	}

	h.logger.Info("subscriber added",
		slog.String("subscriber_id", sub.id),
		slog.Int("total_subscribers", count))
}

func (h *Hub) removeSubscriber(sub *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, sub)
	count := len(h.subscribers)
	h.mu.Unlock()

	// A subscriber is in the active set iff its queue is open.
	sub.closeQueue()

	metrics.Subscribers.Set(float64(count))

	h.logger.Info("subscriber removed",
		slog.String("subscriber_id", sub.id),
		slog.Int("remaining_subscribers", count))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		sub.closeQueue()
	}
	h.mu.Unlock()

	metrics.Subscribers.Set(0)
}

// drop requests removal of a subscriber from a pump goroutine. Safe when
// the event loop has already exited.
func (h *Hub) drop(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}
