// Package notify moves job status events from the worker pool to live
// observers: websocket clients, webhooks and message brokers.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/knowledgepitt/server/internal/core"
)

var (
	ErrHubClosed        = errors.New("hub closed")
	ErrSubscriberExists = errors.New("subscriber already connected")
	ErrNilObserver      = errors.New("nil observer")
)

// Observer receives status events. Deliver is called from a goroutine owned
// by the hub, one event at a time, in broadcast order.
type Observer interface {
	ID() string
	Deliver(event core.StatusEvent) error
}

type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

type subscriber struct {
	observer Observer
	ch       chan core.StatusEvent
	done     chan struct{}
	sent     atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// Hub is the set of connected observers. Each observer gets a bounded queue
// and its own delivery goroutine, so a slow observer only drops its own
// events.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	bufferSize  int
	closed      bool
	broadcasts  atomic.Uint64
	logger      *slog.Logger
}

func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize < 1 {
		bufferSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "hub"),
	}
}

func (h *Hub) Connect(obs Observer) error {
	if obs == nil {
		return ErrNilObserver
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if _, exists := h.subscribers[obs.ID()]; exists {
		return ErrSubscriberExists
	}

	sub := &subscriber{
		observer: obs,
		ch:       make(chan core.StatusEvent, h.bufferSize),
		done:     make(chan struct{}),
	}
	h.subscribers[obs.ID()] = sub
	go h.deliverLoop(sub)

	h.logger.Debug("observer connected", "observer", obs.ID(), "observers", len(h.subscribers))
	return nil
}

// Disconnect removes the observer. Unknown ids are ignored.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
		close(sub.ch)
	}
	remaining := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("observer disconnected", "observer", id, "observers", remaining)
	}
}

// Broadcast queues the event for every connected observer without waiting
// for delivery.
func (h *Hub) Broadcast(event core.StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	h.broadcasts.Add(1)

	for id, sub := range h.subscribers {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			h.logger.Warn("observer queue full, dropping event", "observer", id, "job_id", event.JobID, "status", event.Status)
		}
	}
}

func (h *Hub) deliverLoop(sub *subscriber) {
	defer close(sub.done)

	for event := range sub.ch {
		if err := h.deliver(sub, event); err != nil {
			sub.failed.Add(1)
			h.logger.Warn("event delivery failed", "observer", sub.observer.ID(), "job_id", event.JobID, "err", err)
			continue
		}
		sub.sent.Add(1)
	}
}

func (h *Hub) deliver(sub *subscriber, event core.StatusEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", core.ErrDelivery, r)
		}
	}()

	if err := sub.observer.Deliver(event); err != nil {
		return fmt.Errorf("%w: %w", core.ErrDelivery, err)
	}
	return nil
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) Stats() map[string]SubscriberStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := make(map[string]SubscriberStats, len(h.subscribers))
	for id, sub := range h.subscribers {
		stats[id] = SubscriberStats{
			Sent:    sub.sent.Load(),
			Failed:  sub.failed.Load(),
			Dropped: sub.dropped.Load(),
		}
	}
	return stats
}

// Close disconnects every observer and waits for queued events to be
// delivered.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		close(sub.ch)
		subs = append(subs, sub)
	}
	h.subscribers = nil
	h.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}
