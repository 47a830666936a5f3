// Package events fans job state changes out to WebSocket watchers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/webchat-proxy/internal/domain"
)

const subscriberBuffer = 32

// Event is one job state change.
type Event struct {
	Type       string            `json:"type"`
	Job        *domain.JobRecord `json:"job,omitempty"`
	QueueDepth int               `json:"queue_depth"`
	Time       time.Time         `json:"time"`
}

// Hub keeps the set of connected watchers. Publishing never blocks the
// worker: a watcher that falls behind loses events.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	recent *history
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]chan Event),
		recent: newHistory(defaultHistorySize),
		logger: logger,
	}
}

// Subscribe registers a watcher and returns its event channel. Subscribing
// an id twice replaces the old channel and closes it.
func (h *Hub) Subscribe(id string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.subs[id]; ok {
		close(existing)
	}
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch
	h.logger.Info("Job watcher registered", "watcher_id", id, "watchers", len(h.subs))
	return ch
}

// Unsubscribe removes a watcher if ch is still its current channel.
func (h *Hub) Unsubscribe(id string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.subs[id]; ok && (<-chan Event)(current) == ch {
		close(current)
		delete(h.subs, id)
		h.logger.Info("Job watcher unregistered", "watcher_id", id, "watchers", len(h.subs))
	}
}

// Publish delivers ev to every watcher without waiting.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.recent.add(ev)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("Job watcher is behind, dropping event", "watcher_id", id)
		}
	}
}

// Recent returns the latest events, oldest first.
func (h *Hub) Recent() []Event {
	return h.recent.snapshot()
}

// Count returns the number of connected watchers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll disconnects every watcher.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
