package api

import (
	"log/slog"
	"sync"
	"time"
)

// Message types on the event feed.
const (
	TypeDetection    = "detection"
	TypeConfirmation = "confirmation"
	TypeStatus       = "status"
	TypeUtterance    = "utterance"
)

// subscriberBuffer is the per-client queue length. A client that falls this
// far behind misses messages.
const subscriberBuffer = 64

// Message is one event feed frame.
type Message struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Hub fans messages out to event feed subscribers. It is safe for
// concurrent use.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan Message
	next    int
	dropped int64
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Message)}
}

// Publish delivers msg to every subscriber without blocking.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped++
			slog.Debug("api: event feed subscriber lagging, message dropped", "subscriber", id, "type", msg.Type)
		}
	}
}

// Subscribe returns a message channel and a function that closes it.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Close ends every subscription. The event feed closes its websockets with
// StatusGoingAway.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for lagging subscribers.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
