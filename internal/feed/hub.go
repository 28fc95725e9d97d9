// Package feed streams newly recorded events to websocket subscribers.
package feed

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/pkg/logger"
)

const defaultBufferSize = 32

// Hub fans recorded events out to subscribers. A subscriber whose buffer is
// full is disconnected rather than allowed to stall the recorder.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*subscriber]struct{}
	logger     *logger.Logger
	bufferSize int
}

type subscriber struct {
	send   chan []byte
	filter string
}

// NewHub creates an empty hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*subscriber]struct{}),
		logger:     log,
		bufferSize: defaultBufferSize,
	}
}

// ObserveEvent broadcasts one event to every matching subscriber
func (h *Hub) ObserveEvent(event models.EventRecord) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.mu.RUnlock()
		h.logger.Error("Failed to marshal feed event", logger.Err(err))
		return
	}

	var slow []*subscriber
	for c := range h.clients {
		if c.filter != "" && c.filter != event.Event {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow feed subscriber",
			logger.F("event_id", strconv.FormatInt(event.ID, 10)))
		h.unsubscribe(c)
	}
}

func (h *Hub) subscribe(filter string) *subscriber {
	c := &subscriber{
		send:   make(chan []byte, h.bufferSize),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// unsubscribe removes c and closes its channel; repeated calls are no-ops
func (h *Hub) unsubscribe(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
