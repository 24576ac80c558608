package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"hazardwatch/internal/pipeline"
)

const clientBuffer = 32

// client is one dashboard connection. cameraID is empty for clients that
// follow every camera.
type client struct {
	cameraID string
	send     chan []byte
}

// EventHub fans engine events out to WebSocket clients
type EventHub struct {
	// clients maps camera_id ("" for all cameras) -> set of clients
	clients      map[string]map[*client]struct{}
	withSnapshot bool
	mu           sync.RWMutex
	log          zerolog.Logger
}

// NewEventHub creates a new hub. withSnapshot embeds annotated frames in
// detection messages.
func NewEventHub(withSnapshot bool, log zerolog.Logger) *EventHub {
	return &EventHub{
		clients:      make(map[string]map[*client]struct{}),
		withSnapshot: withSnapshot,
		log:          log,
	}
}

// register adds a client
func (h *EventHub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.cameraID] == nil {
		h.clients[c.cameraID] = make(map[*client]struct{})
	}
	h.clients[c.cameraID][c] = struct{}{}
	h.log.Debug().Str("camera", c.cameraID).Int("total", len(h.clients[c.cameraID])).Msg("client registered")
}

// unregister removes a client and closes its send queue
func (h *EventHub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[c.cameraID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.clients, c.cameraID)
	}
	h.log.Debug().Str("camera", c.cameraID).Msg("client unregistered")
}

// ClientCount returns the total number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Broadcast delivers an event to clients following all cameras and to those
// following the event's camera. Site-wide events reach everyone. A client
// whose queue is full misses the event.
func (h *EventHub) Broadcast(ev pipeline.Event) {
	data, err := json.Marshal(NewMessage(ev, h.withSnapshot))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for key, conns := range h.clients {
		if key != "" && ev.CameraID != "" && key != ev.CameraID {
			continue
		}
		for c := range conns {
			select {
			case c.send <- data:
			default:
				h.log.Warn().Str("camera", key).Str("event", string(ev.Type)).Msg("client too slow, event dropped")
			}
		}
	}
}

// Run broadcasts events until ctx is done or events closes.
func (h *EventHub) Run(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}
