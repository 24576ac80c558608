package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"hazardwatch/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // room for base64 encoded snapshots
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// InitialState returns the events replayed to a client right after it
// connects, so it does not wait for the next change to render.
type InitialState func(cameraID string) []pipeline.Event

// Handler handles WebSocket connections for live engine events
type Handler struct {
	hub     *EventHub
	initial InitialState
}

// NewHandler creates a new WebSocket handler. initial may be nil.
func NewHandler(hub *EventHub, initial InitialState) *Handler {
	return &Handler{hub: hub, initial: initial}
}

// ServeHTTP upgrades /ws/events[?camera=<id>] requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cameraID := r.URL.Query().Get("camera")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.hub.log.Debug().Str("camera", cameraID).Str("remote", r.RemoteAddr).Msg("new connection")

	c := &client{cameraID: cameraID, send: make(chan []byte, clientBuffer)}
	if h.initial != nil {
		for _, ev := range h.initial(cameraID) {
			data, err := json.Marshal(NewMessage(ev, false))
			if err != nil {
				continue
			}
			select {
			case c.send <- data:
			default:
			}
		}
	}
	h.hub.register(c)

	go h.writePump(c, conn)
	go h.readPump(c, conn)
}

// readPump keeps the connection alive and notices client disconnection
func (h *Handler) readPump(c *client, conn *websocket.Conn) {
	defer h.hub.unregister(c)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.log.Debug().Err(err).Str("camera", c.cameraID).Msg("read error")
			}
			return
		}
	}
}

// writePump is the only writer on conn
func (h *Handler) writePump(c *client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.hub.unregister(c)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.unregister(c)
				return
			}
		}
	}
}
