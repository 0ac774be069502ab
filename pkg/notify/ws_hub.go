package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient wraps one live websocket connection subscribed to a
// session's progress frames.
type wsClient struct {
	conn *websocket.Conn
	send chan Frame
	hub  *Hub
	id   string
}

// Hub is the secondary live-tail transport alongside the SSE stream:
// any number of websocket clients can subscribe to the same key and
// receive every frame passed to Hub.Broadcast for it. The Hub is fed
// separately from the Notifier, not by Notifier.SendProgress.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]bool // sessionID -> clients

	log zerolog.Logger
}

// NewHub constructs an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*wsClient]bool),
		log:     log,
	}
}

// ServeWS upgrades r to a websocket connection and subscribes it to
// sessionID's frames until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &wsClient{conn: conn, send: make(chan Frame, 32), hub: h, id: sessionID}
	h.register(c)

	go c.writePump()
	go c.readPump()
	return nil
}

// Broadcast delivers frame to every websocket client subscribed to
// sessionID.
func (h *Hub) Broadcast(sessionID string, frame Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[sessionID] {
		select {
		case c.send <- frame:
		default:
			h.log.Debug().Str("session_id", sessionID).Msg("websocket client send buffer full, dropping frame")
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] == nil {
		h.clients[c.id] = make(map[*wsClient]bool)
	}
	h.clients[c.id][c] = true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.id]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.id)
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
