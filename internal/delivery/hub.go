// ABOUTME: WebSocket hub that streams paced reply parts to conversation subscribers
// ABOUTME: Each client has a buffered send queue drained by its own writer goroutine
package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harper/concierge/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// Message is the JSON frame sent for every delivered part
type Message struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Index          int    `json:"index"`
	Text           string `json:"text"`
	DelayMs        int64  `json:"delay_ms"`
}

type client struct {
	hub            *Hub
	conn           *websocket.Conn
	conversationID string
	send           chan []byte
}

// Hub fans delivered parts out to every socket subscribed to a conversation
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHub creates an empty hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: log,
	}
}

// ServeHTTP upgrades the request and subscribes it to ?conversation_id=
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{hub: h, conn: conn, conversationID: convID, send: make(chan []byte, sendBuffer)}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

// Deliver sends part to every subscriber of conversationID.
// Subscribers whose queue is full are dropped.
func (h *Hub) Deliver(_ context.Context, conversationID string, part models.DeliveryPart) error {
	frame, err := json.Marshal(Message{
		Type:           "part",
		ConversationID: conversationID,
		Index:          part.Index,
		Text:           part.Text,
		DelayMs:        part.DelayMs,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.subs[conversationID] {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	n := len(h.subs[conversationID])
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("conversation_id", conversationID).Msg("dropping slow websocket subscriber")
		h.unregister(c)
	}
	if n == 0 {
		h.log.Debug().Str("conversation_id", conversationID).Int("part", part.Index).Msg("no subscribers for part")
	}
	return nil
}

// Subscribers returns the number of sockets listening to conversationID
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, set := range h.subs {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		h.unregister(c)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[c.conversationID]
	if !ok {
		set = make(map[*client]struct{})
		h.subs[c.conversationID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[c.conversationID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, c.conversationID)
	}
	close(c.send)
}

// readPump only watches for disconnects and pongs; clients send turns over HTTP
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
