package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"campaign-engine/internal/notification"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// alertEnvelope is one frame of the live alert feed. Seq is hub-wide and
// monotonic so clients can detect drops.
type alertEnvelope struct {
	Type  string             `json:"type"` // alert | backlog
	Seq   int64              `json:"seq,omitempty"`
	TS    time.Time          `json:"ts"`
	Alert notification.Alert `json:"alert"`
}

// Hub fans operator alerts out to websocket clients. It is a
// notification.Notifier, so it sits next to the other alert backends.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	seq     int64

	// OnDrop is called when a slow client misses an alert.
	OnDrop func()
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// Send broadcasts alert to every client whose filter matches. Never blocks.
func (h *Hub) Send(_ context.Context, alert notification.Alert) error {
	h.mu.Lock()
	h.seq++
	env, err := json.Marshal(alertEnvelope{Type: "alert", Seq: h.seq, TS: time.Now().UTC(), Alert: alert})
	h.mu.Unlock()
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.matches(alert.CampaignID) {
			continue
		}
		select {
		case c.send <- env:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// serve registers an upgraded connection. backlog is sent before any
// live alert.
func (h *Hub) serve(conn *websocket.Conn, campaignID string, backlog []notification.Alert) {
	c := &client{conn: conn, send: make(chan []byte, 256), hub: h, campaignID: campaignID}
	for _, a := range backlog {
		env, err := json.Marshal(alertEnvelope{Type: "backlog", Alert: a})
		if err != nil {
			continue
		}
		select {
		case c.send <- env:
		default:
		}
	}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("[api] ws client connected campaign=%q (%d total)", campaignID, count)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// client is one websocket peer of the alert feed.
type client struct {
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
	campaignID string // empty: all campaigns
}

func (c *client) matches(campaignID string) bool {
	return c.campaignID == "" || c.campaignID == campaignID
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)

			// coalesce queued alerts into one frame, newline separated
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; the feed is server-to-client.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		log.Println("[api] ws client disconnected")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
