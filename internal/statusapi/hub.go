package statusapi

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kandev/tgsched/internal/common/logger"
	"github.com/kandev/tgsched/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Client is a single websocket connection subscribed to a set of tenant ids.
// Unsubscribed tenants are filtered out before a broadcast reaches the socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	tenants map[int64]bool
}

// SubscriptionMessage is the client->server control message for narrowing a
// connection's broadcast feed to specific tenants.
type SubscriptionMessage struct {
	Action    string  `json:"action"` // "subscribe" | "unsubscribe"
	TenantIDs []int64 `json:"tenant_ids"`
}

func (c *Client) IsSubscribed(tenantID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tenants) == 0 {
		return true // no filter set: receive everything
	}
	return c.tenants[tenantID]
}

func (c *Client) Subscribe(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tenants == nil {
		c.tenants = make(map[int64]bool)
	}
	for _, id := range ids {
		c.tenants[id] = true
	}
}

func (c *Client) Unsubscribe(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.tenants, id)
	}
}

// ReadPump consumes subscription control messages from the client until the
// connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg SubscriptionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.Subscribe(msg.TenantIDs)
		case "unsubscribe":
			c.Unsubscribe(msg.TenantIDs)
		}
	}
}

// WritePump drains c.send to the socket and keeps the connection alive with
// periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub fans scheduler events out to every subscribed websocket client.
type Hub struct {
	log *logger.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMsg

	mu      sync.Mutex
	clients map[*Client]bool
}

type broadcastMsg struct {
	tenantID int64
	payload  []byte
}

// NewHub builds a websocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMsg, 256),
		clients:    make(map[*Client]bool),
	}
}

// Run drives the hub's registration/broadcast loop until stopCh is closed.
func (h *Hub) Run(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = nil
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.IsSubscribed(msg.tenantID) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a new client connection to the hub and starts its pumps.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := &Client{hub: h, conn: conn, send: make(chan []byte, 32)}
	h.register <- c
	go c.WritePump()
	go c.ReadPump()
	return c
}

// BridgeEvents subscribes the hub to bus and forwards every event to
// connected clients, scoped to the tenant id embedded in the event's data.
func (h *Hub) BridgeEvents(bus events.Bus, eventTypes []string) error {
	for _, t := range eventTypes {
		eventType := t
		_, err := bus.Subscribe(eventType, func(e events.Event) {
			payload, err := json.Marshal(e)
			if err != nil {
				h.log.WithError(err).Error("marshal event for broadcast")
				return
			}
			var tenantID int64
			if v, ok := e.Data["tenant_id"].(float64); ok {
				tenantID = int64(v)
			}
			h.broadcast <- broadcastMsg{tenantID: tenantID, payload: payload}
		})
		if err != nil {
			return err
		}
	}
	return nil
}
