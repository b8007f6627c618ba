// Package ws streams round events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Source delivers the payloads published on a channel. domain.SignalBus
// satisfies it, as does the in-process event log.
type Source interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware in front of the hub.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config is reported to clients in the hello frame.
type Config struct {
	Mode      string
	Channel   string
	StartedAt time.Time
}

// Hub fans events from one Source channel out to connected clients. A
// client receives every event kind unless it narrows its subscription.
type Hub struct {
	source     Source
	cfg        Config
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub over source.
func NewHub(source Source, cfg Config, logger *slog.Logger) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		source:     source,
		cfg:        cfg,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the source and serves clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	msgs, err := h.source.Subscribe(ctx, h.cfg.Channel)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "subscribed", slog.String("channel", h.cfg.Channel))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", n))

		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("source subscription closed", slog.String("channel", h.cfg.Channel))
				msgs = nil
				continue
			}
			h.fanOut(data)
		}
	}
}

func (h *Hub) fanOut(data []byte) {
	var head struct {
		Kind string `json:"kind"`
	}
	_ = json.Unmarshal(data, &head)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(head.Kind) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping event for slow client", slog.String("kind", head.Kind))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		kinds: map[string]bool{},
	}
	c.hello()
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// client is one WebSocket connection. An empty kinds set means all kinds.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.RWMutex
	kinds map[string]bool
}

// subscribeMsg narrows or widens the event kinds a client receives:
// {"action":"subscribe","kinds":["round_settled"]}.
type subscribeMsg struct {
	Action string   `json:"action"`
	Kinds  []string `json:"kinds"`
}

func (c *client) wants(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.kinds) == 0 || c.kinds[kind]
}

func (c *client) handle(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, k := range msg.Kinds {
			c.kinds[k] = true
		}
	case "unsubscribe":
		for _, k := range msg.Kinds {
			delete(c.kinds, k)
		}
	case "reset":
		c.kinds = map[string]bool{}
	}
}

func (c *client) hello() {
	uptime := int64(time.Since(c.hub.cfg.StartedAt).Seconds())
	msg, err := json.Marshal(map[string]any{
		"kind": "hello",
		"payload": map[string]any{
			"mode":           c.hub.cfg.Mode,
			"channel":        c.hub.cfg.Channel,
			"uptime_seconds": max(uptime, 0),
		},
	})
	if err != nil {
		return
	}
	c.send <- msg
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(message, &msg) == nil && msg.Action != "" {
			c.handle(msg)
		}
	}
}

// writePump sends events as text frames and keeps the connection alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
