// Package ws streams engine events (intents, outcomes, kill switch changes,
// venue status) to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBufferSize = 256
)

// busChannels are the pub/sub channels the hub relays when fed from Redis.
var busChannels = []string{
	domain.ChannelIntents,
	domain.ChannelOutcomes,
	domain.ChannelControl,
	domain.ChannelQuality,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the API key gates /ws
	},
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[domain.EventType]bool // empty means everything
	mu   sync.RWMutex
}

// subscribeMsg narrows or widens the event types a client receives:
// {"action":"subscribe","types":["order_outcome"]}.
type subscribeMsg struct {
	Action string   `json:"action"`
	Types  []string `json:"types"`
}

type broadcastMsg struct {
	typ  domain.EventType
	data []byte
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// Hub fans events out to connected clients. Events arrive either through
// PublishEvent or, when a bus is set, from its pub/sub channels. The latest
// trading_state event is replayed to each new client after its hello so a
// dashboard shows the kill switch without waiting for the next change.
type Hub struct {
	broadcast chan broadcastMsg
	bus       domain.EventBus
	logger    *slog.Logger
	mode      string
	startedAt time.Time

	mu        sync.RWMutex
	clients   map[*client]bool
	lastState []byte
	closed    bool

	dropped atomic.Int64
}

// NewHub creates a hub. bus may be nil.
func NewHub(bus domain.EventBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	return &Hub{
		clients:   make(map[*client]bool),
		broadcast: make(chan broadcastMsg, 256),
		bus:       bus,
		logger:    logger.With(slog.String("component", "ws_hub")),
		mode:      mode,
		startedAt: startedAt,
	}
}

// PublishEvent queues ev for every subscribed client. It never blocks.
func (h *Hub) PublishEvent(_ context.Context, ev domain.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	h.enqueue(broadcastMsg{typ: ev.Type, data: data})
	return nil
}

func (h *Hub) enqueue(m broadcastMsg) {
	select {
	case h.broadcast <- m:
	default:
		h.dropped.Add(1)
		h.logger.Warn("ws: broadcast queue full, dropping event", slog.String("type", string(m.typ)))
	}
}

// Run broadcasts queued events until ctx is cancelled, then closes every
// client and refuses new ones.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		for _, ch := range busChannels {
			go h.subscribeToChannel(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case msg := <-h.broadcast:
			h.mu.Lock()
			if msg.typ == domain.EventControl {
				h.lastState = msg.data
			}
			for c := range h.clients {
				if !c.wants(msg.typ) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.dropped.Add(1)
					h.logger.Warn("ws: dropping message for slow client", slog.String("type", string(msg.typ)))
				}
			}
			h.mu.Unlock()
		}
	}
}

// register adds c and queues its hello and the last trading state. It
// reports false once the hub has stopped.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = true
	n := len(h.clients)
	c.send <- h.hello()
	if h.lastState != nil && c.wants(domain.EventControl) {
		c.send <- h.lastState
	}
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.Int("total_clients", n))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))
}

// subscribeToChannel relays one bus channel. Payloads are encoded events.
func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", channel))
				return
			}
			var head struct {
				Type domain.EventType `json:"type"`
			}
			if err := json.Unmarshal(data, &head); err != nil {
				continue
			}
			h.enqueue(broadcastMsg{typ: head.Type, data: data})
		}
	}
}

// HandleWS upgrades the request and registers the client. The optional
// types query parameter is a comma list of event types to receive.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[domain.EventType]bool),
	}
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			c.subs[domain.EventType(t)] = true
		}
	}

	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts events not delivered because a queue was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
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
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Types {
			c.subs[domain.EventType(t)] = true
		}
	case "unsubscribe":
		for _, t := range msg.Types {
			delete(c.subs, domain.EventType(t))
		}
	}
}

func (c *client) wants(t domain.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) == 0 || c.subs[t]
}

// hello lets a client mark the connection healthy before any event flows.
func (h *Hub) hello() []byte {
	uptime := max(int64(time.Since(h.startedAt).Seconds()), 0)
	msg, _ := json.Marshal(map[string]any{
		"type": "hello",
		"data": map[string]any{
			"mode":           h.mode,
			"uptime_seconds": uptime,
		},
	})
	return msg
}

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
