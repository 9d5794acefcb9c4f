// Package realtime streams order lifecycle events to WebSocket clients.
//
// Every connection is bound to a viewer. An agent's stream carries only
// events for orders the agent is party to; the operator stream carries
// everything. Clients narrow their stream further by sending a Subscription.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/agentbazaar/internal/events"
	"github.com/mbd888/agentbazaar/internal/metrics"
)

const (
	// MaxClients caps concurrent connections.
	MaxClients = 10000

	sendBuffer   = 64
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	maxMessage   = 4 * 1024
)

// Operator is the viewer for the unfiltered stream.
const Operator = ""

var errBroadcastFull = errors.New("realtime: broadcast queue full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Subscription narrows a stream. Empty lists match everything.
type Subscription struct {
	Types  []events.Type `json:"types"`
	Orders []string      `json:"orders"`
}

func (s Subscription) matches(ev events.Event) bool {
	if len(s.Types) > 0 && !slices.Contains(s.Types, ev.Type) {
		return false
	}
	if len(s.Orders) > 0 && !slices.ContainsFunc(s.Orders, func(id string) bool { return strings.EqualFold(id, ev.OrderID) }) {
		return false
	}
	return true
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	viewer string
	send   chan []byte
	sub    atomic.Pointer[Subscription]
}

// sees reports whether ev belongs on this client's stream.
func (c *client) sees(ev events.Event) bool {
	if c.viewer != Operator && !ev.Involves(c.viewer) {
		return false
	}
	if sub := c.sub.Load(); sub != nil {
		return sub.matches(ev)
	}
	return true
}

// Stats summarizes hub activity.
type Stats struct {
	Connected int   `json:"connected"`
	Peak      int64 `json:"peak"`
	Events    int64 `json:"events"`
	Dropped   int64 `json:"dropped"`
}

// Hub fans events out to connected clients. It implements events.Publisher.
type Hub struct {
	logger     *slog.Logger
	broadcast  chan events.Event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	maxClients int

	mu      sync.RWMutex
	clients map[*client]struct{}

	peak    atomic.Int64
	total   atomic.Int64
	dropped atomic.Int64
}

// NewHub returns a hub; call Run to start delivery.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		maxClients: MaxClients,
		clients:    make(map[*client]struct{}),
	}
}

// Run delivers events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			if int64(n) > h.peak.Load() {
				h.peak.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream opened", "viewer", c.viewer, "clients", n)
		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// drop must be called with h.mu held.
func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) deliver(ev events.Event) {
	h.total.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", "type", ev.Type, "order_id", ev.OrderID, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.sees(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.drop(c)
	}
	h.mu.Unlock()
	h.dropped.Add(int64(len(slow)))
	h.logger.Warn("dropped slow stream clients", "count", len(slow), "order_id", ev.OrderID)
}

// Publish queues ev without blocking the order operation that produced it.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	default:
		return errBroadcastFull
	}
}

// Stats reports current and cumulative counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{Connected: n, Peak: h.peak.Load(), Events: h.total.Load(), Dropped: h.dropped.Load()}
}

// Serve upgrades the request and streams events visible to viewer.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, viewer string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "viewer", viewer, "error", err)
		return
	}
	c := &client{hub: h, conn: conn, viewer: strings.ToLower(viewer), send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

// readLoop applies subscription updates until the connection closes.
func (c *client) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("stream read failed", "viewer", c.viewer, "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		c.sub.Store(&sub)
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ events.Publisher = (*Hub)(nil)
