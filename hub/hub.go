// Package hub serves the audience push sockets: one websocket per viewer,
// grouped into rooms keyed by party id.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/onnwee/watchparty/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 16 << 10
	sendBuffer     = 256
)

// Envelope is the wire format of every socket frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Options struct {
	// MessageRate and MessageBurst bound inbound frames per connection.
	MessageRate  rate.Limit
	MessageBurst int
	// AllowedOrigins restricts the Origin header; empty allows any.
	AllowedOrigins []string
}

// Hub tracks connections and room membership. It implements the broadcaster
// the party manager publishes through.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	handler Handler
	conns   map[string]*Client
	rooms   map[string]map[string]*Client
}

func New(opts Options) *Hub {
	if opts.MessageRate <= 0 {
		opts.MessageRate = rate.Limit(2)
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 5
	}
	h := &Hub{
		opts:  opts,
		conns: make(map[string]*Client),
		rooms: make(map[string]map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetHandler installs the party operations client events are dispatched to.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

func (h *Hub) getHandler() Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", slog.Any("err", err))
		return
	}
	c := &Client{
		id:      ulid.Make().String(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(h.opts.MessageRate, h.opts.MessageBurst),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	telemetry.AddSockets(1)

	go c.writePump()
	c.readPump(r.Context())
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	for room, members := range h.rooms {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	c.closeSend()
	telemetry.AddSockets(-1)
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Join adds connID to room.
func (h *Hub) Join(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][connID] = c
}

// Leave removes connID from room.
func (h *Hub) Leave(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// InRoom reports whether connID is a member of room.
func (h *Hub) InRoom(room, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

// RoomSize returns the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast sends event to every member of room except the given connection.
func (h *Hub) Broadcast(room, event string, payload any, except string) {
	msg, err := encode(event, payload)
	if err != nil {
		slog.Error("encode broadcast", slog.String("event", event), slog.Any("err", err))
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if id != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
}

// Send delivers event to a single connection.
func (h *Hub) Send(connID, event string, payload any) {
	msg, err := encode(event, payload)
	if err != nil {
		slog.Error("encode event", slog.String("event", event), slog.Any("err", err))
		return
	}
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c != nil {
		c.enqueue(msg)
	}
}

// Evict empties room. Connections stay open.
func (h *Hub) Evict(room string) {
	h.mu.Lock()
	delete(h.rooms, room)
	h.mu.Unlock()
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		_ = c.conn.Close()
	}
}
