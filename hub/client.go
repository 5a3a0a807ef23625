package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/onnwee/watchparty/party"
)

// Client events.
const (
	EventJoinParty   = "join-party"
	EventSendMessage = "send-message"
)

// Handler is the party surface client events drive.
type Handler interface {
	JoinParty(partyID, connID, name string) (party.Snapshot, error)
	LeaveParty(connID string)
	MemberName(partyID, connID string) (string, bool)
	PostMessage(ctx context.Context, partyID, author, text string, origin party.Origin) bool
}

type joinRequest struct {
	PartyID  string `json:"partyId"`
	Username string `json:"username"`
}

// messageRequest carries the sender's username for older clients; the name
// given at join-party is the one shown.
type messageRequest struct {
	PartyID  string `json:"partyId"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// ErrorEvent is the payload of the error event.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Client is one audience connection.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

func (c *Client) ID() string { return c.id }

// enqueue drops the connection when its buffer is full.
func (c *Client) enqueue(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		slog.Warn("socket send buffer full, dropping connection", slog.String("conn", c.id))
		c.closed = true
		close(c.send)
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) fail(msg string) {
	c.hub.Send(c.id, party.EventError, ErrorEvent{Message: msg})
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if h := c.hub.getHandler(); h != nil {
			h.LeaveParty(c.id)
		}
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	ctx = context.WithoutCancel(ctx)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("socket closed", slog.String("conn", c.id), slog.Any("err", err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.fail("You are sending messages too quickly.")
			continue
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.fail("Malformed message.")
		return
	}
	h := c.hub.getHandler()
	if h == nil {
		c.fail("Service is starting, try again.")
		return
	}
	switch env.Event {
	case EventJoinParty:
		var req joinRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || strings.TrimSpace(req.PartyID) == "" {
			c.fail("join-party requires a partyId.")
			return
		}
		if _, err := h.JoinParty(req.PartyID, c.id, req.Username); err != nil {
			if errors.Is(err, party.ErrNotFound) {
				c.fail("Party not found.")
				return
			}
			slog.Warn("join party", slog.String("party", req.PartyID), slog.Any("err", err))
			c.fail("Could not join the party.")
		}
	case EventSendMessage:
		var req messageRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.PartyID == "" {
			c.fail("send-message requires a partyId.")
			return
		}
		author, ok := h.MemberName(req.PartyID, c.id)
		if !ok || !c.hub.InRoom(req.PartyID, c.id) {
			c.fail("Join the party before sending messages.")
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			return
		}
		if !h.PostMessage(ctx, req.PartyID, author, req.Message, party.OriginAudience) {
			c.fail("Party not found.")
		}
	default:
		c.fail("Unknown event " + env.Event + ".")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
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
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
