package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Pusher event names used by Kick's chat rooms.
const (
	evConnectionEstablished = "pusher:connection_established"
	evSubscribe             = "pusher:subscribe"
	evUnsubscribe           = "pusher:unsubscribe"
	evSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	evSubscriptionError     = "pusher:subscription_error"
	evError                 = "pusher:error"
	evPing                  = "pusher:ping"
	evPong                  = "pusher:pong"
	evChatMessage           = `App\Events\ChatMessageEvent`
)

func roomChannel(chatroomID int) string { return "chatrooms." + strconv.Itoa(chatroomID) + ".v2" }

type frameKind int

const (
	frameIgnored frameKind = iota
	frameEstablished
	frameSubscribed
	frameSubscriptionError
	frameError
	framePing
	frameChat
)

type frame struct {
	kind    frameKind
	code    int // pusher error code or subscription status
	message Message
	reason  string
}

type pusherEnvelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type chatPayload struct {
	ID         string `json:"id"`
	ChatroomID int    `json:"chatroom_id"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	CreatedAt  string `json:"created_at"`
	Sender     struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
		Slug     string `json:"slug"`
	} `json:"sender"`
}

// payload unwraps Pusher's data field, which is usually a JSON document
// encoded as a string but is sent as a raw object on some error frames.
func (e pusherEnvelope) payload() []byte {
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return []byte(s)
	}
	return e.Data
}

// decodeFrame parses one Pusher frame. Malformed frames return an error;
// frames the bridge does not care about decode as frameIgnored.
func decodeFrame(raw []byte) (frame, error) {
	var env pusherEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return frame{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Event {
	case evConnectionEstablished:
		return frame{kind: frameEstablished}, nil
	case evSubscriptionSucceeded:
		return frame{kind: frameSubscribed}, nil
	case evPing:
		return frame{kind: framePing}, nil
	case evError:
		var body struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.payload(), &body)
		return frame{kind: frameError, code: body.Code, reason: body.Message}, nil
	case evSubscriptionError:
		var body struct {
			Type   string `json:"type"`
			Error  string `json:"error"`
			Status int    `json:"status"`
		}
		_ = json.Unmarshal(env.payload(), &body)
		return frame{kind: frameSubscriptionError, code: body.Status, reason: body.Error}, nil
	case evChatMessage:
		var p chatPayload
		if err := json.Unmarshal(env.payload(), &p); err != nil {
			return frame{}, fmt.Errorf("decode chat message: %w", err)
		}
		if p.Content == "" || p.Sender.Username == "" {
			return frame{}, errors.New("chat message missing content or sender")
		}
		sent, err := time.Parse(time.RFC3339, p.CreatedAt)
		if err != nil {
			sent = time.Now().UTC()
		}
		return frame{kind: frameChat, message: Message{
			Author:   p.Sender.Username,
			AuthorID: strconv.Itoa(p.Sender.ID),
			Text:     p.Content,
			SentAt:   sent,
		}}, nil
	}
	return frame{kind: frameIgnored}, nil
}

// PusherTransport speaks the Pusher protocol over gorilla/websocket.
type PusherTransport struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (t *PusherTransport) dialer() *websocket.Dialer {
	if t.Dialer != nil {
		return t.Dialer
	}
	return websocket.DefaultDialer
}

// Open dials ep, waits for the connection handshake and subscribes to the
// chatroom. ctx bounds the handshake only; the returned conn outlives it.
func (t *PusherTransport) Open(ctx context.Context, ep Endpoint, chatroomID int) (Conn, error) {
	ws, _, err := t.dialer().DialContext(ctx, ep.URL, t.Header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fail(Retryable, 0, fmt.Errorf("dial %s: %w", ep.Name, err))
	}
	// Unblock reads if ctx ends mid-handshake.
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	c := &pusherConn{ws: ws, channel: roomChannel(chatroomID)}
	if err := c.handshake(); err != nil {
		stop()
		_ = ws.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !stop() {
		// ctx ended right as the handshake finished; the socket is closed.
		return nil, ctx.Err()
	}
	return c, nil
}

type pusherConn struct {
	ws      *websocket.Conn
	channel string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *pusherConn) write(event string, data any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(map[string]any{"event": event, "data": data})
}

func (c *pusherConn) handshake() error {
	subscribed := false
	for !subscribed {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return fail(Retryable, 0, fmt.Errorf("read handshake: %w", err))
		}
		f, err := decodeFrame(raw)
		if err != nil {
			continue
		}
		switch f.kind {
		case frameEstablished:
			if err := c.write(evSubscribe, map[string]string{"auth": "", "channel": c.channel}); err != nil {
				return fail(Retryable, 0, fmt.Errorf("subscribe: %w", err))
			}
		case frameSubscribed:
			subscribed = true
		case frameSubscriptionError:
			return fail(subscriptionErrorClass(f.code), f.code, fmt.Errorf("subscription rejected: %s", f.reason))
		case frameError:
			return fail(pusherErrorClass(f.code), f.code, fmt.Errorf("pusher error: %s", f.reason))
		case framePing:
			_ = c.write(evPong, map[string]any{})
		}
	}
	return nil
}

// Recv blocks for the next chat message, answering pings along the way.
func (c *pusherConn) Recv() (Message, error) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		f, err := decodeFrame(raw)
		if err != nil {
			slog.Debug("dropping malformed pusher frame", slog.Any("err", err), slog.String("component", "bridge"))
			dropMalformed()
			continue
		}
		switch f.kind {
		case frameChat:
			return f.message, nil
		case framePing:
			if err := c.write(evPong, map[string]any{}); err != nil {
				return Message{}, err
			}
		case frameError:
			return Message{}, fail(pusherErrorClass(f.code), f.code, fmt.Errorf("pusher error: %s", f.reason))
		}
	}
}

func (c *pusherConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.write(evUnsubscribe, map[string]string{"channel": c.channel})
		err = c.ws.Close()
	})
	return err
}
