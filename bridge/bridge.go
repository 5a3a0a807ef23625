// Package bridge maintains live subscriptions to Kick chat rooms. Each
// subscription is a small state machine (Idle, Connecting, Subscribed,
// Disconnected, Closed) that walks an ordered list of candidate endpoints
// and delivers normalized messages onto a caller-supplied channel.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/watchparty/telemetry"
)

// State of one subscription.
type State int

const (
	Idle State = iota
	Connecting
	Subscribed
	Disconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Message is a normalized inbound chat message.
type Message struct {
	// Key is the subscription key passed to Connect (a party id or a
	// listener key), so one sink can serve many subscriptions.
	Key      string
	Channel  string
	Author   string
	AuthorID string
	Text     string
	SentAt   time.Time
}

// Conn is an open, subscribed transport connection.
type Conn interface {
	// Recv blocks for the next chat message. Close unblocks it.
	Recv() (Message, error)
	Close() error
}

// Transport opens subscriptions. Open must return only once the chatroom
// subscription is confirmed, and must classify failures with *Failure.
type Transport interface {
	Open(ctx context.Context, ep Endpoint, chatroomID int) (Conn, error)
}

// Endpoint is one candidate connection configuration.
type Endpoint struct {
	Name      string
	URL       string
	Transport Transport
}

// Resolver maps a channel slug to its chatroom id (0 when it has none).
type Resolver interface {
	ChatroomID(ctx context.Context, slug string) (int, error)
}

// Sender posts to a channel's chat through the authenticated write API.
type Sender interface {
	SendChat(ctx context.Context, slug, text string) error
}

const (
	DefaultAttemptTimeout    = 10 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultMaxReconnectDelay = 2 * time.Minute
	DefaultMaxRetries        = 1
)

// Bridge owns all subscriptions. The zero value is not usable; use New.
type Bridge struct {
	Resolver  Resolver
	Sender    Sender
	Endpoints []Endpoint
	// Tag is the provenance prefix the service adds to forwarded messages.
	// Inbound messages containing it are dropped to break echo loops.
	Tag string

	AttemptTimeout time.Duration
	// ReconnectDelay is the first wait after a drop; it doubles after each
	// failed reconnect round up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxRetries        int

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	key    string
	slug   string
	sink   chan<- Message
	state  State
	conn   Conn
	cancel context.CancelFunc
}

// New returns a bridge with default timeouts.
func New(resolver Resolver, sender Sender, endpoints []Endpoint, tag string) *Bridge {
	return &Bridge{
		Resolver:          resolver,
		Sender:            sender,
		Endpoints:         endpoints,
		Tag:               tag,
		AttemptTimeout:    DefaultAttemptTimeout,
		ReconnectDelay:    DefaultReconnectDelay,
		MaxReconnectDelay: DefaultMaxReconnectDelay,
		MaxRetries:        DefaultMaxRetries,
		subs:              make(map[string]*subscription),
	}
}

func logger() *slog.Logger { return slog.Default().With(slog.String("component", "bridge")) }

// Connect subscribes key to slug's chat and reports whether it reached
// Subscribed. Messages are delivered on sink until Disconnect. A key that is
// already subscribed or connecting is left alone. Failures never escape:
// an unavailable channel ends in Closed and returns false.
func (b *Bridge) Connect(ctx context.Context, key, slug string, sink chan<- Message) bool {
	slug = strings.ToLower(strings.TrimSpace(slug))
	b.mu.Lock()
	if cur, ok := b.subs[key]; ok && (cur.state == Connecting || cur.state == Subscribed || cur.state == Disconnected) {
		b.mu.Unlock()
		return cur.state == Subscribed
	}
	// The subscription lives until Disconnect, not until the caller's ctx ends.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{key: key, slug: slug, sink: sink, state: Connecting, cancel: cancel}
	b.subs[key] = sub
	b.mu.Unlock()

	log := logger().With(slog.String("key", key), slog.String("channel", slug))

	rctx, rcancel := context.WithTimeout(subCtx, b.attemptTimeout())
	room, err := b.Resolver.ChatroomID(rctx, slug)
	rcancel()
	if err != nil || room == 0 {
		log.Warn("no chatroom for channel, two-way chat unavailable", slog.Any("err", err))
		b.terminate(sub)
		return false
	}

	conn, err := b.dial(subCtx, sub, room)
	if err != nil {
		if subCtx.Err() == nil {
			log.Warn("all chat endpoints failed, two-way chat unavailable", slog.Any("err", err))
		}
		b.terminate(sub)
		return false
	}
	if !b.promote(sub, conn) {
		log.Debug("subscription cancelled while connecting")
		_ = conn.Close()
		return false
	}
	log.Info("chat subscription established", slog.Int("chatroom", room))
	go b.pump(subCtx, sub, room, conn)
	return true
}

// promote moves sub to Subscribed with conn unless it was disconnected in
// the meantime.
func (b *Bridge) promote(sub *subscription, conn Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub.key] != sub || sub.state == Closed {
		return false
	}
	sub.conn = conn
	sub.state = Subscribed
	telemetry.AddSubscriptions(1)
	return true
}

func (b *Bridge) setState(sub *subscription, s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.state == Closed {
		return
	}
	if sub.state == Subscribed && s != Subscribed {
		telemetry.AddSubscriptions(-1)
	}
	sub.state = s
}

// terminate ends sub. The entry stays in the map so State reports Closed
// until the next Connect or Disconnect.
func (b *Bridge) terminate(sub *subscription) {
	b.setState(sub, Closed)
	sub.cancel()
}

func (b *Bridge) attemptTimeout() time.Duration {
	if b.AttemptTimeout > 0 {
		return b.AttemptTimeout
	}
	return DefaultAttemptTimeout
}

// dial walks the endpoints in order until one subscribes.
func (b *Bridge) dial(ctx context.Context, sub *subscription, room int) (Conn, error) {
	log := logger().With(slog.String("key", sub.key), slog.String("channel", sub.slug))
	for _, ep := range b.Endpoints {
		for attempt := 0; ; attempt++ {
			actx, cancel := context.WithTimeout(ctx, b.attemptTimeout())
			conn, err := ep.Transport.Open(actx, ep, room)
			timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
			cancel()
			if err == nil {
				telemetry.BridgeConnect(ep.Name, "ok")
				return conn, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			telemetry.BridgeConnect(ep.Name, "error")
			class := Classify(err)
			if timedOut {
				class = FatalEndpoint
			}
			log.Debug("chat endpoint attempt failed",
				slog.String("endpoint", ep.Name), slog.Int("attempt", attempt+1),
				slog.String("class", class.String()), slog.Any("err", err))
			if class == FatalAll {
				return nil, err
			}
			if class == Retryable && attempt < b.MaxRetries {
				continue
			}
			break
		}
	}
	return nil, ErrUnavailable
}

// pump forwards messages from conn and reconnects after unexpected drops.
// Reconnect rounds repeat with growing delays until one succeeds, the
// subscription is disconnected, or a round fails with a FatalAll error.
func (b *Bridge) pump(ctx context.Context, sub *subscription, room int, conn Conn) {
	log := logger().With(slog.String("key", sub.key), slog.String("channel", sub.slug))
	for {
		msg, err := conn.Recv()
		if err == nil {
			if b.Tag != "" && strings.Contains(msg.Text, b.Tag) {
				telemetry.BridgeDrop("echo")
				continue
			}
			msg.Key = sub.key
			msg.Channel = sub.slug
			select {
			case sub.sink <- msg:
			case <-ctx.Done():
				return
			}
			continue
		}

		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn("chat subscription dropped, reconnecting", slog.Any("err", err), slog.Duration("delay", b.reconnectDelay()))
		next, ok := b.reconnect(ctx, sub, room)
		if !ok {
			return
		}
		conn = next
	}
}

// reconnect redials until sub is Subscribed again. It returns false when the
// subscription ended: cancelled, disconnected or failed fatally.
func (b *Bridge) reconnect(ctx context.Context, sub *subscription, room int) (Conn, bool) {
	log := logger().With(slog.String("key", sub.key), slog.String("channel", sub.slug))
	delay := b.reconnectDelay()
	for round := 1; ; round++ {
		b.setState(sub, Disconnected)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, false
		}
		b.setState(sub, Connecting)
		next, err := b.dial(ctx, sub, room)
		if err == nil {
			if !b.promote(sub, next) {
				_ = next.Close()
				return nil, false
			}
			if round > 1 {
				log.Info("chat subscription restored", slog.Int("rounds", round))
			}
			return next, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		if !errors.Is(err, ErrUnavailable) {
			log.Warn("reconnect failed, two-way chat unavailable", slog.Any("err", err))
			b.terminate(sub)
			return nil, false
		}
		delay = b.nextDelay(delay)
		log.Warn("reconnect round failed, retrying", slog.Int("round", round), slog.Duration("delay", delay))
	}
}

func (b *Bridge) reconnectDelay() time.Duration {
	if b.ReconnectDelay > 0 {
		return b.ReconnectDelay
	}
	return DefaultReconnectDelay
}

func (b *Bridge) nextDelay(d time.Duration) time.Duration {
	limit := b.MaxReconnectDelay
	if limit <= 0 {
		limit = DefaultMaxReconnectDelay
	}
	if d *= 2; d > limit {
		d = limit
	}
	return d
}

// Disconnect tears down key's subscription. Safe to call repeatedly and
// for keys that never connected.
func (b *Bridge) Disconnect(key string) {
	b.mu.Lock()
	sub, ok := b.subs[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, key)
	if sub.state == Subscribed {
		telemetry.AddSubscriptions(-1)
	}
	sub.state = Closed
	conn := sub.conn
	sub.conn = nil
	b.mu.Unlock()

	sub.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	logger().Debug("chat subscription closed", slog.String("key", key))
}

// Connected reports whether key is currently Subscribed.
func (b *Bridge) Connected(key string) bool {
	return b.State(key) == Subscribed
}

// State returns key's subscription state; unknown keys are Idle.
func (b *Bridge) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[key]; ok {
		return sub.state
	}
	return Idle
}

// SendMessage posts text to slug's chat. Errors are logged, never returned.
func (b *Bridge) SendMessage(ctx context.Context, slug, text string) bool {
	if b.Sender == nil {
		return false
	}
	if err := b.Sender.SendChat(ctx, slug, text); err != nil {
		logger().Warn("platform chat send failed", slog.String("channel", slug), slog.Any("err", err))
		return false
	}
	return true
}

// Close disconnects every subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.subs))
	for k := range b.subs {
		keys = append(keys, k)
	}
	b.mu.Unlock()
	for _, k := range keys {
		b.Disconnect(k)
	}
}

func dropMalformed() { telemetry.BridgeDrop("malformed") }
