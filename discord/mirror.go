package discord

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/watchparty/bridge"
)

// Subscriber is the part of the platform chat bridge a Mirror uses.
type Subscriber interface {
	Connect(ctx context.Context, key, slug string, sink chan<- bridge.Message) bool
	Disconnect(key string)
}

// PostFunc sends text to a chat-app channel.
type PostFunc func(ctx context.Context, channelID, text string) error

// MirrorKey is the bridge subscription key of a mirrored chat-app channel.
func MirrorKey(channelID string) string { return "mirror:" + channelID }

// Mirror copies Kick chat into chat-app channels, one Kick channel per
// chat-app channel.
type Mirror struct {
	sub  Subscriber
	post PostFunc
	sink chan bridge.Message

	mu       sync.Mutex
	watching map[string]string // chat-app channel id -> kick slug
}

func NewMirror(sub Subscriber, post PostFunc) *Mirror {
	return &Mirror{
		sub:      sub,
		post:     post,
		sink:     make(chan bridge.Message, 128),
		watching: make(map[string]string),
	}
}

// Watch replaces any mirror in channelID with slug's chat. It blocks until
// the bridge connects or gives up.
func (m *Mirror) Watch(ctx context.Context, channelID, slug string) bool {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if channelID == "" || slug == "" {
		return false
	}
	m.Unwatch(channelID)
	if !m.sub.Connect(context.WithoutCancel(ctx), MirrorKey(channelID), slug, m.sink) {
		return false
	}
	m.mu.Lock()
	m.watching[channelID] = slug
	m.mu.Unlock()
	slog.Info("mirroring kick chat", slog.String("channel", slug), slog.String("discord_channel", channelID))
	return true
}

// Unwatch stops the mirror in channelID, reporting whether one existed.
func (m *Mirror) Unwatch(channelID string) bool {
	m.mu.Lock()
	_, ok := m.watching[channelID]
	delete(m.watching, channelID)
	m.mu.Unlock()
	if ok {
		m.sub.Disconnect(MirrorKey(channelID))
	}
	return ok
}

// Watching returns the slug mirrored in channelID, or "".
func (m *Mirror) Watching(channelID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watching[channelID]
}

// Run posts mirrored messages until ctx is done, then drops every mirror.
func (m *Mirror) Run(ctx context.Context) {
	defer m.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.sink:
			m.forward(ctx, msg)
		}
	}
}

func (m *Mirror) forward(ctx context.Context, msg bridge.Message) {
	channelID, ok := strings.CutPrefix(msg.Key, "mirror:")
	if !ok || m.Watching(channelID) == "" {
		return
	}
	text := "**" + msg.Author + "**: " + msg.Text
	if err := m.post(ctx, channelID, text); err != nil {
		slog.Warn("mirror post failed", slog.String("discord_channel", channelID), slog.Any("err", err))
	}
}

func (m *Mirror) stop() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.watching))
	for id := range m.watching {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Unwatch(id)
	}
}
