package party

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/watchparty/bridge"
	"github.com/onnwee/watchparty/db"
	"github.com/onnwee/watchparty/telemetry"
)

// Broadcaster delivers events to rooms of audience connections. Broadcasts
// are always scoped to one room. Join, Send and Broadcast may be called with
// a party locked, so they must not block or call back into the Manager.
type Broadcaster interface {
	Join(room, connID string)
	Leave(room, connID string)
	Broadcast(room, event string, payload any, except string)
	Send(connID, event string, payload any)
	Evict(room string)
}

// Bridge is the part of *bridge.Bridge the manager uses.
type Bridge interface {
	Connect(ctx context.Context, key, slug string, sink chan<- bridge.Message) bool
	Disconnect(key string)
	SendMessage(ctx context.Context, slug, text string) bool
	Connected(key string) bool
}

// SettingsStore persists party settings rows.
type SettingsStore interface {
	SaveParty(ctx context.Context, p db.PartyRecord) error
	SetPartyRelay(ctx context.Context, id string, enabled bool) error
	MarkPartyEnded(ctx context.Context, id string) error
}

// Archiver receives the transcript of every ended party.
type Archiver interface {
	Archive(ctx context.Context, t Transcript) error
}

// IDFunc generates a candidate party id.
type IDFunc func() string

// ShortID returns 10 hex characters of a random UUID.
func ShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// Config wires a Manager. Repo and Broadcaster are required.
type Config struct {
	Repo        Repository
	Broadcaster Broadcaster
	Bridge      Bridge
	Settings    SettingsStore
	Archiver    Archiver
	// Tag prefixes audience messages forwarded to platform chat.
	Tag    string
	NewID  IDFunc
	Now    func() time.Time
	Logger *slog.Logger
}

// Manager is the watch-party session manager.
type Manager struct {
	repo     Repository
	hub      Broadcaster
	bridge   Bridge
	settings SettingsStore
	archiver Archiver
	tag      string
	newID    IDFunc
	now      func() time.Time
	log      *slog.Logger

	inbound chan bridge.Message
	wg      sync.WaitGroup
}

const idAttempts = 8

func NewManager(cfg Config) *Manager {
	m := &Manager{
		repo:     cfg.Repo,
		hub:      cfg.Broadcaster,
		bridge:   cfg.Bridge,
		settings: cfg.Settings,
		archiver: cfg.Archiver,
		tag:      cfg.Tag,
		newID:    cfg.NewID,
		now:      cfg.Now,
		log:      cfg.Logger,
		inbound:  make(chan bridge.Message, 256),
	}
	if m.repo == nil {
		m.repo = NewMemoryRepository()
	}
	if m.newID == nil {
		m.newID = ShortID
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With(slog.String("component", "party"))
	return m
}

// Inbound is the sink the bridge delivers platform chat onto.
func (m *Manager) Inbound() chan<- bridge.Message { return m.inbound }

// Wait blocks until background work (bridge attach, archiving) finishes.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) async(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// CreateParty opens a party and returns its id. With TwoWayChat the platform
// chat subscription is attached in the background; failing to attach leaves
// the party running one-way.
func (m *Manager) CreateParty(ctx context.Context, opts Options) (string, error) {
	channel := strings.ToLower(strings.TrimSpace(opts.Channel))
	if channel == "" {
		return "", errors.New("channel is required")
	}
	p := &Party{
		Channel:         channel,
		GuildID:         opts.GuildID,
		GuildName:       opts.GuildName,
		OriginChannelID: opts.OriginChannelID,
		CreatedAt:       m.now().UTC(),
		RelayToPlatform: opts.RelayToPlatform,
		TwoWayChat:      opts.TwoWayChat,
		Embedded:        opts.Embedded,
		AutoCreated:     opts.AutoCreated,
		Members:         make(map[string]Member),
	}
	var err error
	for i := 0; i < idAttempts; i++ {
		p.ID = m.newID()
		if err = m.repo.Create(p); !errors.Is(err, ErrExists) {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("allocate party id: %w", err)
	}
	telemetry.AddParties(1)
	log := m.log.With(slog.String("party", p.ID), slog.String("channel", channel))
	log.Info("party created", slog.String("guild", opts.GuildName), slog.Bool("relay", opts.RelayToPlatform), slog.Bool("two_way", opts.TwoWayChat))

	if m.settings != nil {
		rec := db.PartyRecord{
			ID: p.ID, Channel: channel, GuildID: opts.GuildID, GuildName: opts.GuildName,
			OriginChannelID: opts.OriginChannelID, RelayToPlatform: opts.RelayToPlatform,
			TwoWayChat: opts.TwoWayChat, AutoCreated: opts.AutoCreated, CreatedAt: p.CreatedAt,
		}
		if err := m.settings.SaveParty(ctx, rec); err != nil {
			log.Warn("failed to persist party settings", slog.Any("err", err))
		}
	}

	if opts.TwoWayChat && m.bridge != nil {
		id := p.ID
		bctx := context.WithoutCancel(ctx)
		m.async(func() { m.attachBridge(bctx, id, channel) })
	}
	return p.ID, nil
}

func (m *Manager) attachBridge(ctx context.Context, id, channel string) {
	ok := m.bridge.Connect(ctx, id, channel, m.inbound)
	// The party may have ended while the subscription was being set up.
	if err := m.repo.View(id, func(*Party) {}); err != nil {
		m.bridge.Disconnect(id)
		return
	}
	if !ok {
		m.log.Warn("platform chat unavailable, party continues one-way", slog.String("party", id), slog.String("channel", channel))
		m.PostMessage(ctx, id, "system", "Kick chat is unavailable for this channel; showing watch party chat only.", OriginSystem)
	}
}

func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Anonymous"
	}
	if r := []rune(name); len(r) > maxNameLen {
		name = string(r[:maxNameLen])
	}
	return name
}

// JoinParty registers connID in the party and returns its snapshot. The
// joiner receives party-info; everyone else in the room gets viewer-joined.
// A connection belongs to one party at a time, so joining leaves any other.
//
// The room join happens under the party lock, so a concurrent EndParty
// either rejects the join or evicts the new member along with the rest.
func (m *Manager) JoinParty(partyID, connID, name string) (Snapshot, error) {
	name = cleanName(name)
	m.leave(connID, partyID)

	var snap Snapshot
	err := m.repo.Update(partyID, func(p *Party) error {
		prev, already := p.Members[connID]
		joined := m.now().UTC()
		if already {
			joined = prev.JoinedAt
		}
		p.Members[connID] = Member{Name: name, JoinedAt: joined}
		snap = p.snapshot()

		m.hub.Join(partyID, connID)
		m.hub.Send(connID, EventPartyInfo, snap)
		if !already {
			m.hub.Broadcast(partyID, EventViewerJoined, ViewerEvent{Username: name, ViewerCount: snap.ViewerCount}, connID)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// MemberName returns the display name connID joined partyID with.
func (m *Manager) MemberName(partyID, connID string) (string, bool) {
	var name string
	var ok bool
	_ = m.repo.View(partyID, func(p *Party) {
		var mem Member
		mem, ok = p.Members[connID]
		name = mem.Name
	})
	return name, ok
}

// LeaveParty removes connID from every party it is in.
func (m *Manager) LeaveParty(connID string) {
	m.leave(connID, "")
}

func (m *Manager) leave(connID, except string) {
	for _, id := range m.repo.IDs() {
		if id == except {
			continue
		}
		var removed bool
		var ev ViewerEvent
		_ = m.repo.Update(id, func(p *Party) error {
			mem, ok := p.Members[connID]
			if !ok {
				return nil
			}
			delete(p.Members, connID)
			removed = true
			ev = ViewerEvent{Username: mem.Name, ViewerCount: len(p.Members)}
			return nil
		})
		if removed {
			m.hub.Leave(id, connID)
			m.hub.Broadcast(id, EventViewerLeft, ev, "")
		}
	}
}

// PostMessage appends a message and broadcasts it to the room. It is a no-op
// returning false when the party does not exist. Audience messages are
// forwarded to platform chat when relay is on at the time of the call;
// forwarding failures are logged only.
func (m *Manager) PostMessage(ctx context.Context, partyID, author, text string, origin Origin) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if r := []rune(text); len(r) > maxTextLen {
		text = string(r[:maxTextLen])
	}
	msg := ChatMessage{Author: cleanName(author), Text: text, Timestamp: m.now().UTC(), Origin: origin}
	var relay bool
	var channel string
	// broadcast under the lock so viewers see messages in history order
	err := m.repo.Update(partyID, func(p *Party) error {
		p.append(msg)
		relay = p.RelayToPlatform
		channel = p.Channel
		m.hub.Broadcast(partyID, EventNewMessage, msg, "")
		return nil
	})
	if err != nil {
		return false
	}
	telemetry.PartyMessage(string(origin))

	if origin == OriginAudience && relay && m.bridge != nil {
		out := fmt.Sprintf("%s %s: %s", m.tag, msg.Author, msg.Text)
		if m.bridge.SendMessage(ctx, channel, strings.TrimSpace(out)) {
			telemetry.RelayForward("ok")
		} else {
			telemetry.RelayForward("error")
			m.log.Warn("relay to platform chat failed", slog.String("party", partyID), slog.String("channel", channel))
		}
	}
	return true
}

// SetRelay toggles forwarding of audience messages to platform chat.
func (m *Manager) SetRelay(ctx context.Context, partyID string, enabled bool) bool {
	err := m.repo.Update(partyID, func(p *Party) error {
		p.RelayToPlatform = enabled
		return nil
	})
	if err != nil {
		return false
	}
	if m.settings != nil {
		if err := m.settings.SetPartyRelay(ctx, partyID, enabled); err != nil {
			m.log.Warn("failed to persist relay toggle", slog.String("party", partyID), slog.Any("err", err))
		}
	}
	return true
}

// EndParty terminates a party: the platform subscription is detached, the
// room is told and evicted, and the party is deleted. The transcript is
// archived in the background.
func (m *Manager) EndParty(ctx context.Context, partyID string) bool {
	p, ok := m.repo.Delete(partyID)
	if !ok {
		return false
	}
	telemetry.AddParties(-1)
	if m.bridge != nil {
		m.bridge.Disconnect(partyID)
	}
	m.hub.Broadcast(partyID, EventPartyEnded, EndedEvent{PartyID: partyID, Message: "The watch party has ended."}, "")
	m.hub.Evict(partyID)
	m.log.Info("party ended", slog.String("party", partyID), slog.Int("messages", len(p.Messages)))

	if m.settings != nil {
		if err := m.settings.MarkPartyEnded(ctx, partyID); err != nil {
			m.log.Warn("failed to persist party end", slog.String("party", partyID), slog.Any("err", err))
		}
	}
	if m.archiver != nil && len(p.Messages) > 0 {
		t := Transcript{
			PartyID: p.ID, Channel: p.Channel, GuildID: p.GuildID, GuildName: p.GuildName,
			CreatedAt: p.CreatedAt, EndedAt: m.now().UTC(), Messages: p.Messages,
		}
		actx := context.WithoutCancel(ctx)
		m.async(func() {
			actx, cancel := context.WithTimeout(actx, 2*time.Minute)
			defer cancel()
			if err := m.archiver.Archive(actx, t); err != nil {
				m.log.Warn("failed to archive transcript", slog.String("party", t.PartyID), slog.Any("err", err))
			}
		})
	}
	return true
}

// GetParty returns a read-only view, including platform chat health.
func (m *Manager) GetParty(partyID string) (View, bool) {
	var v View
	if err := m.repo.View(partyID, func(p *Party) { v = p.view() }); err != nil {
		return View{}, false
	}
	if m.bridge != nil {
		v.BridgeConnected = m.bridge.Connected(partyID)
	}
	return v, true
}

// List returns every open party, oldest first.
func (m *Manager) List() []View {
	var out []View
	for _, id := range m.repo.IDs() {
		if v, ok := m.GetParty(id); ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveForOrigin returns the newest open party started from the given
// chat-app channel.
func (m *Manager) ActiveForOrigin(originChannelID string) (View, bool) {
	var best View
	found := false
	for _, v := range m.List() {
		if v.OriginChannelID == originChannelID {
			best, found = v, true
		}
	}
	return best, found
}

// Run delivers platform chat from the bridge into parties until ctx ends.
// Messages for parties that ended in flight are dropped by PostMessage.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case msg := <-m.inbound:
			if !m.PostMessage(ctx, msg.Key, msg.Author, msg.Text, OriginPlatform) {
				m.log.Debug("dropping platform message for missing party", slog.String("party", msg.Key))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown ends every open party.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, id := range m.repo.IDs() {
		m.EndParty(ctx, id)
	}
	m.Wait()
}
