// Package party owns watch-party sessions: membership, chat history and the
// relay edges between the web audience and the platform chat.
package party

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("party not found")
	ErrExists   = errors.New("party already exists")
	// ErrEnded matches ErrNotFound: an ended party accepts no further events.
	ErrEnded = fmt.Errorf("%w: ended", ErrNotFound)
)

// Origin tags where a chat message came from.
type Origin string

const (
	OriginAudience Origin = "audience"
	OriginPlatform Origin = "platform"
	OriginSystem   Origin = "system"
)

// Socket events sent to audience members.
const (
	EventPartyInfo    = "party-info"
	EventViewerJoined = "viewer-joined"
	EventViewerLeft   = "viewer-left"
	EventNewMessage   = "new-message"
	EventPartyEnded   = "party-ended"
	EventError        = "error"
)

const (
	// SnapshotMessages is how many recent messages a snapshot carries.
	SnapshotMessages = 50
	maxHistory       = 500
	maxNameLen       = 32
	maxTextLen       = 500
)

type ChatMessage struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Origin    Origin    `json:"origin"`
}

type Member struct {
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Options configure CreateParty.
type Options struct {
	Channel         string
	GuildID         string
	GuildName       string
	OriginChannelID string
	RelayToPlatform bool
	TwoWayChat      bool
	// Embedded parties are shown inside the chat app rather than the web UI.
	Embedded    bool
	AutoCreated bool
}

// Party is the mutable session record held by a Repository.
type Party struct {
	ID              string
	Channel         string
	GuildID         string
	GuildName       string
	OriginChannelID string
	CreatedAt       time.Time
	RelayToPlatform bool
	TwoWayChat      bool
	Embedded        bool
	AutoCreated     bool
	Ended           bool

	Messages []ChatMessage
	Members  map[string]Member
}

func (p *Party) append(m ChatMessage) {
	p.Messages = append(p.Messages, m)
	if n := len(p.Messages); n > maxHistory {
		p.Messages = append([]ChatMessage(nil), p.Messages[n-maxHistory:]...)
	}
}

func (p *Party) recent() []ChatMessage {
	msgs := p.Messages
	if len(msgs) > SnapshotMessages {
		msgs = msgs[len(msgs)-SnapshotMessages:]
	}
	return append([]ChatMessage{}, msgs...)
}

// Snapshot is what a joining member receives.
type Snapshot struct {
	PartyID         string        `json:"partyId"`
	Channel         string        `json:"channel"`
	GuildName       string        `json:"guildName"`
	ViewerCount     int           `json:"viewerCount"`
	Messages        []ChatMessage `json:"messages"`
	RelayToPlatform bool          `json:"relayToKick"`
	TwoWayChat      bool          `json:"twoWayChat"`
	CreatedAt       time.Time     `json:"createdAt"`
}

func (p *Party) snapshot() Snapshot {
	return Snapshot{
		PartyID:         p.ID,
		Channel:         p.Channel,
		GuildName:       p.GuildName,
		ViewerCount:     len(p.Members),
		Messages:        p.recent(),
		RelayToPlatform: p.RelayToPlatform,
		TwoWayChat:      p.TwoWayChat,
		CreatedAt:       p.CreatedAt,
	}
}

// View is a read-only projection of a party.
type View struct {
	Snapshot
	GuildID         string `json:"guildId"`
	OriginChannelID string `json:"originChannelId"`
	Embedded        bool   `json:"embedded"`
	AutoCreated     bool   `json:"autoCreated"`
	BridgeConnected bool   `json:"kickChatConnected"`
}

func (p *Party) view() View {
	return View{
		Snapshot:        p.snapshot(),
		GuildID:         p.GuildID,
		OriginChannelID: p.OriginChannelID,
		Embedded:        p.Embedded,
		AutoCreated:     p.AutoCreated,
	}
}

// ViewerEvent is the payload of viewer-joined and viewer-left.
type ViewerEvent struct {
	Username    string `json:"username"`
	ViewerCount int    `json:"viewerCount"`
}

// EndedEvent is the payload of party-ended.
type EndedEvent struct {
	PartyID string `json:"partyId"`
	Message string `json:"message"`
}

// Transcript is handed to the Archiver when a party ends.
type Transcript struct {
	PartyID   string        `json:"partyId"`
	Channel   string        `json:"channel"`
	GuildID   string        `json:"guildId"`
	GuildName string        `json:"guildName"`
	CreatedAt time.Time     `json:"createdAt"`
	EndedAt   time.Time     `json:"endedAt"`
	Messages  []ChatMessage `json:"messages"`
}
