package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/watchparty/db"
)

// maxMessageLen is the chat app's per-message character limit.
const maxMessageLen = 2000

// Bot connects Commands to a discordgo session.
type Bot struct {
	session *discordgo.Session
	cmds    *Commands
	prefix  string
	remove  func()
}

// NewBot creates a session for token. Call Open to connect.
func NewBot(token string, cmds *Commands) (*Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	b := &Bot{session: s, cmds: cmds, prefix: cmds.Prefix}
	if b.prefix == "" {
		b.prefix = "!"
	}
	b.remove = s.AddHandler(b.onMessage)
	return b, nil
}

func (b *Bot) Open() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	slog.Info("discord bot connected")
	return nil
}

func (b *Bot) Close() error {
	if b.remove != nil {
		b.remove()
	}
	return b.session.Close()
}

func (b *Bot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	name, args, rest, ok := ParseCommand(b.prefix, m.Content)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("discord command panic", slog.String("command", name), slog.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := Request{
		GuildID:   m.GuildID,
		GuildName: b.GuildName(m.GuildID),
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		Username:  displayName(m.Author),
		Args:      args,
		Rest:      rest,
	}
	if ch, err := s.State.Channel(m.ChannelID); err == nil {
		req.ChannelName = ch.Name
	}
	if perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID); err == nil {
		req.CanManage = perms&discordgo.PermissionManageServer != 0
	}
	reply, handled := b.cmds.Dispatch(ctx, name, req)
	if !handled || reply == "" {
		return
	}
	if err := b.Send(ctx, m.ChannelID, reply); err != nil {
		slog.Warn("discord reply failed", slog.String("command", name), slog.Any("err", err))
	}
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// Send posts text to a channel, truncated to the message limit. It is the
// discord entry of the relay fanout and the mirror's PostFunc.
func (b *Bot) Send(ctx context.Context, channelID, text string) error {
	if r := []rune(text); len(r) > maxMessageLen {
		text = string(r[:maxMessageLen-1]) + "…"
	}
	_, err := b.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return err
}

// GuildName resolves a guild's name from the session state.
func (b *Bot) GuildName(guildID string) string {
	if guildID == "" {
		return ""
	}
	g, err := b.session.State.Guild(guildID)
	if err != nil {
		return ""
	}
	return g.Name
}

// PartyStarted announces an auto-created party in the rule's channel.
func (b *Bot) PartyStarted(ctx context.Context, rule db.AutoPartyRule, partyID string) error {
	_, err := b.session.ChannelMessageSendEmbed(rule.OriginChannelID, partyEmbed(b.cmds.partyURL(partyID), rule), discordgo.WithContext(ctx))
	return err
}

func partyEmbed(url string, rule db.AutoPartyRule) *discordgo.MessageEmbed {
	desc := fmt.Sprintf("%s just went live. Join the watch party!", rule.TargetChannel)
	if rule.AutoRelay {
		desc += "\nParty chat is relayed to Kick."
	}
	return &discordgo.MessageEmbed{
		Title:       "Watch party: " + rule.TargetChannel,
		URL:         url,
		Description: desc,
		Color:       0x53fc18,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Stream", Value: "https://kick.com/" + rule.TargetChannel, Inline: true},
			{Name: "Party", Value: url, Inline: true},
		},
	}
}
