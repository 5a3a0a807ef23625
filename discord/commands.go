// Package discord is the chat-app command surface: a pure command dispatcher
// plus the discordgo glue that feeds it.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/watchparty/db"
	"github.com/onnwee/watchparty/kickapi"
	"github.com/onnwee/watchparty/party"
	"github.com/onnwee/watchparty/relay"
)

// Parties is the session manager surface commands use.
type Parties interface {
	CreateParty(ctx context.Context, opts party.Options) (string, error)
	EndParty(ctx context.Context, id string) bool
	SetRelay(ctx context.Context, id string, enabled bool) bool
	ActiveForOrigin(originChannelID string) (party.View, bool)
}

type Rules interface {
	AddRule(ctx context.Context, r db.AutoPartyRule) (db.AutoPartyRule, error)
	RemoveRule(ctx context.Context, guildID, originChannelID, target string) error
	ListRulesByGuild(ctx context.Context, guildID string) ([]db.AutoPartyRule, error)
}

type Relay interface {
	SendMessage(ctx context.Context, from relay.Sender, target, text string) relay.Reply
	Streamers(ctx context.Context) ([]db.Account, error)
	Online(ctx context.Context) ([]db.Account, error)
}

// ChannelLookup validates Kick channel names.
type ChannelLookup interface {
	Channel(ctx context.Context, slug string) (kickapi.ChannelInfo, error)
}

// Mirrorer copies a Kick channel's chat into a chat-app channel.
type Mirrorer interface {
	Watch(ctx context.Context, channelID, slug string) bool
	Unwatch(channelID string) bool
}

// Request is one invocation of a chat-app command.
type Request struct {
	GuildID     string
	GuildName   string
	ChannelID   string
	ChannelName string
	UserID      string
	Username    string
	// CanManage is true when the user may manage the guild.
	CanManage bool
	Args      []string
	// Rest is the raw text after the command name.
	Rest string
}

// Commands dispatches chat-app commands.
type Commands struct {
	Parties  Parties
	Rules    Rules
	Relay    Relay
	Channels ChannelLookup
	Mirror   Mirrorer
	Audio    AudioPipeline
	// PublicURL is the base of party links.
	PublicURL  string
	Prefix     string
	TwoWayChat bool
}

const msgNoParty = "No watch party is running in this channel."

// Dispatch runs command name and returns the reply. ok is false for
// unknown commands.
func (c *Commands) Dispatch(ctx context.Context, name string, req Request) (reply string, ok bool) {
	switch strings.ToLower(name) {
	case "watch":
		return c.watch(ctx, req), true
	case "unwatch":
		if c.Mirror != nil && c.Mirror.Unwatch(req.ChannelID) {
			return "Stopped mirroring Kick chat in this channel.", true
		}
		return "Nothing is being mirrored in this channel.", true
	case "watchparty":
		return c.watchParty(ctx, req), true
	case "endparty":
		v, found := c.Parties.ActiveForOrigin(req.ChannelID)
		if !found || !c.Parties.EndParty(ctx, v.PartyID) {
			return msgNoParty, true
		}
		return fmt.Sprintf("Watch party for %s has ended.", v.Channel), true
	case "relayon", "relayoff":
		on := strings.EqualFold(name, "relayon")
		v, found := c.Parties.ActiveForOrigin(req.ChannelID)
		if !found || !c.Parties.SetRelay(ctx, v.PartyID, on) {
			return msgNoParty, true
		}
		if on {
			return fmt.Sprintf("Party chat is now relayed to kick.com/%s.", v.Channel), true
		}
		return "Party chat is no longer relayed to Kick.", true
	case "autoparty":
		return c.autoParty(ctx, req), true
	case "stream", "browserstream":
		return c.stream(ctx, req, strings.EqualFold(name, "browserstream")), true
	case "message":
		return c.message(ctx, req), true
	case "streamers":
		accts, err := c.Relay.Streamers(ctx)
		if err != nil {
			slog.Warn("list streamers", slog.Any("err", err))
			return "Couldn't load the streamer list right now.", true
		}
		if len(accts) == 0 {
			return "No streamers are registered yet.", true
		}
		return "Registered streamers: " + joinSlugs(accts), true
	case "online":
		accts, err := c.Relay.Online(ctx)
		if err != nil {
			slog.Warn("list online streamers", slog.Any("err", err))
			return "Couldn't check who is live right now.", true
		}
		if len(accts) == 0 {
			return "No registered streamers are live right now.", true
		}
		return "Live now: " + joinSlugs(accts), true
	case "help":
		return c.help(), true
	}
	return "", false
}

func joinSlugs(accts []db.Account) string {
	out := make([]string, len(accts))
	for i, a := range accts {
		out[i] = a.Slug
	}
	return strings.Join(out, ", ")
}

func (c *Commands) usage(s string) string { return "Usage: " + c.Prefix + s }

func (c *Commands) partyURL(id string) string {
	return strings.TrimRight(c.PublicURL, "/") + "/party/" + id
}

// checkChannel reports a user-facing problem with slug, or "".
func (c *Commands) checkChannel(ctx context.Context, slug string) string {
	if c.Channels == nil {
		return ""
	}
	_, err := c.Channels.Channel(ctx, slug)
	switch {
	case errors.Is(err, kickapi.ErrChannelNotFound):
		return fmt.Sprintf("Kick channel %s doesn't exist.", slug)
	case err != nil:
		slog.Warn("kick channel lookup", slog.String("channel", slug), slog.Any("err", err))
		return "Couldn't reach Kick, try again in a moment."
	}
	return ""
}

func (c *Commands) watch(ctx context.Context, req Request) string {
	if len(req.Args) < 1 {
		return c.usage("watch <channel>")
	}
	slug := strings.ToLower(req.Args[0])
	if msg := c.checkChannel(ctx, slug); msg != "" {
		return msg
	}
	if c.Mirror == nil || !c.Mirror.Watch(ctx, req.ChannelID, slug) {
		return fmt.Sprintf("Couldn't connect to %s's chat.", slug)
	}
	return fmt.Sprintf("Mirroring kick.com/%s chat in this channel. Use %sunwatch to stop.", slug, c.Prefix)
}

func wantsRelay(args []string) bool {
	return len(args) > 1 && strings.EqualFold(args[1], "relay")
}

func (c *Commands) watchParty(ctx context.Context, req Request) string {
	if len(req.Args) < 1 {
		return c.usage("watchparty <channel> [relay]")
	}
	if v, found := c.Parties.ActiveForOrigin(req.ChannelID); found {
		return fmt.Sprintf("A watch party for %s is already running here: %s", v.Channel, c.partyURL(v.PartyID))
	}
	slug := strings.ToLower(req.Args[0])
	if msg := c.checkChannel(ctx, slug); msg != "" {
		return msg
	}
	id, err := c.Parties.CreateParty(ctx, party.Options{
		Channel:         slug,
		GuildID:         req.GuildID,
		GuildName:       req.GuildName,
		OriginChannelID: req.ChannelID,
		RelayToPlatform: wantsRelay(req.Args),
		TwoWayChat:      c.TwoWayChat,
	})
	if err != nil {
		slog.Error("create party", slog.String("channel", slug), slog.Any("err", err))
		return "Couldn't start the watch party."
	}
	msg := fmt.Sprintf("Watch party for %s started: %s", slug, c.partyURL(id))
	if wantsRelay(req.Args) {
		msg += " (chat relayed to Kick)"
	}
	return msg
}

func (c *Commands) autoParty(ctx context.Context, req Request) string {
	if len(req.Args) < 1 {
		return c.usage("autoparty add|remove|list [channel] [relay]")
	}
	sub := strings.ToLower(req.Args[0])
	if sub == "list" {
		rules, err := c.Rules.ListRulesByGuild(ctx, req.GuildID)
		if err != nil {
			slog.Warn("list rules", slog.Any("err", err))
			return "Couldn't load auto-party rules."
		}
		if len(rules) == 0 {
			return "No auto-party rules in this server."
		}
		lines := make([]string, len(rules))
		for i, r := range rules {
			relayNote := ""
			if r.AutoRelay {
				relayNote = " (relay)"
			}
			lines[i] = fmt.Sprintf("%s -> <#%s>%s", r.TargetChannel, r.OriginChannelID, relayNote)
		}
		return "Auto-party rules:\n" + strings.Join(lines, "\n")
	}
	if sub != "add" && sub != "remove" {
		return c.usage("autoparty add|remove|list [channel] [relay]")
	}
	if !req.CanManage {
		return "You need the Manage Server permission to change auto-party rules."
	}
	if len(req.Args) < 2 {
		return c.usage("autoparty " + sub + " <channel>")
	}
	slug := strings.ToLower(req.Args[1])
	if sub == "remove" {
		err := c.Rules.RemoveRule(ctx, req.GuildID, req.ChannelID, slug)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Sprintf("No auto-party rule for %s in this channel.", slug)
		}
		if err != nil {
			slog.Warn("remove rule", slog.Any("err", err))
			return "Couldn't remove the rule."
		}
		return fmt.Sprintf("Auto-party for %s removed.", slug)
	}
	if msg := c.checkChannel(ctx, slug); msg != "" {
		return msg
	}
	autoRelay := len(req.Args) > 2 && strings.EqualFold(req.Args[2], "relay")
	if _, err := c.Rules.AddRule(ctx, db.AutoPartyRule{GuildID: req.GuildID, OriginChannelID: req.ChannelID, TargetChannel: slug, AutoRelay: autoRelay}); err != nil {
		slog.Warn("add rule", slog.Any("err", err))
		return "Couldn't save the rule."
	}
	return fmt.Sprintf("A watch party will start here whenever %s goes live.", slug)
}

func (c *Commands) stream(ctx context.Context, req Request, browser bool) string {
	audio := c.Audio
	if audio == nil {
		audio = Unavailable{}
	}
	if len(req.Args) > 0 && strings.EqualFold(req.Args[0], "stop") {
		if err := audio.Stop(ctx, req.GuildID); err != nil {
			return audioError(err)
		}
		return "Stream audio stopped."
	}
	if len(req.Args) < 1 {
		return c.usage("stream <channel> | stream stop")
	}
	slug := strings.ToLower(req.Args[0])
	if err := audio.Start(ctx, req.GuildID, slug, browser); err != nil {
		return audioError(err)
	}
	return fmt.Sprintf("Streaming %s's audio.", slug)
}

func audioError(err error) string {
	if errors.Is(err, ErrAudioUnavailable) {
		return "Stream audio isn't available on this deployment."
	}
	slog.Warn("audio pipeline", slog.Any("err", err))
	return "The audio stream failed: " + err.Error()
}

func (c *Commands) message(ctx context.Context, req Request) string {
	if len(req.Args) < 2 {
		return c.usage("message <channel> <text>")
	}
	target := req.Args[0]
	text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(req.Rest), target))
	label := req.GuildName
	if req.ChannelName != "" {
		label += " #" + req.ChannelName
	}
	from := relay.Sender{
		Platform: relay.PlatformDiscord,
		Channel:  req.ChannelID,
		Label:    strings.TrimSpace(label),
		UserID:   "discord:" + req.UserID,
		Name:     req.Username,
	}
	return c.Relay.SendMessage(ctx, from, target, text).Text
}

func (c *Commands) help() string {
	p := c.Prefix
	return strings.Join([]string{
		"Commands:",
		p + "watchparty <channel> [relay]: start a watch party for a Kick channel",
		p + "endparty: end this channel's watch party",
		p + "relayon / " + p + "relayoff: relay party chat to Kick",
		p + "watch <channel> / " + p + "unwatch: mirror a Kick chat here",
		p + "autoparty add|remove|list <channel> [relay]: start parties when a channel goes live",
		p + "message <channel> <text>: message a registered streamer",
		p + "streamers / " + p + "online: list registered / live streamers",
		p + "stream <channel> / " + p + "browserstream <channel> / " + p + "stream stop: stream audio",
	}, "\n")
}

// ParseCommand splits a chat message into command name, args and the raw
// remainder. ok is false when content does not start with prefix.
func ParseCommand(prefix, content string) (name string, args []string, rest string, ok bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, "", false
	}
	body := strings.TrimSpace(content[len(prefix):])
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return "", nil, "", false
	}
	name = strings.ToLower(fields[0])
	rest = strings.TrimSpace(body[len(fields[0]):])
	return name, fields[1:], rest, true
}
