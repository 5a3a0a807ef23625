package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/watchparty/db"
	"github.com/onnwee/watchparty/telemetry"
)

// Platforms a message can originate from.
const (
	PlatformKick    = "kick"
	PlatformDiscord = "discord"
)

const maxCooldownSeconds = 24 * 60 * 60

// Store is the persistence the router needs.
type Store interface {
	UpsertAccount(ctx context.Context, platformUserID, slug, username string) (db.Account, error)
	GetAccountByUserID(ctx context.Context, platformUserID string) (db.Account, error)
	FindAccount(ctx context.Context, token string) (db.Account, error)
	ListActiveAccounts(ctx context.Context) ([]db.Account, error)
	SetAccountCooldown(ctx context.Context, id int64, seconds int) error
	CreateTicket(ctx context.Context, t db.Ticket) (db.Ticket, error)
	GetTicket(ctx context.Context, id int64) (db.Ticket, error)
	ResolveTicket(ctx context.Context, id int64, status db.TicketStatus) error
}

// LiveSource reports whether a channel is broadcasting.
type LiveSource interface {
	IsLive(ctx context.Context, slug string) (bool, error)
}

// Notifier posts text into a channel of a platform.
type Notifier interface {
	Notify(ctx context.Context, platform, channel, text string) error
}

// Fanout is a Notifier dispatching on platform.
type Fanout map[string]func(ctx context.Context, channel, text string) error

func (f Fanout) Notify(ctx context.Context, platform, channel, text string) error {
	fn, ok := f[platform]
	if !ok {
		return fmt.Errorf("no notifier for platform %q", platform)
	}
	return fn(ctx, channel, text)
}

// Sender identifies who is sending a relayed message and where replies go.
type Sender struct {
	Platform string
	// Channel is where the response is delivered: a Kick slug or a chat-app
	// channel id.
	Channel string
	// Label names the origin in notifications; defaults to Channel.
	Label  string
	UserID string
	Name   string
}

// Invocation is a command typed into platform chat.
type Invocation struct {
	Channel  string
	UserID   string
	Username string
	Text     string
}

// Reply is the user-facing outcome of a relay operation.
type Reply struct {
	Text     string
	TicketID int64
}

type Options struct {
	// Tag prefixes every message the router posts.
	Tag             string
	DefaultCooldown time.Duration
	CommandCooldown time.Duration
	// OnRegister is called after !setupchat registers or refreshes an account.
	OnRegister func(db.Account)
	// SetupLink returns a URL where the streamer can authorize the app, or
	// "" when OAuth is off.
	SetupLink func(slug, userID string) string
	Logger    *slog.Logger
}

// Router is the message relay engine.
type Router struct {
	store     Store
	live      LiveSource
	notifier  Notifier
	cooldowns *Cooldowns
	opts      Options
	log       *slog.Logger
}

func NewRouter(store Store, live LiveSource, notifier Notifier, cooldowns *Cooldowns, opts Options) *Router {
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = 60 * time.Second
	}
	if opts.CommandCooldown <= 0 {
		opts.CommandCooldown = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:     store,
		live:      live,
		notifier:  notifier,
		cooldowns: cooldowns,
		opts:      opts,
		log:       log.With(slog.String("component", "relay")),
	}
}

const msgUnavailable = "Message relay is unavailable right now, try again later."

func seconds(d time.Duration) int { return int(math.Ceil(d.Seconds())) }

func (r *Router) post(ctx context.Context, platform, channel, text string) error {
	if r.opts.Tag != "" {
		text = r.opts.Tag + " " + text
	}
	return r.notifier.Notify(ctx, platform, channel, text)
}

// HandlePlatform runs a "!" command typed into platform chat and reports
// whether it was recognized. Replies go back to the invoking channel.
// Unknown commands are ignored.
func (r *Router) HandlePlatform(ctx context.Context, inv Invocation) bool {
	text := strings.TrimSpace(inv.Text)
	if !strings.HasPrefix(text, "!") || inv.UserID == "" {
		return false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return false
	}
	name := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(text[1:], fields[0]))
	inv.Channel = strings.ToLower(inv.Channel)

	var reply string
	switch name {
	case "setupchat":
		reply = r.setup(ctx, inv)
	case "cooldownchat":
		reply = r.setCooldown(ctx, inv, rest)
	case "streamers", "online":
		key := CooldownKey{UserID: inv.UserID, Channel: inv.Channel, Route: CommandRoute(name)}
		if active, _, err := r.cooldowns.Check(ctx, key); err == nil && active {
			rejected()
			return true
		}
		if name == "streamers" {
			reply = r.listStreamers(ctx)
		} else {
			reply = r.listOnline(ctx)
		}
		if err := r.cooldowns.Set(ctx, key, r.opts.CommandCooldown); err != nil {
			r.log.Warn("set command cooldown", slog.Any("err", err))
		}
	case "respond":
		reply = r.respond(ctx, inv, rest)
	case "reply":
		reply = r.replyLast(ctx, inv, rest)
	default:
		target, err := r.store.FindAccount(ctx, name)
		if errors.Is(err, db.ErrNotFound) {
			return false
		}
		if err != nil {
			r.log.Warn("resolve relay target", slog.String("token", name), slog.Any("err", err))
			return false
		}
		from := Sender{Platform: PlatformKick, Channel: inv.Channel, UserID: inv.UserID, Name: inv.Username}
		reply = r.send(ctx, from, target, rest).Text
	}
	if reply != "" {
		if err := r.post(ctx, PlatformKick, inv.Channel, reply); err != nil {
			r.log.Warn("reply to platform chat failed", slog.String("channel", inv.Channel), slog.Any("err", err))
		}
	}
	return true
}

func (r *Router) setup(ctx context.Context, inv Invocation) string {
	// only the broadcaster's own identity matches the channel slug
	if !strings.EqualFold(strings.TrimSpace(inv.Username), inv.Channel) {
		return "Only the broadcaster can run !setupchat in their own channel."
	}
	acct, err := r.store.UpsertAccount(ctx, inv.UserID, inv.Channel, inv.Username)
	if errors.Is(err, db.ErrConflict) {
		return fmt.Sprintf("%s is already registered to another account.", inv.Channel)
	}
	if err != nil {
		r.log.Error("register account", slog.String("channel", inv.Channel), slog.Any("err", err))
		return msgUnavailable
	}
	r.log.Info("streamer registered", slog.String("channel", acct.Slug), slog.Int64("account", acct.ID))
	if r.opts.OnRegister != nil {
		r.opts.OnRegister(acct)
	}
	msg := fmt.Sprintf("%s is registered. Other streamers can message you with !%s <message>.", acct.Username, acct.Slug)
	if r.opts.SetupLink != nil {
		if link := r.opts.SetupLink(acct.Slug, acct.PlatformUserID); link != "" {
			msg += " Connect your Kick account: " + link
		}
	}
	return msg
}

func (r *Router) setCooldown(ctx context.Context, inv Invocation, arg string) string {
	acct, err := r.store.GetAccountByUserID(ctx, inv.UserID)
	if err != nil || !acct.Active {
		return "Only registered streamers can set a cooldown. Run !setupchat first."
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 || n > maxCooldownSeconds {
		return fmt.Sprintf("Usage: !cooldownchat <seconds> (0-%d)", maxCooldownSeconds)
	}
	if err := r.store.SetAccountCooldown(ctx, acct.ID, n); err != nil {
		r.log.Error("set account cooldown", slog.Int64("account", acct.ID), slog.Any("err", err))
		return msgUnavailable
	}
	if n == 0 {
		return fmt.Sprintf("Cooldown for messages to %s reset to the default (%ds).", acct.Slug, seconds(r.opts.DefaultCooldown))
	}
	return fmt.Sprintf("Cooldown for messages to %s set to %ds.", acct.Slug, n)
}

// Streamers returns the active registered accounts.
func (r *Router) Streamers(ctx context.Context) ([]db.Account, error) {
	return r.store.ListActiveAccounts(ctx)
}

// Online returns the active accounts that are live now. Accounts whose status
// cannot be fetched are left out.
func (r *Router) Online(ctx context.Context) ([]db.Account, error) {
	all, err := r.store.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var out []db.Account
	for _, a := range all {
		live, err := r.live.IsLive(ctx, a.Slug)
		if err != nil {
			r.log.Debug("live check failed", slog.String("channel", a.Slug), slog.Any("err", err))
			continue
		}
		if live {
			out = append(out, a)
		}
	}
	return out, nil
}

func slugs(accts []db.Account) string {
	names := make([]string, len(accts))
	for i, a := range accts {
		names[i] = a.Slug
	}
	return strings.Join(names, ", ")
}

func (r *Router) listStreamers(ctx context.Context) string {
	accts, err := r.Streamers(ctx)
	if err != nil {
		r.log.Warn("list streamers", slog.Any("err", err))
		return msgUnavailable
	}
	if len(accts) == 0 {
		return "No streamers are registered yet."
	}
	return "Registered streamers: " + slugs(accts)
}

func (r *Router) listOnline(ctx context.Context) string {
	accts, err := r.Online(ctx)
	if err != nil {
		r.log.Warn("list online streamers", slog.Any("err", err))
		return msgUnavailable
	}
	if len(accts) == 0 {
		return "No registered streamers are live right now."
	}
	return "Live now: " + slugs(accts)
}

// SendMessage relays text from a chat-app user to the account matching
// target (slug or username).
func (r *Router) SendMessage(ctx context.Context, from Sender, target, text string) Reply {
	if strings.TrimSpace(target) == "" || strings.TrimSpace(text) == "" {
		return Reply{Text: "Usage: message <channel> <text>"}
	}
	acct, err := r.store.FindAccount(ctx, target)
	if errors.Is(err, db.ErrNotFound) {
		return Reply{Text: fmt.Sprintf("No registered streamer named %s. Use streamers to see who is registered.", target)}
	}
	if err != nil {
		r.log.Warn("resolve relay target", slog.String("token", target), slog.Any("err", err))
		return Reply{Text: msgUnavailable}
	}
	return r.send(ctx, from, acct, text)
}

// send delivers a message to target. Only a delivered message creates a
// ticket that stays pending and consumes the sender's cooldown.
func (r *Router) send(ctx context.Context, from Sender, target db.Account, text string) Reply {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{Text: fmt.Sprintf("Usage: !%s <message>", target.Slug)}
	}
	if from.Platform == PlatformKick && strings.EqualFold(from.Channel, target.Slug) {
		return Reply{Text: "You can't message your own channel."}
	}
	log := r.log.With(slog.String("target", target.Slug), slog.String("sender", from.UserID))

	key := CooldownKey{UserID: from.UserID, Channel: from.Channel, Route: TargetRoute(target.ID)}
	active, remaining, err := r.cooldowns.Check(ctx, key)
	if err != nil {
		log.Warn("check cooldown", slog.Any("err", err))
		return Reply{Text: msgUnavailable}
	}
	if active {
		rejected()
		return Reply{Text: fmt.Sprintf("Please wait %ds before messaging %s again.", seconds(remaining), target.Slug)}
	}

	live, err := r.live.IsLive(ctx, target.Slug)
	if err != nil {
		log.Warn("live check failed", slog.Any("err", err))
		return Reply{Text: fmt.Sprintf("Couldn't check whether %s is live, try again later.", target.Slug)}
	}
	if !live {
		return Reply{Text: fmt.Sprintf("%s is offline, your message was not sent.", target.Slug)}
	}

	t, err := r.store.CreateTicket(ctx, db.Ticket{
		SenderName:      from.Name,
		SenderUserID:    from.UserID,
		OriginPlatform:  from.Platform,
		OriginChannel:   from.Channel,
		TargetAccountID: target.ID,
		Message:         text,
	})
	if err != nil {
		log.Error("create ticket", slog.Any("err", err))
		return Reply{Text: msgUnavailable}
	}
	label := from.Label
	if label == "" {
		label = from.Channel
	}
	note := fmt.Sprintf("#%d from %s (%s): %s | reply with !respond %d <message>", t.ID, from.Name, label, text, t.ID)
	if err := r.post(ctx, PlatformKick, target.Slug, note); err != nil {
		log.Warn("deliver ticket failed, refunding", slog.Int64("ticket", t.ID), slog.Any("err", err))
		if err := r.store.ResolveTicket(ctx, t.ID, db.TicketRefunded); err != nil {
			log.Warn("refund ticket", slog.Int64("ticket", t.ID), slog.Any("err", err))
		}
		telemetry.Ticket(string(db.TicketRefunded))
		return Reply{Text: fmt.Sprintf("Couldn't deliver your message to %s, try again later.", target.Slug)}
	}
	telemetry.Ticket(string(db.TicketPending))

	window := target.Cooldown(r.opts.DefaultCooldown)
	if err := r.cooldowns.Set(ctx, key, window); err != nil {
		log.Warn("set cooldown", slog.Any("err", err))
	}
	log.Info("message relayed", slog.Int64("ticket", t.ID))
	return Reply{
		Text:     fmt.Sprintf("Message #%d delivered to %s. You can message them again in %ds.", t.ID, target.Slug, seconds(window)),
		TicketID: t.ID,
	}
}

func (r *Router) responder(ctx context.Context, inv Invocation) (db.Account, bool) {
	acct, err := r.store.GetAccountByUserID(ctx, inv.UserID)
	if err != nil || !acct.Active {
		return db.Account{}, false
	}
	return acct, true
}

const msgNotRegistered = "Only registered streamers can respond. Run !setupchat first."

func (r *Router) respond(ctx context.Context, inv Invocation, args string) string {
	acct, ok := r.responder(ctx, inv)
	if !ok {
		return msgNotRegistered
	}
	idStr, text, _ := strings.Cut(args, " ")
	id, err := strconv.ParseInt(strings.TrimPrefix(idStr, "#"), 10, 64)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		return "Usage: !respond <id> <message>"
	}
	return r.resolve(ctx, acct, id, text)
}

func (r *Router) replyLast(ctx context.Context, inv Invocation, text string) string {
	acct, ok := r.responder(ctx, inv)
	if !ok {
		return msgNotRegistered
	}
	const hint = "No pending message to reply to. Use !respond <id> <message>."
	if acct.LastTicketID == 0 {
		return hint
	}
	t, err := r.store.GetTicket(ctx, acct.LastTicketID)
	if err != nil || t.Status != db.TicketPending {
		return hint
	}
	if text == "" {
		return "Usage: !reply <message>"
	}
	return r.resolve(ctx, acct, t.ID, text)
}

// resolve answers ticket id on behalf of acct.
func (r *Router) resolve(ctx context.Context, acct db.Account, id int64, text string) string {
	notFound := fmt.Sprintf("Ticket #%d not found or not yours.", id)
	already := fmt.Sprintf("Ticket #%d was already responded to.", id)

	t, err := r.store.GetTicket(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return notFound
	}
	if err != nil {
		r.log.Warn("load ticket", slog.Int64("ticket", id), slog.Any("err", err))
		return msgUnavailable
	}
	if t.TargetAccountID != acct.ID {
		return notFound
	}
	if t.Status != db.TicketPending {
		return already
	}
	switch err := r.store.ResolveTicket(ctx, id, db.TicketResponded); {
	case errors.Is(err, db.ErrConflict):
		return already
	case err != nil:
		r.log.Error("resolve ticket", slog.Int64("ticket", id), slog.Any("err", err))
		return msgUnavailable
	}
	telemetry.Ticket(string(db.TicketResponded))

	out := fmt.Sprintf("@%s %s replied to #%d: %s", t.SenderName, acct.Username, id, text)
	if err := r.post(ctx, t.OriginPlatform, t.OriginChannel, out); err != nil {
		r.log.Warn("deliver response failed", slog.Int64("ticket", id), slog.String("platform", t.OriginPlatform), slog.Any("err", err))
		return fmt.Sprintf("Ticket #%d is marked responded, but the reply couldn't be delivered.", id)
	}
	return fmt.Sprintf("Response to #%d delivered to %s.", id, t.SenderName)
}
