// Command watchparty runs the watch-party service: audience sockets and the
// HTTP API, the Kick chat bridge, the cross-channel message relay, the
// auto-party poller, the credential refresher and (when a token is set) the
// Discord bot.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/watchparty/archive"
	"github.com/onnwee/watchparty/autoparty"
	"github.com/onnwee/watchparty/bridge"
	"github.com/onnwee/watchparty/config"
	"github.com/onnwee/watchparty/crypto"
	"github.com/onnwee/watchparty/db"
	"github.com/onnwee/watchparty/discord"
	"github.com/onnwee/watchparty/hub"
	"github.com/onnwee/watchparty/kickapi"
	"github.com/onnwee/watchparty/oauth"
	"github.com/onnwee/watchparty/party"
	"github.com/onnwee/watchparty/relay"
	"github.com/onnwee/watchparty/server"
	"github.com/onnwee/watchparty/telemetry"
)

func main() {
	// local dev convenience only; production relies on real env
	_ = godotenv.Load()
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("watchparty", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, dialect, err := db.Open(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"), slog.String("dialect", string(dialect)))
	if err := db.RunMigrations(database, dialect); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	vault, err := crypto.NewVault(cfg.EncryptionKey, cfg.SigningKey)
	if err != nil {
		slog.Error("credential vault", slog.Any("err", err))
		os.Exit(1)
	}
	store := db.NewStore(database, dialect, vault)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Kick: public reads with the app token, chat writes with the bot's
	// stored user token when one exists.
	oauthConf := kickapi.OAuthConfig(cfg.Kick, "")
	appToken := &kickapi.TokenSource{
		ClientID:     cfg.Kick.ClientID,
		ClientSecret: cfg.Kick.ClientSecret,
		TokenURL:     oauthConf.Endpoint.TokenURL,
	}
	kick := kickapi.NewClient(&oauth.BotToken{Store: store, Provider: oauth.ProviderKick, Fallback: appToken})

	chat := bridge.New(kick, kick, bridgeEndpoints(cfg.Kick.Endpoints), cfg.Relay.Tag)
	defer chat.Close()

	sockets := hub.New(hub.Options{AllowedOrigins: cfg.HTTP.AllowedOrigins})
	var archiver party.Archiver = archive.Nop{}
	if cfg.ArchiveEnabled {
		s3a, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			slog.Error("transcript archive disabled", slog.Any("err", err))
		} else {
			archiver = s3a
		}
	}
	parties := party.NewManager(party.Config{
		Broadcaster: sockets,
		Bridge:      chat,
		Settings:    store,
		Archiver:    archiver,
		Tag:         cfg.Relay.Tag,
	})
	sockets.SetHandler(parties)
	go parties.Run(ctx)

	// Discord is optional; the bot variable is filled in below once the
	// command set it serves exists.
	var bot *discord.Bot
	notify := relay.Fanout{
		relay.PlatformKick: kick.SendChat,
	}
	if cfg.DiscordEnabled {
		notify[relay.PlatformDiscord] = func(ctx context.Context, channel, text string) error {
			return bot.Send(ctx, channel, text)
		}
	}

	cooldowns := relay.NewCooldowns(store)
	cooldowns.StartJanitor(ctx, 10*time.Minute)

	var listener *relay.Listener
	relayOpts := relay.Options{
		Tag:             cfg.Relay.Tag,
		DefaultCooldown: time.Duration(cfg.Relay.DefaultCooldownSeconds) * time.Second,
		CommandCooldown: time.Duration(cfg.Relay.CommandCooldownSeconds) * time.Second,
		OnRegister:      func(a db.Account) { listener.Watch(ctx, a.Slug) },
	}
	if cfg.OAuthEnabled {
		relayOpts.SetupLink = server.LoginLink(cfg.PublicURL, vault.Signer)
	}
	router := relay.NewRouter(store, kick, notify, cooldowns, relayOpts)
	listener = relay.NewListener(chat, router, cfg.Kick.CommandChannels)
	listener.Start(ctx, router.AccountSlugs)

	poller := &autoparty.Poller{
		Rules:        store,
		Live:         kick,
		Parties:      parties,
		Notifier:     logNotifier{},
		TwoWayChat:   cfg.TwoWayChatDefault,
		Interval:     cfg.Poller.Interval,
		InitialDelay: cfg.Poller.InitialDelay,
	}

	if cfg.DiscordEnabled {
		mirror := discord.NewMirror(chat, func(ctx context.Context, channelID, text string) error {
			return bot.Send(ctx, channelID, text)
		})
		go mirror.Run(ctx)
		bot, err = discord.NewBot(cfg.Discord.Token, &discord.Commands{
			Parties:    parties,
			Rules:      store,
			Relay:      router,
			Channels:   kick,
			Mirror:     mirror,
			Audio:      discord.Unavailable{},
			PublicURL:  cfg.PublicURL,
			Prefix:     cfg.Discord.Prefix,
			TwoWayChat: cfg.TwoWayChatDefault,
		})
		if err == nil {
			err = bot.Open()
		}
		if err != nil {
			slog.Error("discord bot failed to start", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := bot.Close(); err != nil {
				slog.Warn("discord close", slog.Any("err", err))
			}
		}()
		poller.Notifier = bot
		poller.GuildName = bot.GuildName
	} else {
		slog.Info("DISCORD_TOKEN not set - chat-app commands disabled")
	}
	poller.Start(ctx)

	var refresher *oauth.Refresher
	if cfg.OAuthEnabled {
		refresher = &oauth.Refresher{
			Store:    store,
			Refresh:  oauth.KickRefreshFunc(oauthConf),
			Provider: oauth.ProviderKick,
			Interval: 5 * time.Minute,
			Window:   15 * time.Minute,
		}
		refresher.Start(ctx)
	}

	deps := server.Deps{
		Config:     cfg,
		DB:         database,
		Parties:    parties,
		Sockets:    sockets,
		Signer:     vault.Signer,
		OnRegister: func(a db.Account) { listener.Watch(ctx, a.Slug) },
	}
	if cfg.OAuthEnabled {
		deps.Accounts = store
		deps.Identity = kick
		deps.OAuth = oauthConf
		deps.Refresh = refresher
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, deps)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	parties.Shutdown(shutdownCtx)
	sockets.Close()
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// bridgeEndpoints maps configured endpoints onto their transports, in order.
func bridgeEndpoints(cfgs []config.EndpointConfig) []bridge.Endpoint {
	pusher := &bridge.PusherTransport{}
	out := make([]bridge.Endpoint, 0, len(cfgs))
	for _, c := range cfgs {
		ep := bridge.Endpoint{Name: c.Name, URL: c.URL}
		switch c.Kind {
		case config.EndpointWrapper:
			ep.Transport = bridge.WrapperTransport{}
		case config.EndpointPusher, "":
			ep.Transport = pusher
		default:
			slog.Warn("unknown chat endpoint kind, skipping", slog.String("name", c.Name), slog.String("kind", c.Kind))
			continue
		}
		out = append(out, ep)
	}
	return out
}

// logNotifier announces auto-created parties in the log when no chat app is
// connected.
type logNotifier struct{}

func (logNotifier) PartyStarted(_ context.Context, rule db.AutoPartyRule, partyID string) error {
	slog.Info("auto party started", slog.String("party", partyID), slog.String("channel", rule.TargetChannel), slog.String("guild", rule.GuildID))
	return nil
}
