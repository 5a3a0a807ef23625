// Package autoparty opens watch parties automatically when a channel named by
// an auto-party rule goes live.
package autoparty

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/watchparty/db"
	"github.com/onnwee/watchparty/kickapi"
	"github.com/onnwee/watchparty/party"
	"github.com/onnwee/watchparty/telemetry"
)

type RuleSource interface {
	ListRules(ctx context.Context) ([]db.AutoPartyRule, error)
}

type LiveSource interface {
	IsLive(ctx context.Context, slug string) (bool, error)
}

// Parties is the part of the session manager the poller drives.
type Parties interface {
	ActiveForOrigin(originChannelID string) (party.View, bool)
	CreateParty(ctx context.Context, opts party.Options) (string, error)
}

// Notifier announces an auto-created party in the rule's origin channel.
type Notifier interface {
	PartyStarted(ctx context.Context, rule db.AutoPartyRule, partyID string) error
}

const (
	DefaultInterval     = 2 * time.Minute
	DefaultInitialDelay = 30 * time.Second
	checkTimeout        = 15 * time.Second
)

// Poller tracks the last-known live state of every rule and opens a party on
// each offline to live transition. Going offline never ends a party.
type Poller struct {
	Rules    RuleSource
	Live     LiveSource
	Parties  Parties
	Notifier Notifier
	// GuildName resolves a guild's display name for new parties. Optional.
	GuildName    func(guildID string) string
	TwoWayChat   bool
	Interval     time.Duration
	InitialDelay time.Duration

	mu   sync.Mutex
	live map[int64]bool
}

// Poll evaluates every rule once and returns the ids of parties it created.
// A failing rule is logged and skipped.
func (p *Poller) Poll(ctx context.Context) []string {
	var created []string
	telemetry.TimeFunc(telemetry.LivePollDuration, func() {
		rules, err := p.Rules.ListRules(ctx)
		if err != nil {
			slog.Warn("auto party: list rules", slog.Any("err", err))
			return
		}
		p.mu.Lock()
		if p.live == nil {
			p.live = make(map[int64]bool)
		}
		seen := make(map[int64]bool, len(rules))
		for _, r := range rules {
			seen[r.ID] = true
		}
		// forget removed rules
		for id := range p.live {
			if !seen[id] {
				delete(p.live, id)
			}
		}
		p.mu.Unlock()

		for _, r := range rules {
			if ctx.Err() != nil {
				return
			}
			if id := p.evaluate(ctx, r); id != "" {
				created = append(created, id)
			}
		}
	})
	return created
}

func (p *Poller) evaluate(ctx context.Context, r db.AutoPartyRule) (partyID string) {
	log := slog.With(slog.String("component", "autoparty"), slog.Int64("rule", r.ID), slog.String("channel", r.TargetChannel))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("auto party: rule panicked", slog.Any("panic", rec))
			partyID = ""
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, checkTimeout)
	live, err := p.Live.IsLive(cctx, r.TargetChannel)
	cancel()
	if err != nil {
		if errors.Is(err, kickapi.ErrChannelNotFound) {
			log.Debug("auto party: channel not found")
		} else {
			telemetry.LivePollFailed()
			log.Warn("auto party: live check failed", slog.Any("err", err))
		}
		return ""
	}

	p.mu.Lock()
	was := p.live[r.ID]
	p.live[r.ID] = live
	p.mu.Unlock()

	if !live || was {
		return ""
	}
	if v, ok := p.Parties.ActiveForOrigin(r.OriginChannelID); ok {
		log.Info("auto party: party already active for origin", slog.String("party", v.PartyID))
		return ""
	}
	guildName := ""
	if p.GuildName != nil {
		guildName = p.GuildName(r.GuildID)
	}
	id, err := p.Parties.CreateParty(ctx, party.Options{
		Channel:         r.TargetChannel,
		GuildID:         r.GuildID,
		GuildName:       guildName,
		OriginChannelID: r.OriginChannelID,
		RelayToPlatform: r.AutoRelay,
		TwoWayChat:      p.TwoWayChat,
		AutoCreated:     true,
	})
	if err != nil {
		log.Error("auto party: create party", slog.Any("err", err))
		// retry on the next cycle
		p.mu.Lock()
		p.live[r.ID] = false
		p.mu.Unlock()
		return ""
	}
	log.Info("auto party: channel went live, party created", slog.String("party", id))
	if p.Notifier != nil {
		if err := p.Notifier.PartyStarted(ctx, r, id); err != nil {
			log.Warn("auto party: notify origin channel", slog.Any("err", err))
		}
	}
	return id
}

// Start runs Poll after InitialDelay and then every Interval until ctx ends.
func (p *Poller) Start(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	delay := p.InitialDelay
	if delay <= 0 {
		delay = DefaultInitialDelay
	}
	go func() {
		slog.Info("auto party: poller started", slog.Duration("interval", interval), slog.Duration("initial_delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			p.Poll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
