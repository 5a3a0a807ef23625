package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AutoPartyRule asks the live poller to open a party in a guild channel
// whenever TargetChannel goes live.
type AutoPartyRule struct {
	ID              int64
	GuildID         string
	OriginChannelID string
	TargetChannel   string
	AutoRelay       bool
	CreatedAt       time.Time
}

// AddRule creates a rule, or updates the relay preference of an existing one.
func (s *Store) AddRule(ctx context.Context, r AutoPartyRule) (AutoPartyRule, error) {
	r.TargetChannel = strings.ToLower(strings.TrimSpace(r.TargetChannel))
	if r.GuildID == "" || r.OriginChannelID == "" || r.TargetChannel == "" {
		return AutoPartyRule{}, fmt.Errorf("guild, origin channel and target channel are required")
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO auto_party_rules(guild_id, origin_channel_id, target_channel, auto_relay, created_at)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT(guild_id, origin_channel_id, target_channel) DO UPDATE SET auto_relay=EXCLUDED.auto_relay
		RETURNING id`,
		r.GuildID, r.OriginChannelID, r.TargetChannel, r.AutoRelay, s.utcNow()).Scan(&r.ID)
	if err != nil {
		return AutoPartyRule{}, fmt.Errorf("add rule: %w", err)
	}
	rules, err := s.queryRules(ctx, `SELECT id, guild_id, origin_channel_id, target_channel, auto_relay, created_at FROM auto_party_rules WHERE id=$1`, r.ID)
	if err != nil {
		return AutoPartyRule{}, err
	}
	if len(rules) == 0 {
		return AutoPartyRule{}, ErrNotFound
	}
	return rules[0], nil
}

// RemoveRule deletes the rule for target in the given guild channel.
func (s *Store) RemoveRule(ctx context.Context, guildID, originChannelID, target string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auto_party_rules WHERE guild_id=$1 AND origin_channel_id=$2 AND target_channel=$3`,
		guildID, originChannelID, strings.ToLower(strings.TrimSpace(target)))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRules returns every rule, oldest first.
func (s *Store) ListRules(ctx context.Context) ([]AutoPartyRule, error) {
	return s.queryRules(ctx, `SELECT id, guild_id, origin_channel_id, target_channel, auto_relay, created_at FROM auto_party_rules ORDER BY id`)
}

// ListRulesByGuild returns the rules of one guild, oldest first.
func (s *Store) ListRulesByGuild(ctx context.Context, guildID string) ([]AutoPartyRule, error) {
	return s.queryRules(ctx, `SELECT id, guild_id, origin_channel_id, target_channel, auto_relay, created_at FROM auto_party_rules WHERE guild_id=$1 ORDER BY id`, guildID)
}

func (s *Store) queryRules(ctx context.Context, q string, args ...any) ([]AutoPartyRule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var out []AutoPartyRule
	for rows.Next() {
		var r AutoPartyRule
		if err := rows.Scan(&r.ID, &r.GuildID, &r.OriginChannelID, &r.TargetChannel, &r.AutoRelay, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
