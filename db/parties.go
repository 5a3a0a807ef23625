package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PartyRecord is the persisted settings row of a watch party. Live session
// state (members, history) is never stored.
type PartyRecord struct {
	ID              string
	Channel         string
	GuildID         string
	GuildName       string
	OriginChannelID string
	RelayToPlatform bool
	TwoWayChat      bool
	AutoCreated     bool
	CreatedAt       time.Time
	EndedAt         time.Time
}

// SaveParty inserts or replaces the settings of a party.
func (s *Store) SaveParty(ctx context.Context, p PartyRecord) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.utcNow()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO party_settings(party_id, channel, guild_id, guild_name, origin_channel_id, relay_to_platform, two_way_chat, auto_created, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT(party_id) DO UPDATE SET
		  relay_to_platform=EXCLUDED.relay_to_platform,
		  two_way_chat=EXCLUDED.two_way_chat`,
		p.ID, p.Channel, p.GuildID, p.GuildName, p.OriginChannelID, p.RelayToPlatform, p.TwoWayChat, p.AutoCreated, p.CreatedAt.UTC())
	return err
}

// SetPartyRelay records a relay toggle.
func (s *Store) SetPartyRelay(ctx context.Context, id string, enabled bool) error {
	return s.execOne(ctx, `UPDATE party_settings SET relay_to_platform=$1 WHERE party_id=$2`, enabled, id)
}

// MarkPartyEnded stamps the end time of a party.
func (s *Store) MarkPartyEnded(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE party_settings SET ended_at=$1 WHERE party_id=$2 AND ended_at IS NULL`, s.utcNow(), id)
}

// GetPartyRecord loads a party's settings row.
func (s *Store) GetPartyRecord(ctx context.Context, id string) (PartyRecord, error) {
	var p PartyRecord
	var ended sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT party_id, channel, guild_id, guild_name, origin_channel_id, relay_to_platform, two_way_chat, auto_created, created_at, ended_at
		FROM party_settings WHERE party_id=$1`, id).
		Scan(&p.ID, &p.Channel, &p.GuildID, &p.GuildName, &p.OriginChannelID, &p.RelayToPlatform, &p.TwoWayChat, &p.AutoCreated, &p.CreatedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return PartyRecord{}, ErrNotFound
	}
	if err != nil {
		return PartyRecord{}, err
	}
	p.EndedAt = ended.Time
	return p, nil
}
