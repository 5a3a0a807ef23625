package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetCooldown returns the expiry stored for (user, channel, route), or the
// zero time when none exists. Expired rows are returned as-is; callers compare.
func (s *Store) GetCooldown(ctx context.Context, userID, channel, route string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM cooldowns WHERE user_id=$1 AND channel=$2 AND route=$3`,
		userID, channel, route).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// UpsertCooldown sets the expiry for (user, channel, route).
func (s *Store) UpsertCooldown(ctx context.Context, userID, channel, route string, expires time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO cooldowns(user_id, channel, route, expires_at) VALUES($1,$2,$3,$4)
		ON CONFLICT(user_id, channel, route) DO UPDATE SET expires_at=EXCLUDED.expires_at`,
		userID, channel, route, expires.UnixMilli())
	return err
}

// PurgeCooldowns deletes entries that expired at or before now and reports
// how many were removed.
func (s *Store) PurgeCooldowns(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE expires_at <= $1`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountCooldowns returns the number of stored entries, expired or not.
func (s *Store) CountCooldowns(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cooldowns`).Scan(&n)
	return n, err
}
