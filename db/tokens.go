package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertOAuthToken stores or updates the token of a provider (the bot's own
// Kick app token uses provider "kick"). Tokens are sealed by the vault;
// encryption_version=1 marks encrypted rows, 0 plaintext.
func (s *Store) UpsertOAuthToken(ctx context.Context, provider string, c Credentials) error {
	access, refresh, version, err := s.sealPair(c.AccessToken, c.RefreshToken)
	if err != nil {
		return err
	}
	keyID := sql.NullString{}
	if version == 1 {
		keyID = sql.NullString{String: "default", Valid: true}
	}
	now := s.utcNow()
	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, q, provider, access, refresh, nullTime(c.ExpiresAt), c.Scope, version, keyID, now); err != nil {
		return fmt.Errorf("upsert oauth token: %w", err)
	}
	return nil
}

// GetOAuthToken loads a provider's token, decrypting when needed. A missing
// row yields ErrNotFound.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (Credentials, error) {
	var c Credentials
	var exp sql.NullTime
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0)
		FROM oauth_tokens WHERE provider = $1`, provider).Scan(&c.AccessToken, &c.RefreshToken, &exp, &c.Scope, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, err
	}
	c.ExpiresAt = exp.Time
	if c.AccessToken, c.RefreshToken, err = s.openPair(c.AccessToken, c.RefreshToken, version); err != nil {
		return Credentials{}, err
	}
	return c, nil
}
