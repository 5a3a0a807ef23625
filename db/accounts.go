package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Account is a registered streamer. Credential material is never loaded
// with it; see AccountCredentials.
type Account struct {
	ID              int64
	PlatformUserID  string
	Slug            string
	Username        string
	CooldownSeconds int
	Active          bool
	LastTicketID    int64
	TokenExpiresAt  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Cooldown returns the account's relay window, or def when unset.
func (a Account) Cooldown(def time.Duration) time.Duration {
	if a.CooldownSeconds <= 0 {
		return def
	}
	return time.Duration(a.CooldownSeconds) * time.Second
}

// Credentials are the decrypted OAuth tokens of an account or provider.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

const accountColumns = `id, platform_user_id, slug, username, cooldown_seconds, active, last_ticket_id, token_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (Account, error) {
	var a Account
	var last sql.NullInt64
	var exp sql.NullTime
	if err := r.Scan(&a.ID, &a.PlatformUserID, &a.Slug, &a.Username, &a.CooldownSeconds, &a.Active, &last, &exp, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	a.LastTicketID = last.Int64
	a.TokenExpiresAt = exp.Time
	return a, nil
}

// UpsertAccount registers a streamer or refreshes its slug/username, keyed by
// platform user id. Re-registering reactivates a deactivated account. A slug
// already owned by a different user yields ErrConflict.
func (s *Store) UpsertAccount(ctx context.Context, platformUserID, slug, username string) (Account, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if platformUserID == "" || slug == "" {
		return Account{}, errors.New("platform user id and slug are required")
	}
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT platform_user_id FROM streamer_accounts WHERE slug = $1`, slug).Scan(&owner)
	switch {
	case err == nil && owner != platformUserID:
		return Account{}, fmt.Errorf("slug %q: %w", slug, ErrConflict)
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return Account{}, fmt.Errorf("check slug: %w", err)
	}
	now := s.utcNow()
	q := `INSERT INTO streamer_accounts(platform_user_id, slug, username, active, created_at, updated_at)
		  VALUES($1,$2,$3,TRUE,$4,$4)
		  ON CONFLICT(platform_user_id) DO UPDATE SET
		    slug=EXCLUDED.slug,
		    username=EXCLUDED.username,
		    active=TRUE,
		    updated_at=EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, q, platformUserID, slug, username, now); err != nil {
		return Account{}, fmt.Errorf("upsert account: %w", err)
	}
	return s.GetAccountByUserID(ctx, platformUserID)
}

func (s *Store) getAccount(ctx context.Context, where string, arg any) (Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM streamer_accounts WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

// GetAccountByUserID looks an account up by platform user id, active or not.
func (s *Store) GetAccountByUserID(ctx context.Context, platformUserID string) (Account, error) {
	return s.getAccount(ctx, `platform_user_id = $1`, platformUserID)
}

// GetAccountByID looks an account up by its row id, active or not.
func (s *Store) GetAccountByID(ctx context.Context, id int64) (Account, error) {
	return s.getAccount(ctx, `id = $1`, id)
}

// FindAccount resolves a chat token to an active account by exact,
// case-insensitive match on slug or username. Slug matches win.
func (s *Store) FindAccount(ctx context.Context, token string) (Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Account{}, ErrNotFound
	}
	q := `SELECT ` + accountColumns + ` FROM streamer_accounts
		  WHERE active = TRUE AND (LOWER(slug) = LOWER($1) OR LOWER(username) = LOWER($1))
		  ORDER BY CASE WHEN LOWER(slug) = LOWER($1) THEN 0 ELSE 1 END, id
		  LIMIT 1`
	a, err := scanAccount(s.db.QueryRowContext(ctx, q, token))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

// ListActiveAccounts returns active accounts ordered by slug.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	return s.listAccounts(ctx, `SELECT `+accountColumns+` FROM streamer_accounts WHERE active = TRUE ORDER BY slug`)
}

// ListAccountsExpiringBefore returns active accounts holding a refresh token
// whose access token expires before t.
func (s *Store) ListAccountsExpiringBefore(ctx context.Context, t time.Time) ([]Account, error) {
	all, err := s.listAccounts(ctx, `SELECT `+accountColumns+` FROM streamer_accounts
		WHERE active = TRUE AND refresh_token <> '' AND token_expires_at IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	// compared in Go: sqlite stores timestamps as text
	out := all[:0]
	for _, a := range all {
		if a.TokenExpiresAt.Before(t) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) listAccounts(ctx context.Context, q string, args ...any) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAccountCooldown sets the relay window for an account, in seconds.
func (s *Store) SetAccountCooldown(ctx context.Context, id int64, seconds int) error {
	if seconds < 0 {
		return errors.New("cooldown must not be negative")
	}
	return s.execOne(ctx, `UPDATE streamer_accounts SET cooldown_seconds=$1, updated_at=$2 WHERE id=$3`, seconds, s.utcNow(), id)
}

// DeactivateAccount soft-deletes an account. Tickets keep referencing it.
func (s *Store) DeactivateAccount(ctx context.Context, id int64) error {
	return s.execOne(ctx, `UPDATE streamer_accounts SET active=FALSE, updated_at=$1 WHERE id=$2`, s.utcNow(), id)
}

// UpdateAccountCredentials stores OAuth tokens for an account, sealed by the
// vault when encryption is configured.
func (s *Store) UpdateAccountCredentials(ctx context.Context, id int64, c Credentials) error {
	access, refresh, version, err := s.sealPair(c.AccessToken, c.RefreshToken)
	if err != nil {
		return err
	}
	return s.execOne(ctx, `UPDATE streamer_accounts
		SET access_token=$1, refresh_token=$2, token_expires_at=$3, scope=$4, encryption_version=$5, updated_at=$6
		WHERE id=$7`, access, refresh, nullTime(c.ExpiresAt), c.Scope, version, s.utcNow(), id)
}

// AccountCredentials loads and decrypts an account's OAuth tokens.
func (s *Store) AccountCredentials(ctx context.Context, id int64) (Credentials, error) {
	var c Credentials
	var exp sql.NullTime
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT access_token, refresh_token, token_expires_at, scope, encryption_version
		FROM streamer_accounts WHERE id = $1`, id).Scan(&c.AccessToken, &c.RefreshToken, &exp, &c.Scope, &version)
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

// execOne runs an update that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// sealPair encrypts both tokens; empty values stay empty.
func (s *Store) sealPair(access, refresh string) (string, string, int, error) {
	if s.vault.Encryptor() == nil {
		return access, refresh, 0, nil
	}
	var err error
	if access != "" {
		if access, _, err = s.vault.Seal(access); err != nil {
			return "", "", 0, fmt.Errorf("encrypt access token: %w", err)
		}
	}
	if refresh != "" {
		if refresh, _, err = s.vault.Seal(refresh); err != nil {
			return "", "", 0, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	return access, refresh, 1, nil
}

func (s *Store) openPair(access, refresh string, version int) (string, string, error) {
	var err error
	if access != "" {
		if access, err = s.vault.Open(access, version); err != nil {
			return "", "", fmt.Errorf("decrypt access token: %w", err)
		}
	}
	if refresh != "" {
		if refresh, err = s.vault.Open(refresh, version); err != nil {
			return "", "", fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return access, refresh, nil
}
