// Package oauth keeps stored Kick credentials fresh. Streamer tokens live on
// their accounts; the bot's own token lives in oauth_tokens under a provider
// key. Checks are jittered and refresh whatever expires within a window.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/watchparty/db"
	"github.com/onnwee/watchparty/kickapi"
)

// ProviderKick is the oauth_tokens key of the bot's Kick token.
const ProviderKick = "kick"

// RefreshFunc exchanges a refresh token for new credentials.
type RefreshFunc func(ctx context.Context, refreshToken string) (db.Credentials, error)

// KickRefreshFunc refreshes against Kick's token endpoint.
func KickRefreshFunc(conf *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (db.Credentials, error) {
		tok, err := kickapi.RefreshToken(ctx, conf, refreshToken)
		if err != nil {
			return db.Credentials{}, err
		}
		scope, _ := tok.Extra("scope").(string)
		return db.Credentials{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
			Scope:        scope,
		}, nil
	}
}

// Store is the credential persistence the refresher needs.
type Store interface {
	ListAccountsExpiringBefore(ctx context.Context, t time.Time) ([]db.Account, error)
	AccountCredentials(ctx context.Context, id int64) (db.Credentials, error)
	UpdateAccountCredentials(ctx context.Context, id int64, c db.Credentials) error
	GetOAuthToken(ctx context.Context, provider string) (db.Credentials, error)
	UpsertOAuthToken(ctx context.Context, provider string, c db.Credentials) error
}

type Refresher struct {
	Store   Store
	Refresh RefreshFunc
	// Provider is the oauth_tokens row refreshed alongside accounts; empty
	// skips it.
	Provider string
	// Interval is how often to check; Window is how close to expiry a token
	// must be to get refreshed.
	Interval time.Duration
	Window   time.Duration

	now func() time.Time
}

func (r *Refresher) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Refresher) window() time.Duration {
	if r.Window <= 0 {
		return 15 * time.Minute
	}
	return r.Window
}

func merge(old, fresh db.Credentials) db.Credentials {
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = old.RefreshToken
	}
	if fresh.Scope == "" {
		fresh.Scope = old.Scope
	}
	fresh.Scope = strings.TrimSpace(fresh.Scope)
	return fresh
}

func (r *Refresher) refresh(ctx context.Context, old db.Credentials) (db.Credentials, error) {
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	fresh, err := r.Refresh(ctx2, old.RefreshToken)
	if err != nil {
		return db.Credentials{}, err
	}
	return merge(old, fresh), nil
}

// ErrNoRefreshToken means the account has nothing to refresh with.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// RefreshAccount renews one account's credentials now and persists them.
func (r *Refresher) RefreshAccount(ctx context.Context, id int64) (db.Credentials, error) {
	old, err := r.Store.AccountCredentials(ctx, id)
	if err != nil {
		return db.Credentials{}, err
	}
	if old.RefreshToken == "" {
		return db.Credentials{}, ErrNoRefreshToken
	}
	fresh, err := r.refresh(ctx, old)
	if err != nil {
		return db.Credentials{}, err
	}
	if err := r.Store.UpdateAccountCredentials(ctx, id, fresh); err != nil {
		return db.Credentials{}, fmt.Errorf("persist credentials: %w", err)
	}
	return fresh, nil
}

// RunOnce refreshes every credential expiring within the window and returns
// how many were renewed. Individual failures are logged and skipped.
func (r *Refresher) RunOnce(ctx context.Context) int {
	deadline := r.clock().Add(r.window())
	n := 0

	accounts, err := r.Store.ListAccountsExpiringBefore(ctx, deadline)
	if err != nil {
		slog.Warn("list expiring accounts", slog.Any("err", err))
	}
	for _, a := range accounts {
		if _, err := r.RefreshAccount(ctx, a.ID); err != nil {
			if !errors.Is(err, ErrNoRefreshToken) {
				slog.Warn("token refresh failed", slog.String("channel", a.Slug), slog.Any("err", err))
			}
			continue
		}
		slog.Info("token refreshed", slog.String("channel", a.Slug))
		n++
	}

	if r.Provider == "" {
		return n
	}
	old, err := r.Store.GetOAuthToken(ctx, r.Provider)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			slog.Warn("load provider token", slog.String("provider", r.Provider), slog.Any("err", err))
		}
		return n
	}
	if old.RefreshToken == "" || old.ExpiresAt.After(deadline) {
		return n
	}
	fresh, err := r.refresh(ctx, old)
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", r.Provider), slog.Any("err", err))
		return n
	}
	if err := r.Store.UpsertOAuthToken(ctx, r.Provider, fresh); err != nil {
		slog.Warn("token persist failed", slog.String("provider", r.Provider), slog.Any("err", err))
		return n
	}
	slog.Info("token refreshed", slog.String("provider", r.Provider))
	return n + 1
}

// Start launches the jittered refresh loop.
func (r *Refresher) Start(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	// Randomize initial delay to spread load.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			r.RunOnce(ctx)
			// ±20% jitter per iteration
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			next := interval + jitter
			if next < interval/2 {
				next = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(next):
			}
		}
	}()
}
