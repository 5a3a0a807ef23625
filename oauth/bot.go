package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/watchparty/db"
	"github.com/onnwee/watchparty/kickapi"
)

// TokenStore loads a provider token.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (db.Credentials, error)
}

// BotToken serves the bot account's stored user token to the Kick client.
// Without a usable stored token it defers to Fallback (normally the app
// token source).
type BotToken struct {
	Store    TokenStore
	Provider string
	Fallback kickapi.TokenProvider
	now      func() time.Time
}

func (b *BotToken) Token(ctx context.Context) (string, error) {
	provider := b.Provider
	if provider == "" {
		provider = ProviderKick
	}
	now := time.Now()
	if b.now != nil {
		now = b.now()
	}
	c, err := b.Store.GetOAuthToken(ctx, provider)
	switch {
	case err == nil && c.AccessToken != "" && (c.ExpiresAt.IsZero() || c.ExpiresAt.After(now)):
		return c.AccessToken, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return "", err
	}
	if b.Fallback == nil {
		return "", errors.New("no bot token stored; authorize the bot account via /auth/login")
	}
	return b.Fallback.Token(ctx)
}
