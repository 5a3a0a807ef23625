package kickapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource fetches and caches a Kick app access (client credentials)
// token. App tokens can read public data; posting as the bot account needs
// the user token stored by the OAuth flow.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client

	mu  sync.Mutex
	src oauth2.TokenSource
}

// Token returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.src == nil {
		if ts.ClientID == "" || ts.ClientSecret == "" {
			ts.mu.Unlock()
			return "", errors.New("missing client id/secret for kick app token")
		}
		tokenURL := ts.TokenURL
		if tokenURL == "" {
			tokenURL = DefaultIDBaseURL + "/oauth/token"
		}
		cc := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		base := context.Background()
		if ts.HTTPClient != nil {
			base = context.WithValue(base, oauth2.HTTPClient, ts.HTTPClient)
		}
		// the reuse source refreshes shortly before expiry
		ts.src = cc.TokenSource(base)
	}
	src := ts.src
	ts.mu.Unlock()

	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := src.Token()
		ch <- result{t, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		if r.tok.AccessToken == "" {
			return "", errors.New("empty access_token in kick response")
		}
		return r.tok.AccessToken, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no token configured")
	}
	return string(s), nil
}
