package kickapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/watchparty/config"
)

const DefaultIDBaseURL = "https://id.kick.com"

// OAuthConfig builds the authorization-code config for Kick. idBase
// overrides the identity host (tests); empty means production.
func OAuthConfig(cfg config.KickConfig, idBase string) *oauth2.Config {
	if idBase == "" {
		idBase = DefaultIDBaseURL
	}
	idBase = strings.TrimRight(idBase, "/")
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       strings.Fields(strings.ReplaceAll(cfg.Scopes, ",", " ")),
		Endpoint: oauth2.Endpoint{
			AuthURL:   idBase + "/oauth/authorize",
			TokenURL:  idBase + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// RefreshToken exchanges a refresh token for a new token.
func RefreshToken(ctx context.Context, conf *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	if conf == nil || conf.ClientID == "" || conf.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	// An already-expired token forces the source to hit the token endpoint.
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}
