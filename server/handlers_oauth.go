package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/watchparty/crypto"
	"github.com/onnwee/watchparty/db"
	"github.com/onnwee/watchparty/oauth"
)

const (
	cookieNonce    = "wp_oauth_nonce"
	cookieVerifier = "wp_oauth_verifier"
	cookiePrefill  = "wp_oauth_prefill"
	cookieSession  = "wp_session"

	oauthTimeout = 10 * time.Second
)

func (h *handlers) secureCookies() bool {
	return strings.HasPrefix(h.Config.PublicURL, "https://")
}

func (h *handlers) setCookie(w http.ResponseWriter, name, value, path string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *handlers) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: path, MaxAge: -1, HttpOnly: true, Secure: h.secureCookies()})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// finish redirects back to the public site with a result marker.
func (h *handlers) finish(w http.ResponseWriter, r *http.Request, key, value string) {
	for _, name := range []string{cookieNonce, cookieVerifier, cookiePrefill} {
		h.clearCookie(w, name, "/auth")
	}
	q := url.Values{key: {value}}
	http.Redirect(w, r, h.Config.PublicURL+"/?"+q.Encode(), http.StatusFound)
}

// handleLogin starts the authorization-code flow with PKCE. An optional
// prefill token pins the identity the callback must see.
func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	if prefill := r.URL.Query().Get("prefill"); prefill != "" {
		if _, _, err := h.Signer.VerifyPrefill(prefill); err != nil {
			h.finish(w, r, "auth_error", "prefill_invalid")
			return
		}
		h.setCookie(w, cookiePrefill, prefill, "/auth", crypto.StateTTL)
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	state, err := h.Signer.IssueState(nonce)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	verifier := oauth2.GenerateVerifier()
	h.setCookie(w, cookieNonce, nonce, "/auth", crypto.StateTTL)
	h.setCookie(w, cookieVerifier, verifier, "/auth", crypto.StateTTL)
	http.Redirect(w, r, h.OAuth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), http.StatusFound)
}

// handleCallback completes the flow: validated identity in, encrypted
// credential record and signed session out. Any state or identity failure
// aborts before anything is written.
func (h *handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	log := slog.Default().With(slog.String("component", "oauth"))
	q := r.URL.Query()
	if q.Get("error") != "" {
		h.finish(w, r, "auth_error", "denied")
		return
	}
	nonce, err := h.Signer.VerifyState(q.Get("state"))
	if err != nil || nonce == "" || nonce != cookieValue(r, cookieNonce) {
		log.Warn("oauth state rejected", slog.Any("err", err))
		h.finish(w, r, "auth_error", "state")
		return
	}
	verifier := cookieValue(r, cookieVerifier)
	code := q.Get("code")
	if code == "" || verifier == "" {
		h.finish(w, r, "auth_error", "state")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), oauthTimeout)
	defer cancel()
	tok, err := h.OAuth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		log.Warn("oauth exchange failed", slog.Any("err", err))
		h.finish(w, r, "auth_error", "exchange")
		return
	}
	user, err := h.Identity.GetUser(ctx, tok.AccessToken)
	if err != nil {
		log.Warn("oauth identity lookup failed", slog.Any("err", err))
		h.finish(w, r, "auth_error", "identity")
		return
	}
	slug := strings.ToLower(user.Name)
	if prefill := cookieValue(r, cookiePrefill); prefill != "" {
		pslug, puser, err := h.Signer.VerifyPrefill(prefill)
		if err != nil || puser != user.ID {
			log.Warn("oauth identity does not match prefill", slog.String("user", user.ID))
			h.finish(w, r, "auth_error", "identity_mismatch")
			return
		}
		slug = pslug
	}

	// a failed credential write must not leave a newly activated account
	// without tokens
	prev, err := h.Accounts.GetAccountByUserID(ctx, user.ID)
	wasActive := err == nil && prev.Active
	acct, err := h.Accounts.UpsertAccount(ctx, user.ID, slug, user.Name)
	if errors.Is(err, db.ErrConflict) {
		h.finish(w, r, "auth_error", "slug_taken")
		return
	}
	if err != nil {
		log.Error("register account", slog.Any("err", err))
		h.finish(w, r, "auth_error", "unavailable")
		return
	}
	scope, _ := tok.Extra("scope").(string)
	creds := db.Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: tok.Expiry, Scope: scope}
	if err := h.Accounts.UpdateAccountCredentials(ctx, acct.ID, creds); err != nil {
		log.Error("store credentials", slog.String("channel", acct.Slug), slog.Any("err", err))
		if !wasActive {
			dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := h.Accounts.DeactivateAccount(dctx, acct.ID); err != nil {
				log.Error("deactivate account without credentials", slog.String("channel", acct.Slug), slog.Any("err", err))
			}
			dcancel()
		}
		h.finish(w, r, "auth_error", "unavailable")
		return
	}
	if h.OnRegister != nil {
		h.OnRegister(acct)
	}
	session, err := h.Signer.IssueSession(strconv.FormatInt(acct.ID, 10))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.setCookie(w, cookieSession, session, "/", crypto.SessionTTL)
	log.Info("streamer authorized", slog.String("channel", acct.Slug))
	h.finish(w, r, "registered", acct.Slug)
}

// sessionAccount returns the account id of a valid session cookie.
func (h *handlers) sessionAccount(r *http.Request) (string, bool) {
	tok := cookieValue(r, cookieSession)
	if tok == "" {
		return "", false
	}
	id, err := h.Signer.VerifySession(tok)
	return id, err == nil && id != ""
}

// requireCSRF checks the session and its X-CSRF-Token header.
func (h *handlers) requireCSRF(w http.ResponseWriter, r *http.Request) (int64, bool) {
	sub, ok := h.sessionAccount(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return 0, false
	}
	if err := h.Signer.VerifyCSRF(r.Header.Get("X-CSRF-Token"), sub); err != nil {
		writeError(w, http.StatusForbidden, "invalid csrf token")
		return 0, false
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return 0, false
	}
	return id, true
}

func (h *handlers) handleCSRF(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.sessionAccount(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	tok, err := h.Signer.IssueCSRF(sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": tok})
}

// handleRefresh renews the signed-in account's credentials immediately.
func (h *handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireCSRF(w, r)
	if !ok {
		return
	}
	if h.Refresh == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), oauthTimeout)
	defer cancel()
	creds, err := h.Refresh.RefreshAccount(ctx, id)
	switch {
	case errors.Is(err, oauth.ErrNoRefreshToken):
		writeError(w, http.StatusConflict, "no refresh token stored; sign in again")
		return
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	case err != nil:
		slog.Warn("manual token refresh failed", slog.Int64("account", id), slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expiresAt": creds.ExpiresAt.UTC()})
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireCSRF(w, r); !ok {
		return
	}
	h.clearCookie(w, cookieSession, "/")
	w.WriteHeader(http.StatusNoContent)
}

// LoginLink returns a builder of /auth/login URLs carrying a signed identity
// prefill, for chat replies after !setupchat.
func LoginLink(publicURL string, signer *crypto.Signer) func(slug, userID string) string {
	return func(slug, userID string) string {
		tok, err := signer.IssuePrefill(slug, userID)
		if err != nil {
			slog.Warn("issue prefill", slog.Any("err", err))
			return ""
		}
		return strings.TrimRight(publicURL, "/") + "/auth/login?" + url.Values{"prefill": {tok}}.Encode()
	}
}
