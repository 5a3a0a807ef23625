// Package kickapi contains minimal helpers for the Kick APIs: channel
// metadata and live status from the v2 web API, and authenticated chat
// writes and identity lookups from the public API.
package kickapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultWebBaseURL = "https://kick.com"
	DefaultAPIBaseURL = "https://api.kick.com"

	// MetadataTTL bounds how long channel metadata (ids, chatroom) is cached.
	MetadataTTL = 5 * time.Minute
)

// ErrChannelNotFound is returned when Kick answers 404 for a channel slug.
var ErrChannelNotFound = errors.New("kick channel not found")

// TokenProvider supplies a bearer token for authenticated public API calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// ChannelInfo is the subset of channel metadata the service uses.
type ChannelInfo struct {
	UserID     int
	Slug       string
	Username   string
	ChatroomID int
	Live       bool
	Title      string
	StartedAt  string
}

type channelResponse struct {
	ID     int    `json:"id"`
	UserID int    `json:"user_id"`
	Slug   string `json:"slug"`
	User   struct {
		Username string `json:"username"`
	} `json:"user"`
	Chatroom *struct {
		ID int `json:"id"`
	} `json:"chatroom"`
	Livestream *struct {
		IsLive       bool   `json:"is_live"`
		SessionTitle string `json:"session_title"`
		CreatedAt    string `json:"created_at"`
	} `json:"livestream"`
}

type cacheEntry struct {
	info    ChannelInfo
	fetched time.Time
}

// Client talks to Kick. The zero value is usable against production hosts
// without write access; set Tokens to post chat messages.
type Client struct {
	WebBaseURL string
	APIBaseURL string
	HTTPClient *http.Client
	Tokens     TokenProvider
	CacheTTL   time.Duration

	now   func() time.Time
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewClient returns a client with a 10s HTTP timeout.
func NewClient(tokens TokenProvider) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Tokens:     tokens,
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) webBase() string {
	if c.WebBaseURL != "" {
		return strings.TrimRight(c.WebBaseURL, "/")
	}
	return DefaultWebBaseURL
}

func (c *Client) apiBase() string {
	if c.APIBaseURL != "" {
		return strings.TrimRight(c.APIBaseURL, "/")
	}
	return DefaultAPIBaseURL
}

func (c *Client) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Client) ttl() time.Duration {
	if c.CacheTTL > 0 {
		return c.CacheTTL
	}
	return MetadataTTL
}

// Channel returns channel metadata, served from cache when fresh.
func (c *Client) Channel(ctx context.Context, slug string) (ChannelInfo, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	c.mu.Lock()
	if e, ok := c.cache[slug]; ok && c.clock().Sub(e.fetched) < c.ttl() {
		c.mu.Unlock()
		return e.info, nil
	}
	c.mu.Unlock()
	return c.fetchChannel(ctx, slug)
}

// IsLive reports whether slug is streaming. It always bypasses the cache.
func (c *Client) IsLive(ctx context.Context, slug string) (bool, error) {
	info, err := c.fetchChannel(ctx, strings.ToLower(strings.TrimSpace(slug)))
	if err != nil {
		return false, err
	}
	return info.Live, nil
}

// ChatroomID resolves the real-time chat room of slug. Zero means the channel
// has no chatroom.
func (c *Client) ChatroomID(ctx context.Context, slug string) (int, error) {
	info, err := c.Channel(ctx, slug)
	if err != nil {
		return 0, err
	}
	return info.ChatroomID, nil
}

func (c *Client) fetchChannel(ctx context.Context, slug string) (ChannelInfo, error) {
	if slug == "" {
		return ChannelInfo{}, fmt.Errorf("channel slug empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.webBase()+"/api/v2/channels/"+url.PathEscape(slug), nil)
	if err != nil {
		return ChannelInfo{}, err
	}
	setBrowserHeaders(req)
	resp, err := c.http().Do(req)
	if err != nil {
		return ChannelInfo{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusNotFound {
		return ChannelInfo{}, fmt.Errorf("%s: %w", slug, ErrChannelNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ChannelInfo{}, fmt.Errorf("kick channel lookup failed: %s: %s", resp.Status, string(b))
	}
	var body channelResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ChannelInfo{}, fmt.Errorf("decode channel: %w", err)
	}
	info := ChannelInfo{UserID: body.UserID, Slug: body.Slug, Username: body.User.Username}
	if info.UserID == 0 {
		info.UserID = body.ID
	}
	if info.Slug == "" {
		info.Slug = slug
	}
	if body.Chatroom != nil {
		info.ChatroomID = body.Chatroom.ID
	}
	if body.Livestream != nil {
		info.Live = body.Livestream.IsLive
		info.Title = body.Livestream.SessionTitle
		info.StartedAt = body.Livestream.CreatedAt
	}
	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]cacheEntry)
	}
	c.cache[slug] = cacheEntry{info: info, fetched: c.clock()}
	c.mu.Unlock()
	return info, nil
}

// The v2 web API sits behind Cloudflare and rejects clients that do not look
// like a browser. Accept-Encoding is left to net/http so gzip is decoded.
func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
}

// PostMessage writes text into the chat of broadcasterUserID.
func (c *Client) PostMessage(ctx context.Context, broadcasterUserID int, text string) error {
	if c.Tokens == nil {
		return errors.New("kick chat write requires a token provider")
	}
	if broadcasterUserID == 0 {
		return errors.New("broadcaster user id empty")
	}
	tok, err := c.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("kick token: %w", err)
	}
	payload, err := json.Marshal(map[string]any{
		"broadcaster_user_id": broadcasterUserID,
		"content":             text,
		"type":                "user",
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase()+"/public/v1/chat", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("kick chat post failed: %s: %s", resp.Status, string(b))
	}
	return nil
}

// SendChat resolves slug to its broadcaster and posts text there.
func (c *Client) SendChat(ctx context.Context, slug, text string) error {
	info, err := c.Channel(ctx, slug)
	if err != nil {
		return err
	}
	return c.PostMessage(ctx, info.UserID, text)
}

// User is the identity behind an OAuth access token.
type User struct {
	ID   string
	Name string
}

// GetUser fetches the user that authorized accessToken.
func (c *Client) GetUser(ctx context.Context, accessToken string) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase()+"/public/v1/users", nil)
	if err != nil {
		return User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return User{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return User{}, fmt.Errorf("kick user lookup failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []struct {
			UserID int    `json:"user_id"`
			Name   string `json:"name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, fmt.Errorf("user not found")
	}
	return User{ID: fmt.Sprintf("%d", body.Data[0].UserID), Name: body.Data[0].Name}, nil
}
