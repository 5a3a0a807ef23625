package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockKickServer serves the subset of the Kick public and v2 APIs the
// service calls. Channels are registered with AddChannel; posted chat
// messages are recorded.
type MockKickServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	channels map[string]map[string]any
	posts    []map[string]any
}

// NewMockKickServer creates a new mock Kick API server
func NewMockKickServer(t *testing.T) *MockKickServer {
	t.Helper()
	m := &MockKickServer{
		Handlers: make(map[string]http.HandlerFunc),
		channels: make(map[string]map[string]any),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		if slug, ok := strings.CutPrefix(r.URL.Path, "/api/v2/channels/"); ok {
			m.serveChannel(w, slug)
			return
		}
		if r.URL.Path == "/public/v1/chat" && r.Method == http.MethodPost {
			m.serveChat(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// AddChannel registers a channel; live controls the livestream field.
func (m *MockKickServer) AddChannel(slug string, userID, chatroomID int, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := map[string]any{
		"id":       userID,
		"user_id":  userID,
		"slug":     slug,
		"user":     map[string]any{"username": slug},
		"chatroom": map[string]any{"id": chatroomID},
	}
	if chatroomID == 0 {
		ch["chatroom"] = nil
	}
	if live {
		ch["livestream"] = map[string]any{"is_live": true, "session_title": slug + " live", "created_at": "2026-01-02 15:04:05"}
	} else {
		ch["livestream"] = nil
	}
	m.channels[slug] = ch
}

// SetLive flips the live status of a registered channel.
func (m *MockKickServer) SetLive(slug string, live bool) {
	m.mu.Lock()
	ch, ok := m.channels[slug]
	m.mu.Unlock()
	if !ok {
		return
	}
	room := 0
	if c, ok := ch["chatroom"].(map[string]any); ok {
		room = c["id"].(int)
	}
	m.AddChannel(slug, ch["user_id"].(int), room, live)
}

// Posts returns the chat messages received on /public/v1/chat.
func (m *MockKickServer) Posts() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.posts...)
}

func (m *MockKickServer) serveChannel(w http.ResponseWriter, slug string) {
	m.mu.Lock()
	ch, ok := m.channels[slug]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ch) //nolint:errcheck // test mock response
}

func (m *MockKickServer) serveChat(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.posts = append(m.posts, body)
	m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"is_sent": true, "message_id": "m1"}}) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for the /public/v1/users endpoint
func (m *MockKickServer) MockUserResponse(userID int, name string) {
	m.Handlers["/public/v1/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"data": []map[string]any{
				{"user_id": userID, "name": name},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint
func (m *MockKickServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handlers["/oauth/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
			"scope":         "user:read channel:read chat:write",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
