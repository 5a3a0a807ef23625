// Package server exposes the HTTP surface: party snapshots and message
// injection, the audience socket endpoint, the streamer OAuth flow, health,
// readiness and metrics. Requests carry correlation ids and tracing spans.
package server

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/onnwee/watchparty/config"
	"github.com/onnwee/watchparty/crypto"
	"github.com/onnwee/watchparty/db"
	"github.com/onnwee/watchparty/kickapi"
	"github.com/onnwee/watchparty/party"
	"github.com/onnwee/watchparty/telemetry"
)

// Parties is the session manager surface the HTTP API uses.
type Parties interface {
	GetParty(id string) (party.View, bool)
	PostMessage(ctx context.Context, partyID, author, text string, origin party.Origin) bool
}

// Accounts is the store surface the OAuth flow uses.
type Accounts interface {
	GetAccountByUserID(ctx context.Context, platformUserID string) (db.Account, error)
	UpsertAccount(ctx context.Context, platformUserID, slug, username string) (db.Account, error)
	UpdateAccountCredentials(ctx context.Context, id int64, c db.Credentials) error
	DeactivateAccount(ctx context.Context, id int64) error
}

// Identity resolves the user behind an access token.
type Identity interface {
	GetUser(ctx context.Context, accessToken string) (kickapi.User, error)
}

// Refresher renews an account's credentials on demand.
type Refresher interface {
	RefreshAccount(ctx context.Context, id int64) (db.Credentials, error)
}

// Deps are the collaborators of the HTTP surface. OAuth, Accounts and
// Identity are only needed when cfg.OAuthEnabled is set.
type Deps struct {
	Config  *config.Config
	DB      *sql.DB
	Parties Parties
	// Sockets serves the audience websocket endpoint.
	Sockets  http.Handler
	Signer   *crypto.Signer
	Accounts Accounts
	Identity Identity
	OAuth    *oauth2.Config
	Refresh  Refresher
	// OnRegister runs after an account completes OAuth.
	OnRegister func(db.Account)
}

type handlers struct {
	Deps
	adminHash string
}

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter's cleanup goroutine.
func NewMux(ctx context.Context, d Deps) http.Handler {
	h := &handlers{Deps: d}
	if d.Config.AdminToken != "" {
		hash, err := crypto.HashSecret(d.Config.AdminToken)
		if err != nil {
			slog.Error("hash admin token", slog.Any("err", err))
		}
		h.adminHash = hash
	} else {
		slog.Warn("ADMIN_TOKEN not set - message injection endpoint disabled")
	}
	limiter := newIPRateLimiter(ctx, d.Config.HTTP.RateLimitPerMinute)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	mux.HandleFunc("GET /party/{id}", h.handlePartyPage)
	mux.HandleFunc("GET /api/party/{id}", h.handlePartyGet)
	mux.Handle("POST /api/party/{id}/message", rateLimitMiddleware(adminAuth(http.HandlerFunc(h.handlePartyMessage), h.adminHash), limiter))
	if d.Sockets != nil {
		mux.Handle("GET /ws", d.Sockets)
	}

	if d.Config.OAuthEnabled && d.OAuth != nil {
		mux.Handle("GET /auth/login", rateLimitMiddleware(http.HandlerFunc(h.handleLogin), limiter))
		mux.HandleFunc("GET /auth/callback", h.handleCallback)
		mux.HandleFunc("GET /auth/csrf", h.handleCSRF)
		mux.Handle("POST /auth/refresh", rateLimitMiddleware(http.HandlerFunc(h.handleRefresh), limiter))
		mux.HandleFunc("POST /auth/logout", h.handleLogout)
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 500 {
			span.SetStatus(telemetry.ErrorStatus(), http.StatusText(rec.statusCode))
		}
	})
	return withCORS(recoverer(handler), d.Config.HTTP.AllowedOrigins)
}

// statusRecorder wraps ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the socket endpoint upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
