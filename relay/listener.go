package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/watchparty/bridge"
)

// Subscriber is the part of the platform chat bridge the listener uses.
type Subscriber interface {
	Connect(ctx context.Context, key, slug string, sink chan<- bridge.Message) bool
	Disconnect(key string)
	State(key string) bridge.State
}

// ListenerKey is the bridge subscription key for a command channel.
func ListenerKey(slug string) string { return "commands:" + slug }

// Listener watches the chat of every registered channel (plus any extra
// command channels) and feeds "!" commands to the router.
type Listener struct {
	sub    Subscriber
	router *Router
	extra  []string
	sink   chan bridge.Message
	// Resync is how often Start re-checks every channel and resubscribes
	// the ones whose bridge subscription has closed. Zero means 5 minutes.
	Resync time.Duration

	mu       sync.Mutex
	watching map[string]bool
	pending  map[string]bool
	wg       sync.WaitGroup
}

func NewListener(sub Subscriber, router *Router, extraChannels []string) *Listener {
	return &Listener{
		sub:      sub,
		router:   router,
		extra:    extraChannels,
		sink:     make(chan bridge.Message, 128),
		watching: make(map[string]bool),
		pending:  make(map[string]bool),
	}
}

// Watch subscribes to slug's chat in the background. Repeated calls are no-ops
// while a subscription is being set up or is still alive in the bridge; a
// subscription the bridge has closed is replaced.
func (l *Listener) Watch(ctx context.Context, slug string) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return
	}
	key := ListenerKey(slug)
	l.mu.Lock()
	if l.pending[slug] {
		l.mu.Unlock()
		return
	}
	if l.watching[slug] {
		if st := l.sub.State(key); st != bridge.Closed && st != bridge.Idle {
			l.mu.Unlock()
			return
		}
		slog.Info("relay command subscription closed, resubscribing", slog.String("channel", slug))
	}
	l.watching[slug] = true
	l.pending[slug] = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ok := l.sub.Connect(context.WithoutCancel(ctx), key, slug, l.sink)
		l.mu.Lock()
		delete(l.pending, slug)
		if !ok {
			delete(l.watching, slug)
		}
		l.mu.Unlock()
		if ok {
			slog.Info("listening for relay commands", slog.String("channel", slug))
			return
		}
		slog.Warn("relay commands unavailable for channel", slog.String("channel", slug))
	}()
}

// Watching reports whether slug has a command subscription.
func (l *Listener) Watching(slug string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.watching[strings.ToLower(slug)]
}

// Start subscribes to all known channels and dispatches commands until ctx
// ends, then drops every subscription. Every Resync it subscribes again to
// any channel that is missing or whose subscription closed.
func (l *Listener) Start(ctx context.Context, accounts func(context.Context) ([]string, error)) {
	l.sync(ctx, accounts)
	go l.run(ctx)
	go func() {
		interval := l.Resync
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sync(ctx, accounts)
			}
		}
	}()
}

func (l *Listener) sync(ctx context.Context, accounts func(context.Context) ([]string, error)) {
	if accounts != nil {
		slugs, err := accounts(ctx)
		if err != nil {
			slog.Warn("list command channels", slog.Any("err", err))
		}
		for _, s := range slugs {
			l.Watch(ctx, s)
		}
	}
	for _, s := range l.extra {
		l.Watch(ctx, s)
	}
}

func (l *Listener) run(ctx context.Context) {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-l.sink:
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						slog.Error("relay command panic", slog.Any("panic", rec), slog.String("channel", msg.Channel))
					}
				}()
				l.router.HandlePlatform(ctx, Invocation{
					Channel:  msg.Channel,
					UserID:   msg.AuthorID,
					Username: msg.Author,
					Text:     msg.Text,
				})
			}()
		}
	}
}

func (l *Listener) stop() {
	l.wg.Wait()
	l.mu.Lock()
	slugs := make([]string, 0, len(l.watching))
	for s := range l.watching {
		slugs = append(slugs, s)
	}
	l.watching = make(map[string]bool)
	l.mu.Unlock()
	for _, s := range slugs {
		l.sub.Disconnect(ListenerKey(s))
	}
}

// AccountSlugs adapts a Router to Start's accounts argument.
func (r *Router) AccountSlugs(ctx context.Context) ([]string, error) {
	accts, err := r.Streamers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(accts))
	for i, a := range accts {
		out[i] = a.Slug
	}
	return out, nil
}
