package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/watchparty/db"
	"github.com/onnwee/watchparty/testutil"
)

type fakeLive struct {
	mu   sync.Mutex
	live map[string]bool
	err  error
}

func (f *fakeLive) IsLive(ctx context.Context, slug string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.live[slug], nil
}

func (f *fakeLive) set(slug string, live bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[slug] = live
}

type recorder struct {
	mu   sync.Mutex
	msgs map[string][]string
	fail map[string]bool
}

func newRecorder() *recorder {
	return &recorder{msgs: map[string][]string{}, fail: map[string]bool{}}
}

func (r *recorder) Notify(ctx context.Context, platform, channel, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := platform + ":" + channel
	if r.fail[k] {
		return errors.New("send failed")
	}
	r.msgs[k] = append(r.msgs[k], text)
	return nil
}

func (r *recorder) last(platform, channel string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.msgs[platform+":"+channel]
	if len(m) == 0 {
		return ""
	}
	return m[len(m)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		n += len(m)
	}
	return n
}

type env struct {
	store    *db.Store
	live     *fakeLive
	notes    *recorder
	router   *Router
	now      time.Time
	register []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: testutil.NewStore(t, false),
		live:  &fakeLive{live: map[string]bool{}},
		notes: newRecorder(),
		now:   time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	cd := NewCooldowns(e.store).WithClock(func() time.Time { return e.now })
	e.router = NewRouter(e.store, e.live, e.notes, cd, Options{
		Tag:             "[WP]",
		DefaultCooldown: 60 * time.Second,
		OnRegister:      func(a db.Account) { e.register = append(e.register, a.Slug) },
	})
	return e
}

// kick runs a platform command as user (whose slug equals their name).
func (e *env) kick(t *testing.T, channel, userID, user, text string) bool {
	t.Helper()
	return e.router.HandlePlatform(context.Background(), Invocation{Channel: channel, UserID: userID, Username: user, Text: text})
}

func (e *env) setup(t *testing.T, slug, userID string) {
	t.Helper()
	if !e.kick(t, slug, userID, slug, "!setupchat") {
		t.Fatalf("!setupchat not handled")
	}
	if !strings.Contains(e.notes.last(PlatformKick, slug), "is registered") {
		t.Fatalf("setup reply = %q", e.notes.last(PlatformKick, slug))
	}
}

func TestRouteKeyNamespaces(t *testing.T) {
	if CommandRoute("12") == TargetRoute(12) {
		t.Fatal("command and target routes collide")
	}
	if got := TargetRoute(7).String(); got != "target:7" {
		t.Fatalf("TargetRoute = %q", got)
	}
	if got := CommandRoute("Online").String(); got != "cmd:online" {
		t.Fatalf("CommandRoute = %q", got)
	}
	if !(RouteKey{}).IsZero() {
		t.Fatal("zero key not zero")
	}
}

func TestCooldownExpiry(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t, false)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cd := NewCooldowns(store).WithClock(func() time.Time { return now })
	key := CooldownKey{UserID: "u", Channel: "c", Route: TargetRoute(1)}

	if err := cd.Set(ctx, key, 60*time.Second); err != nil {
		t.Fatal(err)
	}
	active, remaining, err := cd.Check(ctx, key)
	if err != nil || !active || remaining != 60*time.Second {
		t.Fatalf("Check = %v %v %v", active, remaining, err)
	}
	other := key
	other.Route = CommandRoute("online")
	if active, _, _ := cd.Check(ctx, other); active {
		t.Fatal("cooldown leaked across routes")
	}

	now = now.Add(61 * time.Second)
	if active, _, _ := cd.Check(ctx, key); active {
		t.Fatal("cooldown still active after window")
	}
	if n, err := cd.Purge(ctx); err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
	if _, _, err := cd.Check(ctx, CooldownKey{UserID: "u"}); err == nil {
		t.Fatal("incomplete key accepted")
	}
}

func TestRelayAndRespond(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.setup(t, "a", "1")
	e.setup(t, "b", "2")
	if len(e.register) != 2 {
		t.Fatalf("OnRegister calls = %v", e.register)
	}
	e.kick(t, "a", "1", "a", "!cooldownchat 5")
	if got := e.notes.last(PlatformKick, "a"); !strings.Contains(got, "set to 5s") {
		t.Fatalf("cooldown reply = %q", got)
	}
	e.live.set("b", true)

	e.kick(t, "a", "1", "a", "!b hello")
	note := e.notes.last(PlatformKick, "b")
	if !strings.Contains(note, "#1") || !strings.Contains(note, "hello") || !strings.HasPrefix(note, "[WP] ") {
		t.Fatalf("notification = %q", note)
	}
	if got := e.notes.last(PlatformKick, "a"); !strings.Contains(got, "Message #1 delivered to b") || !strings.Contains(got, "60s") {
		t.Fatalf("confirmation = %q", got)
	}

	// a is not the target of ticket 1
	e.kick(t, "a", "1", "a", "!respond 1 sneaky")
	if got := e.notes.last(PlatformKick, "a"); !strings.Contains(got, "not found or not yours") {
		t.Fatalf("non-owner respond = %q", got)
	}

	e.kick(t, "b", "2", "b", "!respond 1 hey")
	if got := e.notes.last(PlatformKick, "a"); !strings.Contains(got, "hey") {
		t.Fatalf("response delivered = %q", got)
	}
	tk, _ := e.store.GetTicket(ctx, 1)
	if tk.Status != db.TicketResponded {
		t.Fatalf("ticket status = %s", tk.Status)
	}

	e.kick(t, "b", "2", "b", "!respond 1 anything")
	if got := e.notes.last(PlatformKick, "b"); !strings.Contains(got, "already responded") {
		t.Fatalf("second respond = %q", got)
	}
	e.kick(t, "b", "2", "b", "!respond 99 anything")
	if got := e.notes.last(PlatformKick, "b"); !strings.Contains(got, "not found or not yours") {
		t.Fatalf("missing ticket respond = %q", got)
	}
}

func TestRelayCooldownGate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.setup(t, "b", "2")
	e.live.set("b", true)

	e.kick(t, "viewerchan", "9", "viewer", "!b one")
	e.kick(t, "viewerchan", "9", "viewer", "!b two")
	if got := e.notes.last(PlatformKick, "viewerchan"); !strings.Contains(got, "Please wait 60s") {
		t.Fatalf("cooldown reply = %q", got)
	}
	if n, _ := e.store.CountTickets(ctx); n != 1 {
		t.Fatalf("tickets = %d, want 1", n)
	}
	// a different channel is a different cooldown
	e.kick(t, "otherchan", "9", "viewer", "!b three")
	e.now = e.now.Add(61 * time.Second)
	e.kick(t, "viewerchan", "9", "viewer", "!b four")
	if n, _ := e.store.CountTickets(ctx); n != 3 {
		t.Fatalf("tickets = %d, want 3", n)
	}
}

func TestOfflineTargetConsumesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.setup(t, "b", "2")

	e.kick(t, "a", "1", "a", "!b are you there")
	if got := e.notes.last(PlatformKick, "a"); !strings.Contains(got, "offline") {
		t.Fatalf("reply = %q", got)
	}
	tickets, _ := e.store.CountTickets(ctx)
	cooldowns, _ := e.store.CountCooldowns(ctx)
	if tickets != 0 || cooldowns != 0 {
		t.Fatalf("tickets=%d cooldowns=%d, want 0/0", tickets, cooldowns)
	}

	e.live.err = errors.New("api down")
	e.kick(t, "a", "1", "a", "!b again")
	if n, _ := e.store.CountTickets(ctx); n != 0 {
		t.Fatalf("tickets = %d after live check failure", n)
	}
}

func TestUndeliveredMessageIsRefunded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.setup(t, "b", "2")
	e.live.set("b", true)
	e.notes.fail[PlatformKick+":b"] = true

	e.kick(t, "a", "1", "a", "!b hi")
	tk, err := e.store.GetTicket(ctx, 1)
	if err != nil || tk.Status != db.TicketRefunded {
		t.Fatalf("ticket = %+v, %v", tk, err)
	}
	if n, _ := e.store.CountCooldowns(ctx); n != 0 {
		t.Fatalf("cooldowns = %d, want 0", n)
	}
	if got := e.notes.last(PlatformKick, "a"); !strings.Contains(got, "Couldn't deliver") {
		t.Fatalf("reply = %q", got)
	}
}

func TestReplyShorthand(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.setup(t, "b", "2")
	e.live.set("b", true)

	e.kick(t, "b", "2", "b", "!reply nothing yet")
	if got := e.notes.last(PlatformKick, "b"); !strings.Contains(got, "!respond <id>") {
		t.Fatalf("reply without ticket = %q", got)
	}

	e.kick(t, "a", "1", "alice", "!b first")
	e.kick(t, "c", "3", "carol", "!b second")
	e.kick(t, "b", "2", "b", "!reply thanks carol")
	if got := e.notes.last(PlatformKick, "c"); !strings.Contains(got, "thanks carol") {
		t.Fatalf("carol got %q", got)
	}
	first, _ := e.store.GetTicket(ctx, 1)
	if first.Status != db.TicketPending {
		t.Fatalf("older ticket status = %s", first.Status)
	}

	e.kick(t, "b", "2", "b", "!reply again")
	if got := e.notes.last(PlatformKick, "b"); !strings.Contains(got, "!respond <id>") {
		t.Fatalf("reply to answered ticket = %q", got)
	}
}

func TestSetupRequiresBroadcaster(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.kick(t, "bob", "5", "mallory", "!setupchat")
	if got := e.notes.last(PlatformKick, "bob"); !strings.Contains(got, "Only the broadcaster") {
		t.Fatalf("reply = %q", got)
	}
	if _, err := e.store.FindAccount(ctx, "bob"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("account created by non-broadcaster: %v", err)
	}
	// case-insensitive identity match
	e.kick(t, "bob", "6", "Bob", "!setupchat")
	if _, err := e.store.FindAccount(ctx, "bob"); err != nil {
		t.Fatalf("broadcaster setup failed: %v", err)
	}
}

func TestIgnoredInput(t *testing.T) {
	e := newEnv(t)
	for _, text := range []string{"hello", "!", "!unknowncommand hi", "!! x"} {
		if e.kick(t, "a", "1", "a", text) {
			t.Errorf("%q handled", text)
		}
	}
	if e.notes.count() != 0 {
		t.Fatalf("ignored input produced %d replies", e.notes.count())
	}
}

func TestSelfTargetRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.setup(t, "a", "1")
	e.live.set("a", true)
	e.kick(t, "a", "1", "a", "!a talking to myself")
	if n, _ := e.store.CountTickets(ctx); n != 0 {
		t.Fatalf("tickets = %d", n)
	}
}

func TestListings(t *testing.T) {
	e := newEnv(t)
	e.kick(t, "x", "9", "viewer", "!streamers")
	if got := e.notes.last(PlatformKick, "x"); !strings.Contains(got, "No streamers") {
		t.Fatalf("empty listing = %q", got)
	}
	e.setup(t, "a", "1")
	e.setup(t, "b", "2")
	e.live.set("b", true)

	e.now = e.now.Add(time.Minute)
	e.kick(t, "x", "9", "viewer", "!streamers")
	if got := e.notes.last(PlatformKick, "x"); !strings.HasSuffix(got, "Registered streamers: a, b") {
		t.Fatalf("listing = %q", got)
	}
	e.kick(t, "x", "9", "viewer", "!online")
	if got := e.notes.last(PlatformKick, "x"); !strings.HasSuffix(got, "Live now: b") {
		t.Fatalf("online = %q", got)
	}
	before := e.notes.count()
	e.kick(t, "x", "9", "viewer", "!online")
	if e.notes.count() != before {
		t.Fatal("command cooldown did not suppress repeat")
	}
}

func TestSendMessageFromChatApp(t *testing.T) {
	e := newEnv(t)
	e.setup(t, "b", "2")
	e.live.set("b", true)
	from := Sender{Platform: PlatformDiscord, Channel: "123456", Label: "My Guild #general", UserID: "d-1", Name: "dana"}

	if r := e.router.SendMessage(context.Background(), from, "nobody", "hi"); !strings.Contains(r.Text, "No registered streamer") {
		t.Fatalf("unknown target reply = %q", r.Text)
	}
	r := e.router.SendMessage(context.Background(), from, "B", "hi from discord")
	if r.TicketID != 1 {
		t.Fatalf("reply = %+v", r)
	}
	if note := e.notes.last(PlatformKick, "b"); !strings.Contains(note, "My Guild #general") {
		t.Fatalf("notification = %q", note)
	}
	e.kick(t, "b", "2", "b", "!respond 1 hello dana")
	if got := e.notes.last(PlatformDiscord, "123456"); !strings.Contains(got, "hello dana") {
		t.Fatalf("discord response = %q", got)
	}
}

func TestFanout(t *testing.T) {
	var got string
	f := Fanout{PlatformKick: func(ctx context.Context, channel, text string) error { got = channel + "|" + text; return nil }}
	if err := f.Notify(context.Background(), PlatformKick, "a", "hi"); err != nil || got != "a|hi" {
		t.Fatalf("kick notify = %q, %v", got, err)
	}
	if err := f.Notify(context.Background(), PlatformDiscord, "1", "hi"); err == nil {
		t.Fatal("unknown platform accepted")
	}
}
