package party

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/watchparty/bridge"
	"github.com/onnwee/watchparty/db"
)

type sent struct {
	target  string // room or conn id
	event   string
	payload any
	except  string
}

type fakeHub struct {
	mu      sync.Mutex
	rooms   map[string]map[string]bool
	events  []sent
	direct  []sent
	evicted []string
}

func newFakeHub() *fakeHub { return &fakeHub{rooms: map[string]map[string]bool{}} }

func (h *fakeHub) Join(room, conn string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = map[string]bool{}
	}
	h.rooms[room][conn] = true
}

func (h *fakeHub) Leave(room, conn string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[room], conn)
}

func (h *fakeHub) Broadcast(room, event string, payload any, except string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, sent{room, event, payload, except})
}

func (h *fakeHub) Send(conn, event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.direct = append(h.direct, sent{conn, event, payload, ""})
}

func (h *fakeHub) Evict(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, room)
	h.evicted = append(h.evicted, room)
}

func (h *fakeHub) eventsFor(room, event string) []sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []sent
	for _, e := range h.events {
		if e.target == room && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeBridge struct {
	mu           sync.Mutex
	connectOK    bool
	block        chan struct{}
	connected    map[string]bool
	disconnected []string
	outbound     []string
	sendOK       bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{connectOK: true, sendOK: true, connected: map[string]bool{}}
}

func (b *fakeBridge) Connect(ctx context.Context, key, slug string, sink chan<- bridge.Message) bool {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectOK {
		b.connected[key] = true
	}
	return b.connectOK
}

func (b *fakeBridge) Disconnect(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.connected, key)
	b.disconnected = append(b.disconnected, key)
}

func (b *fakeBridge) SendMessage(ctx context.Context, slug, text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = append(b.outbound, slug+"|"+text)
	return b.sendOK
}

func (b *fakeBridge) Connected(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected[key]
}

func (b *fakeBridge) sentText() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.outbound...)
}

type fakeSettings struct {
	mu      sync.Mutex
	saved   map[string]db.PartyRecord
	ended   []string
	failing bool
}

func (s *fakeSettings) SaveParty(ctx context.Context, p db.PartyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("db down")
	}
	if s.saved == nil {
		s.saved = map[string]db.PartyRecord{}
	}
	s.saved[p.ID] = p
	return nil
}

func (s *fakeSettings) SetPartyRelay(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.saved[id]
	p.RelayToPlatform = enabled
	s.saved[id] = p
	return nil
}

func (s *fakeSettings) MarkPartyEnded(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, id)
	return nil
}

type fakeArchiver struct {
	mu  sync.Mutex
	got []Transcript
}

func (a *fakeArchiver) Archive(ctx context.Context, t Transcript) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, t)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeHub, *fakeBridge) {
	t.Helper()
	hub := newFakeHub()
	br := newFakeBridge()
	m := NewManager(Config{Broadcaster: hub, Bridge: br, Tag: "[WP]"})
	return m, hub, br
}

func TestCreatePartyUniqueIDs(t *testing.T) {
	m, _, _ := newTestManager(t)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id, err := m.CreateParty(context.Background(), Options{Channel: "chan"})
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if got := len(m.List()); got != 200 {
		t.Fatalf("List() = %d parties, want 200", got)
	}
}

func TestCreatePartyRetriesCollidingID(t *testing.T) {
	ids := []string{"aaa", "aaa", "bbb"}
	var n int
	m := NewManager(Config{Broadcaster: newFakeHub(), NewID: func() string { n++; return ids[n-1] }})
	first, _ := m.CreateParty(context.Background(), Options{Channel: "x"})
	second, err := m.CreateParty(context.Background(), Options{Channel: "x"})
	if err != nil || first != "aaa" || second != "bbb" {
		t.Fatalf("ids = %q, %q, err %v", first, second, err)
	}
}

func TestCreatePartyValidatesChannel(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.CreateParty(context.Background(), Options{Channel: "  "}); err == nil {
		t.Fatal("expected error for empty channel")
	}
	id, _ := m.CreateParty(context.Background(), Options{Channel: " SomeStreamer "})
	v, _ := m.GetParty(id)
	if v.Channel != "somestreamer" {
		t.Fatalf("channel = %q", v.Channel)
	}
}

func TestPostMessageMissingPartyIsNoop(t *testing.T) {
	m, hub, br := newTestManager(t)
	if m.PostMessage(context.Background(), "nope", "a", "hi", OriginAudience) {
		t.Fatal("PostMessage on missing party returned true")
	}
	if len(hub.events) != 0 || len(br.sentText()) != 0 {
		t.Fatal("missing party produced side effects")
	}
}

func TestEndParty(t *testing.T) {
	ctx := context.Background()
	hub := newFakeHub()
	br := newFakeBridge()
	settings := &fakeSettings{}
	arch := &fakeArchiver{}
	m := NewManager(Config{Broadcaster: hub, Bridge: br, Settings: settings, Archiver: arch})

	id, _ := m.CreateParty(ctx, Options{Channel: "c"})
	if _, err := m.JoinParty(id, "conn1", "alice"); err != nil {
		t.Fatal(err)
	}
	m.PostMessage(ctx, id, "alice", "bye", OriginAudience)

	if !m.EndParty(ctx, id) {
		t.Fatal("EndParty returned false")
	}
	if m.EndParty(ctx, id) {
		t.Fatal("second EndParty returned true")
	}
	m.Wait()

	if _, ok := m.GetParty(id); ok {
		t.Fatal("ended party still visible")
	}
	if _, err := m.JoinParty(id, "conn2", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("join ended party err = %v", err)
	}
	if m.PostMessage(ctx, id, "alice", "late", OriginAudience) {
		t.Fatal("post to ended party accepted")
	}
	if len(hub.eventsFor(id, EventPartyEnded)) != 1 {
		t.Fatal("party-ended not broadcast once")
	}
	if len(hub.evicted) != 1 || hub.evicted[0] != id {
		t.Fatalf("evicted = %v", hub.evicted)
	}
	if len(br.disconnected) == 0 || br.disconnected[0] != id {
		t.Fatalf("bridge not disconnected: %v", br.disconnected)
	}
	if len(settings.ended) != 1 {
		t.Fatalf("settings ended = %v", settings.ended)
	}
	if len(arch.got) != 1 || len(arch.got[0].Messages) != 1 {
		t.Fatalf("archived = %+v", arch.got)
	}
}

func TestJoinLeaveViewerCount(t *testing.T) {
	m, hub, _ := newTestManager(t)
	id, _ := m.CreateParty(context.Background(), Options{Channel: "c"})

	snap, err := m.JoinParty(id, "c1", "alice")
	if err != nil || snap.ViewerCount != 1 {
		t.Fatalf("join alice = %+v, %v", snap, err)
	}
	snap, _ = m.JoinParty(id, "c2", "")
	if snap.ViewerCount != 2 {
		t.Fatalf("viewer count = %d, want 2", snap.ViewerCount)
	}
	// joining twice is idempotent
	snap, _ = m.JoinParty(id, "c2", "")
	if snap.ViewerCount != 2 {
		t.Fatalf("rejoin changed count to %d", snap.ViewerCount)
	}

	joined := hub.eventsFor(id, EventViewerJoined)
	if len(joined) != 2 {
		t.Fatalf("viewer-joined events = %d, want 2", len(joined))
	}
	if ev := joined[1].payload.(ViewerEvent); ev.Username != "Anonymous" || ev.ViewerCount != 2 || joined[1].except != "c2" {
		t.Fatalf("second join event = %+v except %q", ev, joined[1].except)
	}

	m.LeaveParty("c1")
	left := hub.eventsFor(id, EventViewerLeft)
	if len(left) != 1 || left[0].payload.(ViewerEvent).ViewerCount != 1 {
		t.Fatalf("viewer-left = %+v", left)
	}
	m.LeaveParty("c1")
	if len(hub.eventsFor(id, EventViewerLeft)) != 1 {
		t.Fatal("leaving twice emitted a second event")
	}
	v, _ := m.GetParty(id)
	if v.ViewerCount != 1 {
		t.Fatalf("viewer count = %d, want 1", v.ViewerCount)
	}
}

func TestJoinMovesBetweenParties(t *testing.T) {
	m, hub, _ := newTestManager(t)
	a, _ := m.CreateParty(context.Background(), Options{Channel: "a"})
	b, _ := m.CreateParty(context.Background(), Options{Channel: "b"})
	_, _ = m.JoinParty(a, "c1", "alice")
	_, _ = m.JoinParty(b, "c1", "alice")

	va, _ := m.GetParty(a)
	vb, _ := m.GetParty(b)
	if va.ViewerCount != 0 || vb.ViewerCount != 1 {
		t.Fatalf("counts a=%d b=%d", va.ViewerCount, vb.ViewerCount)
	}
	if hub.rooms[a]["c1"] || !hub.rooms[b]["c1"] {
		t.Fatalf("rooms = %v", hub.rooms)
	}
}

func TestJoinCapsName(t *testing.T) {
	m, _, _ := newTestManager(t)
	id, _ := m.CreateParty(context.Background(), Options{Channel: "c"})
	_, _ = m.JoinParty(id, "c1", strings.Repeat("x", 100))
	var name string
	_ = m.repo.View(id, func(p *Party) { name = p.Members["c1"].Name })
	if len(name) != maxNameLen {
		t.Fatalf("name length = %d", len(name))
	}
}

func TestRelayFollowsFlagAtPostTime(t *testing.T) {
	ctx := context.Background()
	m, _, br := newTestManager(t)
	id, _ := m.CreateParty(ctx, Options{Channel: "streamer"})

	m.PostMessage(ctx, id, "alice", "one", OriginAudience)
	if !m.SetRelay(ctx, id, true) {
		t.Fatal("SetRelay returned false")
	}
	m.PostMessage(ctx, id, "alice", "two", OriginAudience)
	m.PostMessage(ctx, id, "kickuser", "from kick", OriginPlatform)
	m.PostMessage(ctx, id, "system", "notice", OriginSystem)
	m.SetRelay(ctx, id, false)
	m.PostMessage(ctx, id, "alice", "three", OriginAudience)

	got := br.sentText()
	if len(got) != 1 || got[0] != "streamer|[WP] alice: two" {
		t.Fatalf("relayed = %v", got)
	}
	if m.SetRelay(ctx, "missing", true) {
		t.Fatal("SetRelay on missing party returned true")
	}
}

func TestRelayFailureKeepsMessage(t *testing.T) {
	ctx := context.Background()
	m, hub, br := newTestManager(t)
	br.sendOK = false
	id, _ := m.CreateParty(ctx, Options{Channel: "c", RelayToPlatform: true})
	if !m.PostMessage(ctx, id, "alice", "hi", OriginAudience) {
		t.Fatal("message dropped on relay failure")
	}
	if len(hub.eventsFor(id, EventNewMessage)) != 1 {
		t.Fatal("message not broadcast")
	}
}

func TestPostMessageTrimsAndCaps(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	id, _ := m.CreateParty(ctx, Options{Channel: "c"})
	if m.PostMessage(ctx, id, "a", "   ", OriginAudience) {
		t.Fatal("blank message accepted")
	}
	m.PostMessage(ctx, id, "a", strings.Repeat("y", 800), OriginAudience)
	v, _ := m.GetParty(id)
	if len(v.Messages) != 1 || len(v.Messages[0].Text) != maxTextLen {
		t.Fatalf("messages = %d", len(v.Messages))
	}
}

func TestHistoryBounded(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	id, _ := m.CreateParty(ctx, Options{Channel: "c"})
	for i := 0; i < maxHistory+20; i++ {
		m.PostMessage(ctx, id, "a", fmt.Sprint(i), OriginAudience)
	}
	var n int
	var first string
	_ = m.repo.View(id, func(p *Party) { n = len(p.Messages); first = p.Messages[0].Text })
	if n != maxHistory || first != "20" {
		t.Fatalf("history len=%d first=%q", n, first)
	}
	v, _ := m.GetParty(id)
	if len(v.Messages) != SnapshotMessages || v.Messages[SnapshotMessages-1].Text != fmt.Sprint(maxHistory+19) {
		t.Fatalf("snapshot carries %d messages", len(v.Messages))
	}
}

func TestBroadcastsAreRoomScoped(t *testing.T) {
	ctx := context.Background()
	m, hub, _ := newTestManager(t)
	a, _ := m.CreateParty(ctx, Options{Channel: "a"})
	b, _ := m.CreateParty(ctx, Options{Channel: "b"})
	m.PostMessage(ctx, a, "x", "only a", OriginAudience)
	if len(hub.eventsFor(b, EventNewMessage)) != 0 {
		t.Fatal("message leaked into another room")
	}
	if len(hub.eventsFor(a, EventNewMessage)) != 1 {
		t.Fatal("message not delivered to its room")
	}
}

func TestPlatformMessagesFlowIntoParty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, hub, br := newTestManager(t)
	id, _ := m.CreateParty(ctx, Options{Channel: "streamer", TwoWayChat: true, RelayToPlatform: true})
	m.Wait()
	if v, _ := m.GetParty(id); !v.BridgeConnected {
		t.Fatal("bridge not attached")
	}
	go m.Run(ctx)

	// alice watches, bob chats on the platform
	snap, err := m.JoinParty(id, "conn-alice", "alice")
	if err != nil || snap.ViewerCount != 1 {
		t.Fatalf("join = %+v, %v", snap, err)
	}
	m.Inbound() <- bridge.Message{Key: id, Channel: "streamer", Author: "bob", Text: "hello party"}

	deadline := time.Now().Add(2 * time.Second)
	for len(hub.eventsFor(id, EventNewMessage)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("platform message never reached the room")
		}
		time.Sleep(5 * time.Millisecond)
	}
	msg := hub.eventsFor(id, EventNewMessage)[0].payload.(ChatMessage)
	if msg.Author != "bob" || msg.Origin != OriginPlatform {
		t.Fatalf("message = %+v", msg)
	}
	v, _ := m.GetParty(id)
	if v.ViewerCount != 1 || len(v.Messages) != 1 {
		t.Fatalf("party = %d viewers, %d messages", v.ViewerCount, len(v.Messages))
	}
	// platform messages are never echoed back out
	if got := br.sentText(); len(got) != 0 {
		t.Fatalf("platform message relayed back: %v", got)
	}
}

func TestBridgeUnavailablePostsNotice(t *testing.T) {
	ctx := context.Background()
	m, _, br := newTestManager(t)
	br.connectOK = false
	id, _ := m.CreateParty(ctx, Options{Channel: "c", TwoWayChat: true})
	m.Wait()
	v, ok := m.GetParty(id)
	if !ok || v.BridgeConnected {
		t.Fatalf("party = %+v, %v", v, ok)
	}
	if len(v.Messages) != 1 || v.Messages[0].Origin != OriginSystem {
		t.Fatalf("messages = %+v", v.Messages)
	}
}

func TestStaleBridgeAttachAfterEnd(t *testing.T) {
	ctx := context.Background()
	m, _, br := newTestManager(t)
	br.block = make(chan struct{})
	id, _ := m.CreateParty(ctx, Options{Channel: "c", TwoWayChat: true})
	m.EndParty(ctx, id)
	close(br.block)
	m.Wait()
	if br.Connected(id) {
		t.Fatal("subscription outlived its party")
	}
}

func TestActiveForOrigin(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(Config{Broadcaster: newFakeHub(), Now: func() time.Time { now = now.Add(time.Second); return now }})
	_, _ = m.CreateParty(ctx, Options{Channel: "a", OriginChannelID: "chan1"})
	newer, _ := m.CreateParty(ctx, Options{Channel: "b", OriginChannelID: "chan1"})
	_, _ = m.CreateParty(ctx, Options{Channel: "c", OriginChannelID: "chan2"})

	v, ok := m.ActiveForOrigin("chan1")
	if !ok || v.PartyID != newer {
		t.Fatalf("ActiveForOrigin = %+v, %v", v, ok)
	}
	if _, ok := m.ActiveForOrigin("chan9"); ok {
		t.Fatal("unexpected party for unknown origin")
	}
}

func TestSettingsFailureDoesNotBlockCreate(t *testing.T) {
	m := NewManager(Config{Broadcaster: newFakeHub(), Settings: &fakeSettings{failing: true}})
	if _, err := m.CreateParty(context.Background(), Options{Channel: "c"}); err != nil {
		t.Fatalf("create err = %v", err)
	}
}

func TestShutdownEndsEverything(t *testing.T) {
	ctx := context.Background()
	m, hub, _ := newTestManager(t)
	_, _ = m.CreateParty(ctx, Options{Channel: "a"})
	_, _ = m.CreateParty(ctx, Options{Channel: "b"})
	m.Shutdown(ctx)
	if len(m.List()) != 0 || len(hub.evicted) != 2 {
		t.Fatalf("parties left = %d, evicted = %d", len(m.List()), len(hub.evicted))
	}
}

// hookRepo runs after once, right after the first successful Update on a
// party, to interleave another call between a commit and its caller.
type hookRepo struct {
	*MemoryRepository
	once  sync.Once
	after func(id string)
}

func (r *hookRepo) Update(id string, fn func(p *Party) error) error {
	err := r.MemoryRepository.Update(id, fn)
	if err == nil && r.after != nil {
		r.once.Do(func() { r.after(id) })
	}
	return err
}

func TestJoinRacingEndLeavesNoMember(t *testing.T) {
	hub := newFakeHub()
	repo := &hookRepo{MemoryRepository: NewMemoryRepository()}
	m := NewManager(Config{Repo: repo, Broadcaster: hub})
	id, err := m.CreateParty(context.Background(), Options{Channel: "c"})
	if err != nil {
		t.Fatal(err)
	}
	repo.after = func(id string) { m.EndParty(context.Background(), id) }

	if _, err := m.JoinParty(id, "c1", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	hub.mu.Lock()
	inRoom := hub.rooms[id]["c1"]
	var order []string
	for _, e := range hub.events {
		if e.target == id {
			order = append(order, e.event)
		}
	}
	hub.mu.Unlock()
	if inRoom {
		t.Fatal("connection still in the room of an ended party")
	}
	if len(order) == 0 || order[len(order)-1] != EventPartyEnded {
		t.Fatalf("room events = %v, want party-ended last", order)
	}

	// a join after the end is rejected outright
	if _, err := m.JoinParty(id, "c2", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("join after end err = %v", err)
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.rooms[id]["c2"] {
		t.Fatal("late joiner added to the room")
	}
	for _, d := range hub.direct {
		if d.target == "c2" {
			t.Fatalf("late joiner got %s", d.event)
		}
	}
}

func TestConcurrentPostsBroadcastInHistoryOrder(t *testing.T) {
	m, hub, _ := newTestManager(t)
	id, _ := m.CreateParty(context.Background(), Options{Channel: "c"})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				m.PostMessage(context.Background(), id, "u", fmt.Sprintf("%d-%d", g, i), OriginAudience)
			}
		}(g)
	}
	wg.Wait()

	snap, err := m.JoinParty(id, "reader", "r")
	if err != nil {
		t.Fatal(err)
	}
	sentMsgs := hub.eventsFor(id, EventNewMessage)
	if len(sentMsgs) != 40 || len(snap.Messages) != 40 {
		t.Fatalf("broadcast %d, history %d, want 40", len(sentMsgs), len(snap.Messages))
	}
	for i, e := range sentMsgs {
		if got, want := e.payload.(ChatMessage).Text, snap.Messages[i].Text; got != want {
			t.Fatalf("broadcast %d = %q, history has %q", i, got, want)
		}
	}
}

func TestMemberName(t *testing.T) {
	m, _, _ := newTestManager(t)
	id, _ := m.CreateParty(context.Background(), Options{Channel: "c"})
	if _, err := m.JoinParty(id, "c1", "  alice "); err != nil {
		t.Fatal(err)
	}
	if name, ok := m.MemberName(id, "c1"); !ok || name != "alice" {
		t.Fatalf("MemberName = %q, %v", name, ok)
	}
	if _, ok := m.MemberName(id, "c2"); ok {
		t.Fatal("unknown connection has a name")
	}
	if _, ok := m.MemberName("nope", "c1"); ok {
		t.Fatal("unknown party has a member")
	}
}
