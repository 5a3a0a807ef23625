package autoparty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/onnwee/watchparty/db"
	"github.com/onnwee/watchparty/kickapi"
	"github.com/onnwee/watchparty/party"
)

type staticRules []db.AutoPartyRule

func (s staticRules) ListRules(context.Context) ([]db.AutoPartyRule, error) { return s, nil }

type liveMap struct {
	mu    sync.Mutex
	state map[string]bool
	errs  map[string]error
}

func (l *liveMap) IsLive(_ context.Context, slug string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.errs[slug]; err != nil {
		return false, err
	}
	return l.state[slug], nil
}

type fakeParties struct {
	created []party.Options
	active  map[string]string
	fail    bool
}

func (f *fakeParties) ActiveForOrigin(origin string) (party.View, bool) {
	id, ok := f.active[origin]
	if !ok {
		return party.View{}, false
	}
	return party.View{Snapshot: party.Snapshot{PartyID: id}}, true
}

func (f *fakeParties) CreateParty(_ context.Context, opts party.Options) (string, error) {
	if f.fail {
		return "", errors.New("boom")
	}
	f.created = append(f.created, opts)
	id := fmt.Sprintf("p%d", len(f.created))
	f.active[opts.OriginChannelID] = id
	return id, nil
}

type notes struct{ got []string }

func (n *notes) PartyStarted(_ context.Context, r db.AutoPartyRule, id string) error {
	n.got = append(n.got, r.OriginChannelID+":"+id)
	return nil
}

func TestPollCreatesOncePerTransition(t *testing.T) {
	ctx := context.Background()
	rules := staticRules{{ID: 1, GuildID: "g", OriginChannelID: "c1", TargetChannel: "carol", AutoRelay: true}}
	live := &liveMap{state: map[string]bool{}}
	parties := &fakeParties{active: map[string]string{}}
	n := &notes{}
	p := &Poller{Rules: rules, Live: live, Parties: parties, Notifier: n, TwoWayChat: true,
		GuildName: func(string) string { return "Guild" }}

	if got := p.Poll(ctx); len(got) != 0 {
		t.Fatalf("offline poll created %v", got)
	}
	live.state["carol"] = true
	if got := p.Poll(ctx); len(got) != 1 {
		t.Fatalf("live transition created %v", got)
	}
	opts := parties.created[0]
	if !opts.RelayToPlatform || !opts.AutoCreated || !opts.TwoWayChat || opts.GuildName != "Guild" || opts.Channel != "carol" {
		t.Fatalf("party options = %+v", opts)
	}
	if got := p.Poll(ctx); len(got) != 0 {
		t.Fatalf("still-live poll created %v", got)
	}
	if len(n.got) != 1 || n.got[0] != "c1:p1" {
		t.Fatalf("notifications = %v", n.got)
	}

	// offline clears memory only; a fresh transition skips while a party is active
	live.state["carol"] = false
	p.Poll(ctx)
	live.state["carol"] = true
	if got := p.Poll(ctx); len(got) != 0 {
		t.Fatalf("created with active party: %v", got)
	}
	delete(parties.active, "c1")
	live.state["carol"] = false
	p.Poll(ctx)
	live.state["carol"] = true
	if got := p.Poll(ctx); len(got) != 1 {
		t.Fatalf("second stream created %v", got)
	}
}

func TestPollIsolatesRuleFailures(t *testing.T) {
	ctx := context.Background()
	rules := staticRules{
		{ID: 1, OriginChannelID: "c1", TargetChannel: "gone"},
		{ID: 2, OriginChannelID: "c2", TargetChannel: "flaky"},
		{ID: 3, OriginChannelID: "c3", TargetChannel: "dave"},
	}
	live := &liveMap{
		state: map[string]bool{"dave": true},
		errs:  map[string]error{"gone": kickapi.ErrChannelNotFound, "flaky": errors.New("timeout")},
	}
	parties := &fakeParties{active: map[string]string{}}
	p := &Poller{Rules: rules, Live: live, Parties: parties}
	if got := p.Poll(ctx); len(got) != 1 || parties.created[0].OriginChannelID != "c3" {
		t.Fatalf("created %v", got)
	}
}

func TestPollRetriesFailedCreate(t *testing.T) {
	ctx := context.Background()
	rules := staticRules{{ID: 1, OriginChannelID: "c1", TargetChannel: "erin"}}
	live := &liveMap{state: map[string]bool{"erin": true}}
	parties := &fakeParties{active: map[string]string{}, fail: true}
	p := &Poller{Rules: rules, Live: live, Parties: parties}
	p.Poll(ctx)
	parties.fail = false
	if got := p.Poll(ctx); len(got) != 1 {
		t.Fatalf("retry created %v", got)
	}
}

type nopHub struct{}

func (nopHub) Join(string, string)                   {}
func (nopHub) Leave(string, string)                  {}
func (nopHub) Broadcast(string, string, any, string) {}
func (nopHub) Send(string, string, any)              {}
func (nopHub) Evict(string)                          {}

func TestAutoPartyWithManager(t *testing.T) {
	ctx := context.Background()
	m := party.NewManager(party.Config{Broadcaster: nopHub{}})
	live := &liveMap{state: map[string]bool{}}
	p := &Poller{
		Rules:   staticRules{{ID: 7, GuildID: "g", OriginChannelID: "c1", TargetChannel: "carol", AutoRelay: true}},
		Live:    live,
		Parties: m,
	}
	p.Poll(ctx)
	live.state["carol"] = true
	p.Poll(ctx)
	p.Poll(ctx)

	list := m.List()
	if len(list) != 1 {
		t.Fatalf("parties = %d, want 1", len(list))
	}
	if !list[0].RelayToPlatform || !list[0].AutoCreated || list[0].Channel != "carol" {
		t.Fatalf("party = %+v", list[0])
	}
}
