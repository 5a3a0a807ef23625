package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeResolver map[string]int

func (f fakeResolver) ChatroomID(_ context.Context, slug string) (int, error) {
	return f[slug], nil
}

type fakeConn struct {
	msgs   chan Message
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan Message, 8), errs: make(chan error, 1), closed: make(chan struct{})}
}

func (c *fakeConn) Recv() (Message, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case err := <-c.errs:
		return Message{}, err
	case <-c.closed:
		return Message{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// scriptTransport returns the scripted results in order, then repeats the last.
type scriptTransport struct {
	mu      sync.Mutex
	results []func(ctx context.Context) (Conn, error)
	calls   int
}

func (s *scriptTransport) Open(ctx context.Context, _ Endpoint, _ int) (Conn, error) {
	s.mu.Lock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	fn := s.results[i]
	s.mu.Unlock()
	return fn(ctx)
}

func (s *scriptTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func returns(conn Conn, err error) func(context.Context) (Conn, error) {
	return func(context.Context) (Conn, error) { return conn, err }
}

func blocks() func(context.Context) (Conn, error) {
	return func(ctx context.Context) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func newTestBridge(eps ...Endpoint) *Bridge {
	b := New(fakeResolver{"alice": 10}, nil, eps, "[WatchParty]")
	b.AttemptTimeout = 200 * time.Millisecond
	b.ReconnectDelay = 10 * time.Millisecond
	return b
}

func recvMsg(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"failure", fail(FatalEndpoint, 4001, errors.New("x")), FatalEndpoint},
		{"wrapped failure", errors.Join(errors.New("ctx"), fail(FatalAll, 0, errors.New("x"))), FatalAll},
		{"canceled", context.Canceled, FatalAll},
		{"timeout", context.DeadlineExceeded, FatalEndpoint},
		{"other", io.ErrUnexpectedEOF, Retryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
		})
	}

	codes := map[int]FailureClass{4000: FatalEndpoint, 4099: FatalEndpoint, 4100: Retryable, 4201: Retryable}
	for code, want := range codes {
		if got := pusherErrorClass(code); got != want {
			t.Errorf("pusherErrorClass(%d) = %v, want %v", code, got, want)
		}
	}
	if subscriptionErrorClass(403) != FatalEndpoint || subscriptionErrorClass(500) != Retryable {
		t.Error("subscription error classes wrong")
	}
}

func TestConnectNoChatroom(t *testing.T) {
	tr := &scriptTransport{results: []func(context.Context) (Conn, error){returns(newFakeConn(), nil)}}
	b := newTestBridge(Endpoint{Name: "a", Transport: tr})
	if b.Connect(context.Background(), "p1", "nochat", make(chan Message)) {
		t.Fatal("connect should fail without a chatroom")
	}
	if b.State("p1") != Closed {
		t.Fatalf("state = %v, want closed", b.State("p1"))
	}
	if tr.Calls() != 0 {
		t.Fatal("no endpoint should be tried without a chatroom")
	}
}

func TestConnectEndpointFallback(t *testing.T) {
	fatal := &scriptTransport{results: []func(context.Context) (Conn, error){returns(nil, fail(FatalEndpoint, 4001, errors.New("app disabled")))}}
	flaky := &scriptTransport{results: []func(context.Context) (Conn, error){returns(nil, fail(Retryable, 4200, errors.New("reconnect")))}}
	slow := &scriptTransport{results: []func(context.Context) (Conn, error){blocks()}}
	conn := newFakeConn()
	good := &scriptTransport{results: []func(context.Context) (Conn, error){returns(conn, nil)}}
	b := newTestBridge(
		Endpoint{Name: "fatal", Transport: fatal},
		Endpoint{Name: "flaky", Transport: flaky},
		Endpoint{Name: "slow", Transport: slow},
		Endpoint{Name: "good", Transport: good},
	)
	b.AttemptTimeout = 50 * time.Millisecond

	if !b.Connect(context.Background(), "p1", "Alice", make(chan Message)) {
		t.Fatal("expected subscription via last endpoint")
	}
	defer b.Disconnect("p1")
	if fatal.Calls() != 1 {
		t.Errorf("fatal endpoint tried %d times, want 1", fatal.Calls())
	}
	if flaky.Calls() != 1+DefaultMaxRetries {
		t.Errorf("retryable endpoint tried %d times, want %d", flaky.Calls(), 1+DefaultMaxRetries)
	}
	if slow.Calls() != 1 {
		t.Errorf("timed out endpoint tried %d times, want 1", slow.Calls())
	}
	if !b.Connected("p1") {
		t.Fatalf("state = %v", b.State("p1"))
	}
}

func TestConnectAllEndpointsExhausted(t *testing.T) {
	tr := &scriptTransport{results: []func(context.Context) (Conn, error){returns(nil, fail(FatalEndpoint, 403, errors.New("auth")))}}
	b := newTestBridge(Endpoint{Name: "a", Transport: tr}, Endpoint{Name: "b", Transport: tr})
	if b.Connect(context.Background(), "p1", "alice", make(chan Message)) {
		t.Fatal("expected failure")
	}
	if tr.Calls() != 2 || b.State("p1") != Closed {
		t.Fatalf("calls=%d state=%v", tr.Calls(), b.State("p1"))
	}
}

func TestConnectFatalAllStops(t *testing.T) {
	first := &scriptTransport{results: []func(context.Context) (Conn, error){returns(nil, fail(FatalAll, 0, errors.New("banned")))}}
	second := &scriptTransport{results: []func(context.Context) (Conn, error){returns(newFakeConn(), nil)}}
	b := newTestBridge(Endpoint{Name: "a", Transport: first}, Endpoint{Name: "b", Transport: second})
	if b.Connect(context.Background(), "p1", "alice", make(chan Message)) {
		t.Fatal("expected failure")
	}
	if second.Calls() != 0 {
		t.Fatal("FatalAll must not try further endpoints")
	}
}

func TestInboundFilteringAndKeying(t *testing.T) {
	conn := newFakeConn()
	tr := &scriptTransport{results: []func(context.Context) (Conn, error){returns(conn, nil)}}
	b := newTestBridge(Endpoint{Name: "a", Transport: tr})
	sink := make(chan Message, 4)
	if !b.Connect(context.Background(), "party-1", "alice", sink) {
		t.Fatal("connect failed")
	}
	defer b.Disconnect("party-1")

	conn.msgs <- Message{Author: "carol", Text: "[WatchParty] bob: hi"}
	conn.msgs <- Message{Author: "dave", Text: "hello chat"}
	m := recvMsg(t, sink)
	if m.Text != "hello chat" || m.Key != "party-1" || m.Channel != "alice" {
		t.Fatalf("message = %+v", m)
	}
	select {
	case extra := <-sink:
		t.Fatalf("unexpected message %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	tr := &scriptTransport{results: []func(context.Context) (Conn, error){returns(first, nil), returns(second, nil)}}
	b := newTestBridge(Endpoint{Name: "a", Transport: tr})
	sink := make(chan Message, 4)
	if !b.Connect(context.Background(), "p1", "alice", sink) {
		t.Fatal("connect failed")
	}
	defer b.Disconnect("p1")

	first.errs <- io.ErrUnexpectedEOF
	second.msgs <- Message{Author: "x", Text: "after reconnect"}
	if m := recvMsg(t, sink); m.Text != "after reconnect" {
		t.Fatalf("message = %+v", m)
	}
	if !first.isClosed() {
		t.Fatal("dropped conn not closed")
	}
	if b.State("p1") != Subscribed || tr.Calls() != 2 {
		t.Fatalf("state=%v calls=%d", b.State("p1"), tr.Calls())
	}
}

func TestReconnectKeepsTryingUntilEndpointRecovers(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	down := errors.New("connection refused")
	tr := &scriptTransport{results: []func(context.Context) (Conn, error){
		returns(first, nil),
		returns(nil, down), returns(nil, down), returns(nil, down),
		returns(second, nil),
	}}
	b := newTestBridge(Endpoint{Name: "a", Transport: tr})
	b.MaxReconnectDelay = 40 * time.Millisecond
	sink := make(chan Message, 4)
	if !b.Connect(context.Background(), "p1", "alice", sink) {
		t.Fatal("connect failed")
	}
	defer b.Disconnect("p1")

	first.errs <- io.ErrUnexpectedEOF
	second.msgs <- Message{Author: "x", Text: "back"}
	if m := recvMsg(t, sink); m.Text != "back" {
		t.Fatalf("message = %+v", m)
	}
	if b.State("p1") != Subscribed || tr.Calls() != 5 {
		t.Fatalf("state=%v calls=%d, want subscribed after 5 opens", b.State("p1"), tr.Calls())
	}
}

func TestReconnectFatalAllCloses(t *testing.T) {
	first := newFakeConn()
	tr := &scriptTransport{results: []func(context.Context) (Conn, error){
		returns(first, nil),
		returns(nil, fail(FatalAll, 0, errors.New("banned"))),
	}}
	b := newTestBridge(Endpoint{Name: "a", Transport: tr})
	if !b.Connect(context.Background(), "p1", "alice", make(chan Message, 1)) {
		t.Fatal("connect failed")
	}
	first.errs <- io.ErrUnexpectedEOF
	deadline := time.Now().Add(2 * time.Second)
	for b.State("p1") != Closed {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want closed", b.State("p1"))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if tr.Calls() != 2 {
		t.Fatalf("calls = %d, want 2", tr.Calls())
	}
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	first := newFakeConn()
	tr := &scriptTransport{results: []func(context.Context) (Conn, error){
		returns(first, nil),
		returns(nil, errors.New("connection refused")),
	}}
	b := newTestBridge(Endpoint{Name: "a", Transport: tr})
	b.MaxReconnectDelay = 20 * time.Millisecond
	if !b.Connect(context.Background(), "p1", "alice", make(chan Message, 1)) {
		t.Fatal("connect failed")
	}
	first.errs <- io.ErrUnexpectedEOF
	for tr.Calls() < 4 {
		time.Sleep(5 * time.Millisecond)
	}
	b.Disconnect("p1")
	time.Sleep(50 * time.Millisecond)
	calls := tr.Calls()
	time.Sleep(100 * time.Millisecond)
	if tr.Calls() != calls {
		t.Fatalf("still dialing after disconnect: %d -> %d", calls, tr.Calls())
	}
	if b.State("p1") != Idle {
		t.Fatalf("state = %v, want idle", b.State("p1"))
	}
}

func TestNextDelayCapped(t *testing.T) {
	b := &Bridge{MaxReconnectDelay: 30 * time.Second}
	if d := b.nextDelay(10 * time.Second); d != 20*time.Second {
		t.Fatalf("nextDelay(10s) = %v", d)
	}
	if d := b.nextDelay(20 * time.Second); d != 30*time.Second {
		t.Fatalf("nextDelay(20s) = %v, want cap", d)
	}
	if d := (&Bridge{}).nextDelay(90 * time.Second); d != DefaultMaxReconnectDelay {
		t.Fatalf("default cap = %v", d)
	}
}

func TestStaleConnectAfterDisconnect(t *testing.T) {
	release := make(chan struct{})
	conn := newFakeConn()
	var entered atomic.Bool
	tr := &scriptTransport{results: []func(context.Context) (Conn, error){func(ctx context.Context) (Conn, error) {
		entered.Store(true)
		<-release
		return conn, nil
	}}}
	b := newTestBridge(Endpoint{Name: "a", Transport: tr})
	b.AttemptTimeout = time.Second

	done := make(chan bool)
	go func() { done <- b.Connect(context.Background(), "p1", "alice", make(chan Message)) }()
	for !entered.Load() {
		time.Sleep(time.Millisecond)
	}
	if b.State("p1") != Connecting {
		t.Fatalf("state = %v, want connecting", b.State("p1"))
	}
	b.Disconnect("p1")
	close(release)
	if <-done {
		t.Fatal("stale connect must not report success")
	}
	if !conn.isClosed() {
		t.Fatal("stale conn must be closed")
	}
	if b.State("p1") != Idle {
		t.Fatalf("state = %v, want idle", b.State("p1"))
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	conn := newFakeConn()
	tr := &scriptTransport{results: []func(context.Context) (Conn, error){returns(conn, nil)}}
	b := newTestBridge(Endpoint{Name: "a", Transport: tr})
	b.Disconnect("never")
	if !b.Connect(context.Background(), "p1", "alice", make(chan Message)) {
		t.Fatal("connect failed")
	}
	// second connect on a live key is a no-op
	if !b.Connect(context.Background(), "p1", "alice", make(chan Message)) || tr.Calls() != 1 {
		t.Fatal("duplicate connect should reuse the subscription")
	}
	b.Disconnect("p1")
	b.Disconnect("p1")
	if !conn.isClosed() || b.Connected("p1") {
		t.Fatal("disconnect did not close the subscription")
	}
}

type fakeSender struct{ err error }

func (f fakeSender) SendChat(context.Context, string, string) error { return f.err }

func TestSendMessage(t *testing.T) {
	b := newTestBridge()
	if b.SendMessage(context.Background(), "alice", "x") {
		t.Fatal("no sender should report false")
	}
	b.Sender = fakeSender{}
	if !b.SendMessage(context.Background(), "alice", "x") {
		t.Fatal("expected success")
	}
	b.Sender = fakeSender{err: errors.New("401")}
	if b.SendMessage(context.Background(), "alice", "x") {
		t.Fatal("expected failure")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", Connecting: "connecting", Subscribed: "subscribed", Disconnected: "disconnected", Closed: "closed"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q", s, s.String())
		}
	}
}
