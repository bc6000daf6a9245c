package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

// fakeTransport emits scripted events and records operations.
type fakeTransport struct {
	events chan core.TransportEvent

	mu      sync.Mutex
	dialErr error
	dials   int
	auths   []string
	offers  []string
	closes  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan core.TransportEvent, 16)}
}

func (f *fakeTransport) Dial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	return f.dialErr
}

func (f *fakeTransport) Authenticate(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths = append(f.auths, token)
	return nil
}

func (f *fakeTransport) MakeCall(id domain.CallID, to domain.UserID) error { return nil }
func (f *fakeTransport) Answer(id domain.CallID) error                     { return nil }
func (f *fakeTransport) Reject(id domain.CallID, c core.StatusCode) error  { return nil }
func (f *fakeTransport) Hangup(id domain.CallID) error                     { return nil }

func (f *fakeTransport) SendOffer(id domain.CallID, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, sdp)
	return nil
}

func (f *fakeTransport) SendAnswer(id domain.CallID, sdp string) error          { return nil }
func (f *fakeTransport) SendCandidate(id domain.CallID, candidate string) error { return nil }

func (f *fakeTransport) Events() <-chan core.TransportEvent { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

var creds = Credentials{Identity: "me", Token: "tok"}

// connectAsync runs Connect on its own goroutine and returns the result
// channel; the small sleep lets Connect reach its timer before the test
// advances the mock clock.
func connectAsync(c *Client) chan error {
	out := make(chan error, 1)
	go func() { out <- c.Connect(context.Background(), creds) }()
	time.Sleep(20 * time.Millisecond)
	return out
}

func waitErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
		return nil
	}
}

func TestConnectHandshake(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	c := NewClient(tr, mock, 10*time.Second, 15*time.Second)

	res := connectAsync(c)
	tr.events <- core.TransportEvent{Kind: core.EventConnected}
	time.Sleep(20 * time.Millisecond)
	tr.events <- core.TransportEvent{Kind: core.EventAuthenticated}

	if err := waitErr(t, res); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.IsReady() {
		t.Errorf("IsReady() = false after successful handshake")
	}
	tr.mu.Lock()
	auths := append([]string(nil), tr.auths...)
	tr.mu.Unlock()
	if len(auths) != 1 || auths[0] != "tok" {
		t.Errorf("auth messages = %v, want [tok]", auths)
	}
}

func TestConnectTimeout(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	c := NewClient(tr, mock, 10*time.Second, 15*time.Second)

	res := connectAsync(c)
	mock.Add(10 * time.Second)

	if err := waitErr(t, res); !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect err = %v, want ErrConnectTimeout", err)
	}
	if c.IsReady() {
		t.Errorf("IsReady() = true after connect timeout")
	}
}

func TestAuthTimeout(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	c := NewClient(tr, mock, 10*time.Second, 15*time.Second)

	res := connectAsync(c)
	tr.events <- core.TransportEvent{Kind: core.EventConnected}
	time.Sleep(20 * time.Millisecond)
	mock.Add(15 * time.Second)

	if err := waitErr(t, res); !errors.Is(err, ErrAuthTimeout) {
		t.Fatalf("Connect err = %v, want ErrAuthTimeout", err)
	}
}

func TestAuthFailed(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	c := NewClient(tr, mock, 10*time.Second, 15*time.Second)

	res := connectAsync(c)
	tr.events <- core.TransportEvent{Kind: core.EventConnected}
	tr.events <- core.TransportEvent{Kind: core.EventAuthFailed}

	if err := waitErr(t, res); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Connect err = %v, want ErrAuthFailed", err)
	}
	if c.IsReady() {
		t.Errorf("IsReady() = true after auth failure")
	}
}

func TestCallOpsFailFastWhenNotReady(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(tr, clock.NewMock(), 10*time.Second, 15*time.Second)

	if _, err := c.MakeCall("peer"); !errors.Is(err, ErrNotReady) {
		t.Errorf("MakeCall err = %v, want ErrNotReady", err)
	}
	if err := c.Answer("x"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Answer err = %v, want ErrNotReady", err)
	}
	if err := c.Hangup("x"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Hangup err = %v, want ErrNotReady", err)
	}
}

func TestAuthRequiredFlipsReadiness(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	c := NewClient(tr, mock, 10*time.Second, 15*time.Second)

	readyCh := make(chan bool, 4)
	defer c.OnReadyChanged(func(r bool) { readyCh <- r })()

	res := connectAsync(c)
	tr.events <- core.TransportEvent{Kind: core.EventConnected}
	time.Sleep(20 * time.Millisecond)
	tr.events <- core.TransportEvent{Kind: core.EventAuthenticated}
	if err := waitErr(t, res); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := <-readyCh; !got {
		t.Fatalf("first ready notification = false, want true")
	}

	tr.events <- core.TransportEvent{Kind: core.EventAuthRequired}
	select {
	case got := <-readyCh:
		if got {
			t.Errorf("ready notification after auth-required = true, want false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no readiness notification after auth-required")
	}
	if c.IsReady() {
		t.Errorf("IsReady() = true after server requested re-auth")
	}
}

func TestIncomingAndStateDispatch(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	c := NewClient(tr, mock, 10*time.Second, 15*time.Second)

	type incoming struct {
		id   domain.CallID
		from domain.UserID
	}
	incCh := make(chan incoming, 1)
	stCh := make(chan core.StatusCode, 1)
	defer c.OnIncomingCall(func(id domain.CallID, from domain.UserID) {
		incCh <- incoming{id, from}
	})()
	defer c.OnCallStateChanged(func(id domain.CallID, code core.StatusCode) {
		stCh <- code
	})()

	res := connectAsync(c)
	tr.events <- core.TransportEvent{Kind: core.EventConnected}
	time.Sleep(20 * time.Millisecond)
	tr.events <- core.TransportEvent{Kind: core.EventAuthenticated}
	if err := waitErr(t, res); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tr.events <- core.TransportEvent{Kind: core.EventIncomingCall, CallID: "c1", From: "alice"}
	tr.events <- core.TransportEvent{Kind: core.EventCallState, CallID: "c1", Status: core.StatusRinging}

	select {
	case got := <-incCh:
		if got.id != "c1" || got.from != "alice" {
			t.Errorf("incoming = %+v, want c1/alice", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("incoming call not dispatched")
	}
	select {
	case got := <-stCh:
		if got != core.StatusRinging {
			t.Errorf("state = %v, want ringing", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call state not dispatched")
	}
}

func TestMediaSignalDispatch(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	c := NewClient(tr, mock, 10*time.Second, 15*time.Second)

	offerCh := make(chan string, 1)
	answerCh := make(chan string, 1)
	candCh := make(chan string, 1)
	defer c.OnRemoteOffer(func(id domain.CallID, sdp string) { offerCh <- sdp })()
	defer c.OnRemoteAnswer(func(id domain.CallID, sdp string) { answerCh <- sdp })()
	defer c.OnRemoteCandidate(func(id domain.CallID, cand string) { candCh <- cand })()

	res := connectAsync(c)
	tr.events <- core.TransportEvent{Kind: core.EventConnected}
	time.Sleep(20 * time.Millisecond)
	tr.events <- core.TransportEvent{Kind: core.EventAuthenticated}
	if err := waitErr(t, res); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tr.events <- core.TransportEvent{Kind: core.EventOffer, CallID: "c1", SDP: "offer-sdp"}
	tr.events <- core.TransportEvent{Kind: core.EventAnswer, CallID: "c1", SDP: "answer-sdp"}
	tr.events <- core.TransportEvent{Kind: core.EventCandidate, CallID: "c1", Candidate: "cand-1"}

	expect := []struct {
		ch   chan string
		want string
	}{
		{offerCh, "offer-sdp"},
		{answerCh, "answer-sdp"},
		{candCh, "cand-1"},
	}
	for _, e := range expect {
		select {
		case got := <-e.ch:
			if got != e.want {
				t.Errorf("dispatch payload = %q, want %q", got, e.want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("payload %q not dispatched", e.want)
		}
	}

	if err := c.SendOffer("c1", "local-offer"); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	tr.mu.Lock()
	offers := append([]string(nil), tr.offers...)
	tr.mu.Unlock()
	if len(offers) != 1 || offers[0] != "local-offer" {
		t.Errorf("offers on the wire = %v, want [local-offer]", offers)
	}
}

func TestMediaOpsFailFastWhenNotReady(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(tr, clock.NewMock(), 10*time.Second, 15*time.Second)

	if err := c.SendOffer("x", "sdp"); !errors.Is(err, ErrNotReady) {
		t.Errorf("SendOffer err = %v, want ErrNotReady", err)
	}
	if err := c.SendAnswer("x", "sdp"); !errors.Is(err, ErrNotReady) {
		t.Errorf("SendAnswer err = %v, want ErrNotReady", err)
	}
	if err := c.SendCandidate("x", "cand"); !errors.Is(err, ErrNotReady) {
		t.Errorf("SendCandidate err = %v, want ErrNotReady", err)
	}
}

func TestDisconnectWhileConnectPending(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	c := NewClient(tr, mock, 10*time.Second, 15*time.Second)

	res := connectAsync(c)
	c.Disconnect()

	if err := waitErr(t, res); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect err = %v, want ErrClosed", err)
	}
	if c.IsReady() {
		t.Errorf("IsReady() = true after Disconnect")
	}
	// Advancing past both timeouts must be inert once closed.
	mock.Add(30 * time.Second)
	if got := tr.closeCount(); got != 1 {
		t.Errorf("transport closes = %d, want 1", got)
	}
}

func TestDisconnectWhileAuthPending(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	c := NewClient(tr, mock, 10*time.Second, 15*time.Second)

	res := connectAsync(c)
	tr.events <- core.TransportEvent{Kind: core.EventConnected}
	time.Sleep(20 * time.Millisecond)
	c.Disconnect()

	if err := waitErr(t, res); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect err = %v, want ErrClosed", err)
	}
	if c.IsReady() {
		t.Errorf("IsReady() = true after Disconnect")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(tr, clock.NewMock(), 10*time.Second, 15*time.Second)

	c.Disconnect()
	c.Disconnect()

	if got := tr.closeCount(); got != 1 {
		t.Errorf("transport closes = %d, want 1", got)
	}
	if err := c.Connect(context.Background(), creds); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Disconnect err = %v, want ErrClosed", err)
	}
}
