package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rsavin/huddle/internal/app/media"
	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

// fakeSignal records the call-control operations the session issues.
type fakeSignal struct {
	mu      sync.Mutex
	makeErr error
	nextID  domain.CallID
	made    []domain.UserID
	answers []domain.CallID
	rejects []rejectOp
	hangups []domain.CallID
}

type rejectOp struct {
	id   domain.CallID
	code core.StatusCode
}

func (f *fakeSignal) MakeCall(to domain.UserID) (domain.CallID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.makeErr != nil {
		return "", f.makeErr
	}
	f.made = append(f.made, to)
	if f.nextID == "" {
		f.nextID = "call-1"
	}
	return f.nextID, nil
}

func (f *fakeSignal) Answer(id domain.CallID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, id)
	return nil
}

func (f *fakeSignal) Reject(id domain.CallID, code core.StatusCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, rejectOp{id: id, code: code})
	return nil
}

func (f *fakeSignal) Hangup(id domain.CallID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, id)
	return nil
}

func (f *fakeSignal) rejectOps() []rejectOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rejectOp(nil), f.rejects...)
}

// fakeStream satisfies core.LocalStream and counts closes.
type fakeStream struct {
	mu     sync.Mutex
	closes int
	muted  bool
	video  bool
}

func (s *fakeStream) ID() string { return "local-1" }

func (s *fakeStream) SetMuted(m bool) {
	s.mu.Lock()
	s.muted = m
	s.mu.Unlock()
}

func (s *fakeStream) SetVideoEnabled(v bool) {
	s.mu.Lock()
	s.video = v
	s.mu.Unlock()
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// fakeDevice hands out fakeStreams; block makes Acquire wait until
// release is closed, to exercise the pending-acquisition path.
type fakeDevice struct {
	mu       sync.Mutex
	acquires int
	err      error
	block    chan struct{}
	acquired chan struct{}
	last     *fakeStream
}

func (d *fakeDevice) Acquire(ctx context.Context, c core.MediaConstraints) (core.LocalStream, error) {
	d.mu.Lock()
	d.acquires++
	block := d.block
	d.mu.Unlock()
	if d.acquired != nil {
		close(d.acquired)
		d.acquired = nil
	}
	if block != nil {
		<-block
	}
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeStream{}
	d.mu.Lock()
	d.last = s
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDevice) acquireCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquires
}

func (d *fakeDevice) lastStream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func newTestManager(sig *fakeSignal, dev *fakeDevice, mock *clock.Mock) *Manager {
	gw := media.NewGateway(dev, mock, 500*time.Millisecond)
	return NewManager("me", sig, gw, mock, 2*time.Second, core.MediaConstraints{Audio: true, Video: true})
}

func recordStates(sess *Session) (*[]StateChange, func()) {
	var mu sync.Mutex
	var changes []StateChange
	cancel := sess.OnStateChanged(func(ch StateChange) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})
	return &changes, cancel
}

func TestOutboundHappyPath(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{}
	mgr := newTestManager(sig, dev, clock.NewMock())

	sess, err := mgr.PlaceCall(context.Background(), "peer")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if got := sess.State(); got != domain.CallOutgoingCalling {
		t.Fatalf("state after PlaceCall = %v, want outgoing_calling", got)
	}

	changes, cancel := recordStates(sess)
	defer cancel()

	mgr.HandleCallState("call-1", core.StatusRinging)
	mgr.HandleCallState("call-1", core.StatusConnected) // connecting skipped by transport
	mgr.HandleCallState("call-1", core.StatusEnded)

	want := []domain.CallState{domain.CallOutgoingRinging, domain.CallConnected, domain.CallEnded}
	if len(*changes) != len(want) {
		t.Fatalf("visited %d states, want %d: %+v", len(*changes), len(want), *changes)
	}
	for i, w := range want {
		if (*changes)[i].State != w {
			t.Errorf("transition %d = %v, want %v", i, (*changes)[i].State, w)
		}
	}
	if got := sess.Reason(); got != domain.EndReasonHangupRemote {
		t.Errorf("reason = %v, want hangup_remote", got)
	}
	if dev.last.closeCount() != 1 {
		t.Errorf("local stream closes = %d, want 1", dev.last.closeCount())
	}
}

func TestStateEventsNeverRegress(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{}
	mgr := newTestManager(sig, dev, clock.NewMock())

	sess, err := mgr.PlaceCall(context.Background(), "peer")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	mgr.HandleCallState("call-1", core.StatusConnected)
	mgr.HandleCallState("call-1", core.StatusRinging) // late, must be ignored

	if got := sess.State(); got != domain.CallConnected {
		t.Fatalf("state = %v, want connected", got)
	}
}

func TestConnectedWhileIdleIsAuthoritative(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{}
	mock := clock.NewMock()
	gw := media.NewGateway(dev, mock, 500*time.Millisecond)

	sess := newSession(sig, gw, mock, 2*time.Second, core.MediaConstraints{Audio: true}, "me", domain.DirectionOutbound)
	sess.handleStatus(core.StatusConnected)

	if got := sess.State(); got != domain.CallConnected {
		t.Fatalf("state = %v, want connected", got)
	}
}

func TestEndedIsAbsorbing(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{}
	mgr := newTestManager(sig, dev, clock.NewMock())

	sess, err := mgr.PlaceCall(context.Background(), "peer")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	sess.Hangup()
	if got := sess.Reason(); got != domain.EndReasonHangupLocal {
		t.Fatalf("reason = %v, want hangup_local", got)
	}

	changes, cancel := recordStates(sess)
	defer cancel()

	// Duplicate and late events after termination are no-ops.
	mgr.HandleCallState("call-1", core.StatusEnded)
	mgr.HandleCallState("call-1", core.StatusConnected)
	sess.Hangup()

	if len(*changes) != 0 {
		t.Errorf("events after ended produced %d transitions, want 0", len(*changes))
	}
	if got := sess.Reason(); got != domain.EndReasonHangupLocal {
		t.Errorf("reason changed to %v after termination", got)
	}
	if dev.last.closeCount() != 1 {
		t.Errorf("local stream closes = %d, want 1", dev.last.closeCount())
	}
}

func TestHangupReachableFromEveryState(t *testing.T) {
	feed := [][]core.StatusCode{
		nil,
		{core.StatusRinging},
		{core.StatusRinging, core.StatusConnecting},
		{core.StatusConnected},
	}
	for _, codes := range feed {
		sig := &fakeSignal{}
		dev := &fakeDevice{}
		mgr := newTestManager(sig, dev, clock.NewMock())
		sess, err := mgr.PlaceCall(context.Background(), "peer")
		if err != nil {
			t.Fatalf("PlaceCall: %v", err)
		}
		for _, code := range codes {
			mgr.HandleCallState("call-1", code)
		}
		sess.Hangup()
		if got := sess.State(); got != domain.CallEnded {
			t.Errorf("after %v hangup state = %v, want ended", codes, got)
		}
		if _, ok := mgr.Active(); ok {
			t.Errorf("after %v manager still has an active session", codes)
		}
	}
}

func TestIncomingRejectNeverAcquiresMedia(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{}
	mgr := newTestManager(sig, dev, clock.NewMock())

	var sess *Session
	mgr.OnIncoming(func(s *Session) { sess = s })
	mgr.HandleIncomingCall("call-9", "caller")

	if sess == nil {
		t.Fatal("no incoming session delivered")
	}
	if got := sess.State(); got != domain.CallIncoming {
		t.Fatalf("state = %v, want incoming", got)
	}
	if err := sess.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got := sess.State(); got != domain.CallEnded {
		t.Errorf("state = %v, want ended", got)
	}
	if got := sess.Reason(); got != domain.EndReasonRejectedLocal {
		t.Errorf("reason = %v, want rejected_local", got)
	}
	if dev.acquireCount() != 0 {
		t.Errorf("media acquired %d times before answer, want 0", dev.acquireCount())
	}
	ops := sig.rejectOps()
	if len(ops) != 1 || ops[0].id != "call-9" || ops[0].code != core.StatusRejected {
		t.Errorf("reject ops = %+v, want one rejected for call-9", ops)
	}
}

func TestAnswerAcquiresMediaAtAnswerTime(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{}
	mgr := newTestManager(sig, dev, clock.NewMock())

	var sess *Session
	mgr.OnIncoming(func(s *Session) { sess = s })
	mgr.HandleIncomingCall("call-9", "caller")

	if dev.acquireCount() != 0 {
		t.Fatalf("media acquired at ring time")
	}
	if err := sess.Answer(context.Background()); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if dev.acquireCount() != 1 {
		t.Errorf("acquires = %d, want 1", dev.acquireCount())
	}
	if got := sess.State(); got != domain.CallConnecting {
		t.Errorf("state = %v, want connecting", got)
	}

	mgr.HandleCallState("call-9", core.StatusConnected)
	if got := sess.State(); got != domain.CallConnected {
		t.Errorf("state = %v, want connected", got)
	}
}

func TestBusyAutoTerminatesAfterGrace(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{}
	mock := clock.NewMock()
	mgr := newTestManager(sig, dev, mock)

	sess, err := mgr.PlaceCall(context.Background(), "peer")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	mgr.HandleCallState("call-1", core.StatusBusy)
	if got := sess.State(); got != domain.CallBusy {
		t.Fatalf("state = %v, want busy", got)
	}

	// Progress events cannot pull the session out of busy.
	mgr.HandleCallState("call-1", core.StatusConnected)
	if got := sess.State(); got != domain.CallBusy {
		t.Fatalf("state after late connected = %v, want busy", got)
	}

	mock.Add(2 * time.Second)
	if got := sess.State(); got != domain.CallEnded {
		t.Errorf("state after grace = %v, want ended", got)
	}
	if got := sess.Reason(); got != domain.EndReasonRemoteBusy {
		t.Errorf("reason = %v, want remote_busy", got)
	}
	if dev.last.closeCount() != 1 {
		t.Errorf("local stream closes = %d, want 1", dev.last.closeCount())
	}
}

func TestPermissionDeniedNeverReachesOutgoingCalling(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{err: core.ErrPermissionDenied}
	mgr := newTestManager(sig, dev, clock.NewMock())

	_, err := mgr.PlaceCall(context.Background(), "peer")
	if !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("PlaceCall err = %v, want ErrPermissionDenied", err)
	}
	if len(sig.made) != 0 {
		t.Errorf("call request sent despite media failure")
	}
	if _, ok := mgr.Active(); ok {
		t.Errorf("failed session left active")
	}
}

func TestTeardownDuringPendingAcquisitionReleasesStream(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{
		block:    make(chan struct{}),
		acquired: make(chan struct{}),
	}
	mgr := newTestManager(sig, dev, clock.NewMock())

	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.PlaceCall(context.Background(), "peer")
		errCh <- err
	}()

	<-dev.acquired // acquisition is now in flight
	sess, ok := mgr.Active()
	if !ok {
		t.Fatal("no active session while acquiring")
	}
	sess.Hangup()
	close(dev.block) // let the device return its stream late

	if err := <-errCh; !errors.Is(err, ErrTerminated) {
		t.Fatalf("PlaceCall err = %v, want ErrTerminated", err)
	}
	// The late stream must be released, never attached.
	deadline := time.After(2 * time.Second)
	for s := dev.lastStream(); s == nil || s.closeCount() == 0; s = dev.lastStream() {
		select {
		case <-deadline:
			t.Fatal("late stream was not released")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestSecondInboundWhileActiveIsRejectedBusy(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{}
	mgr := newTestManager(sig, dev, clock.NewMock())

	mgr.HandleIncomingCall("call-1", "alice")
	mgr.HandleIncomingCall("call-2", "bob")

	ops := sig.rejectOps()
	if len(ops) != 1 || ops[0].id != "call-2" || ops[0].code != core.StatusBusy {
		t.Fatalf("reject ops = %+v, want busy reject for call-2", ops)
	}
	sess, ok := mgr.Active()
	if !ok || sess.CallID() != "call-1" {
		t.Errorf("active session disturbed by overlapping inbound call")
	}
}

func TestPlaceCallWhileActiveFails(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{}
	mgr := newTestManager(sig, dev, clock.NewMock())

	if _, err := mgr.PlaceCall(context.Background(), "peer"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if _, err := mgr.PlaceCall(context.Background(), "other"); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second PlaceCall err = %v, want ErrCallInProgress", err)
	}
}

func TestToggleRequiresConnected(t *testing.T) {
	sig := &fakeSignal{}
	dev := &fakeDevice{}
	mgr := newTestManager(sig, dev, clock.NewMock())

	sess, err := mgr.PlaceCall(context.Background(), "peer")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if err := sess.ToggleMute(true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("ToggleMute before connected err = %v, want ErrInvalidState", err)
	}

	mgr.HandleCallState("call-1", core.StatusConnected)
	if err := sess.ToggleMute(true); err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}
	if !sess.Muted() {
		t.Errorf("Muted() = false after ToggleMute(true)")
	}
	if err := sess.ToggleLocalVideo(false); err != nil {
		t.Fatalf("ToggleLocalVideo: %v", err)
	}
	if got := sess.State(); got != domain.CallConnected {
		t.Errorf("toggles changed state to %v", got)
	}
}
