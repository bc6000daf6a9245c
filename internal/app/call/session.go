// Package call implements the per-call state machine, the single-call
// policy around it, and incoming-call identity resolution.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/app/media"
	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

var (
	ErrCallInProgress = errors.New("call: another call is active")
	ErrInvalidState   = errors.New("call: operation not valid in current state")
	ErrTerminated     = errors.New("call: session terminated")
)

// Signal is the slice of the signaling client the session drives.
type Signal interface {
	MakeCall(to domain.UserID) (domain.CallID, error)
	Answer(id domain.CallID) error
	Reject(id domain.CallID, code core.StatusCode) error
	Hangup(id domain.CallID) error
}

// StateChange is what session observers receive.
type StateChange struct {
	State  domain.CallState
	Reason domain.EndReason
}

// Session is one in-progress or terminated call attempt. It
// exclusively owns its local stream and, while attached, the remote
// handle; both are released unconditionally on termination.
type Session struct {
	sig       Signal
	gw        *media.Gateway
	clk       clock.Clock
	busyGrace time.Duration

	mu           sync.Mutex
	id           domain.CallID
	local        domain.UserID
	remote       domain.UserID
	direction    domain.Direction
	state        domain.CallState
	reason       domain.EndReason
	muted        bool
	localVideo   bool
	localStream  core.LocalStream
	remoteHandle *media.RemoteHandle
	busyTimer    *clock.Timer
	acquireGen   int
	constraints  core.MediaConstraints
	nextSub      int
	subs         map[int]func(StateChange)
	onDone       func(*Session)
}

func newSession(sig Signal, gw *media.Gateway, clk clock.Clock, busyGrace time.Duration, constraints core.MediaConstraints, local domain.UserID, dir domain.Direction) *Session {
	s := &Session{
		sig:         sig,
		gw:          gw,
		clk:         clk,
		busyGrace:   busyGrace,
		constraints: constraints,
		local:       local,
		direction:   dir,
		state:       domain.CallIdle,
		localVideo:  constraints.Video,
		subs:        make(map[int]func(StateChange)),
	}
	if dir == domain.DirectionInbound {
		s.state = domain.CallIncoming
	}
	return s
}

func (s *Session) CallID() domain.CallID       { s.mu.Lock(); defer s.mu.Unlock(); return s.id }
func (s *Session) Remote() domain.UserID       { s.mu.Lock(); defer s.mu.Unlock(); return s.remote }
func (s *Session) Direction() domain.Direction { return s.direction }
func (s *Session) State() domain.CallState     { s.mu.Lock(); defer s.mu.Unlock(); return s.state }
func (s *Session) Reason() domain.EndReason    { s.mu.Lock(); defer s.mu.Unlock(); return s.reason }
func (s *Session) Muted() bool                 { s.mu.Lock(); defer s.mu.Unlock(); return s.muted }

func (s *Session) LocalVideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localVideo
}

// LocalStream returns the acquired local stream, nil before
// acquisition and after termination.
func (s *Session) LocalStream() core.LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localStream
}

// RemoteVideoEnabled is derived from remote track health; false until a
// remote stream is attached.
func (s *Session) RemoteVideoEnabled() bool {
	s.mu.Lock()
	h := s.remoteHandle
	s.mu.Unlock()
	if h == nil {
		return false
	}
	return h.VideoEnabled()
}

// OnStateChanged registers an observer for state transitions.
func (s *Session) OnStateChanged(fn func(StateChange)) (cancel func()) {
	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	s.subs[key] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, key)
		s.mu.Unlock()
	}
}

// Answer accepts an incoming call. Local media is acquired here, at
// answer time, never at ring time.
func (s *Session) Answer(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.CallIncoming {
		st := s.state
		s.mu.Unlock()
		log.Warn().Str("module", "call").Str("state", st.String()).Msg("answer in invalid state")
		return ErrInvalidState
	}
	id := s.id
	s.mu.Unlock()

	if err := s.acquireLocal(ctx); err != nil {
		s.terminate(mediaReason(err))
		return err
	}
	if err := s.sig.Answer(id); err != nil {
		s.terminate(domain.EndReasonSignalError)
		return err
	}
	s.advance(domain.CallConnecting)
	return nil
}

// Reject declines an incoming call. Local media was never requested.
func (s *Session) Reject() error {
	s.mu.Lock()
	if s.state != domain.CallIncoming {
		s.mu.Unlock()
		return ErrInvalidState
	}
	id := s.id
	s.mu.Unlock()

	err := s.sig.Reject(id, core.StatusRejected)
	s.terminate(domain.EndReasonRejectedLocal)
	return err
}

// Hangup terminates the call from any state, including while an
// acquisition or handshake is still pending. Idempotent.
func (s *Session) Hangup() {
	s.mu.Lock()
	if s.state == domain.CallEnded {
		s.mu.Unlock()
		return
	}
	id := s.id
	st := s.state
	s.mu.Unlock()

	if id != "" && st != domain.CallIdle {
		if err := s.sig.Hangup(id); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call_id", string(id)).Msg("hangup signal")
		}
	}
	s.terminate(domain.EndReasonHangupLocal)
}

// ToggleMute pauses or resumes the local audio track. Connected only;
// does not change call state.
func (s *Session) ToggleMute(muted bool) error {
	s.mu.Lock()
	if s.state != domain.CallConnected {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.muted = muted
	ls := s.localStream
	s.mu.Unlock()
	if ls != nil {
		ls.SetMuted(muted)
	}
	return nil
}

// ToggleLocalVideo pauses or resumes the local video track. Connected
// only; does not change call state.
func (s *Session) ToggleLocalVideo(enabled bool) error {
	s.mu.Lock()
	if s.state != domain.CallConnected {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.localVideo = enabled
	ls := s.localStream
	s.mu.Unlock()
	if ls != nil {
		ls.SetVideoEnabled(enabled)
	}
	return nil
}

// AttachRemote binds the remote party's stream to this session.
func (s *Session) AttachRemote(stream core.RemoteStream) {
	h := s.gw.AttachRemote(stream)
	s.mu.Lock()
	if s.state == domain.CallEnded {
		s.mu.Unlock()
		h.Close()
		return
	}
	old := s.remoteHandle
	s.remoteHandle = h
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// acquireLocal runs the device acquisition with a generation token so
// a teardown that races a pending acquisition discards and releases the
// late stream instead of attaching it to a dead session.
func (s *Session) acquireLocal(ctx context.Context) error {
	s.mu.Lock()
	if s.state == domain.CallEnded {
		s.mu.Unlock()
		return ErrTerminated
	}
	s.acquireGen++
	gen := s.acquireGen
	constraints := s.constraints
	s.mu.Unlock()

	stream, err := s.gw.AcquireLocal(ctx, constraints)

	s.mu.Lock()
	if s.state == domain.CallEnded || gen != s.acquireGen {
		s.mu.Unlock()
		if stream != nil {
			s.gw.ReleaseLocal(stream)
		}
		return ErrTerminated
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.localStream = stream
	s.mu.Unlock()
	return nil
}

// handleStatus processes one signaling state event for this call.
// Progress events never regress; duplicate terminal events are no-ops.
func (s *Session) handleStatus(code core.StatusCode) {
	switch code {
	case core.StatusRinging:
		s.advance(domain.CallOutgoingRinging)
	case core.StatusConnecting:
		s.advance(domain.CallConnecting)
	case core.StatusConnected:
		s.advance(domain.CallConnected)
	case core.StatusBusy:
		s.enterBusy()
	case core.StatusRejected:
		s.terminate(domain.EndReasonRejectedRemote)
	case core.StatusUnreachable:
		s.terminate(domain.EndReasonUnreachable)
	case core.StatusEnded:
		s.terminate(domain.EndReasonHangupRemote)
	default:
		log.Warn().Str("module", "call").Str("status", code.String()).Msg("unknown call status")
	}
}

// progressRank orders the forward states so a late or duplicate event
// cannot move the session backwards. A skipped event is fine: the
// incoming rank is simply higher.
func progressRank(st domain.CallState) int {
	switch st {
	case domain.CallIdle:
		return 0
	case domain.CallIncoming, domain.CallOutgoingCalling:
		return 1
	case domain.CallOutgoingRinging:
		return 2
	case domain.CallConnecting:
		return 3
	case domain.CallConnected:
		return 4
	default:
		return -1
	}
}

func (s *Session) advance(target domain.CallState) {
	s.mu.Lock()
	if s.state == domain.CallEnded || s.state == domain.CallBusy {
		s.mu.Unlock()
		return
	}
	if progressRank(target) <= progressRank(s.state) {
		s.mu.Unlock()
		return
	}
	s.state = target
	ch := StateChange{State: target}
	subs := s.snapshotSubs()
	id := s.id
	s.mu.Unlock()

	log.Info().Str("module", "call").Str("call_id", string(id)).Str("state", target.String()).Msg("state")
	for _, fn := range subs {
		fn(ch)
	}
}

// enterBusy parks the session in busy for the grace period so the UI
// can show the status, then terminates autonomously.
func (s *Session) enterBusy() {
	s.mu.Lock()
	if s.state == domain.CallEnded || s.state == domain.CallBusy {
		s.mu.Unlock()
		return
	}
	s.state = domain.CallBusy
	s.busyTimer = s.clk.AfterFunc(s.busyGrace, func() {
		s.terminate(domain.EndReasonRemoteBusy)
	})
	ch := StateChange{State: domain.CallBusy}
	subs := s.snapshotSubs()
	id := s.id
	s.mu.Unlock()

	log.Info().Str("module", "call").Str("call_id", string(id)).Msg("remote busy")
	for _, fn := range subs {
		fn(ch)
	}
}

// terminate is the single exit path: stops timers, releases local and
// remote media, clears the session identity, and notifies. The first
// reason wins; further calls are no-ops.
func (s *Session) terminate(reason domain.EndReason) {
	s.mu.Lock()
	if s.state == domain.CallEnded {
		s.mu.Unlock()
		return
	}
	s.state = domain.CallEnded
	s.reason = reason
	if s.busyTimer != nil {
		s.busyTimer.Stop()
		s.busyTimer = nil
	}
	// Invalidate any in-flight acquisition.
	s.acquireGen++
	ls := s.localStream
	s.localStream = nil
	rh := s.remoteHandle
	s.remoteHandle = nil
	id := s.id
	s.remote = ""
	subs := s.snapshotSubs()
	onDone := s.onDone
	s.mu.Unlock()

	if ls != nil {
		s.gw.ReleaseLocal(ls)
	}
	if rh != nil {
		rh.Close()
	}
	log.Info().Str("module", "call").Str("call_id", string(id)).Str("reason", reason.String()).Msg("ended")
	for _, fn := range subs {
		fn(StateChange{State: domain.CallEnded, Reason: reason})
	}
	if onDone != nil {
		onDone(s)
	}
}

func (s *Session) snapshotSubs() []func(StateChange) {
	out := make([]func(StateChange), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

func mediaReason(err error) domain.EndReason {
	switch {
	case errors.Is(err, core.ErrPermissionDenied):
		return domain.EndReasonPermissionDenied
	case errors.Is(err, core.ErrDeviceBusy):
		return domain.EndReasonDeviceBusy
	case errors.Is(err, core.ErrNoDevice):
		return domain.EndReasonNoDevice
	default:
		return domain.EndReasonNoDevice
	}
}
