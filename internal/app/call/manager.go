package call

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/app/media"
	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

// Manager enforces the one-active-session-per-local-identity invariant
// and routes signaling events to the active session. Wire it to a
// signaling client with
//
//	client.OnIncomingCall(mgr.HandleIncomingCall)
//	client.OnCallStateChanged(mgr.HandleCallState)
type Manager struct {
	local       domain.UserID
	sig         Signal
	gw          *media.Gateway
	clk         clock.Clock
	busyGrace   time.Duration
	constraints core.MediaConstraints

	mu           sync.Mutex
	active       *Session
	nextSub      int
	incomingSubs map[int]func(*Session)
	sessionSubs  map[int]func(*Session)
}

func NewManager(local domain.UserID, sig Signal, gw *media.Gateway, clk clock.Clock, busyGrace time.Duration, constraints core.MediaConstraints) *Manager {
	return &Manager{
		local:        local,
		sig:          sig,
		gw:           gw,
		clk:          clk,
		busyGrace:    busyGrace,
		constraints:  constraints,
		incomingSubs: make(map[int]func(*Session)),
		sessionSubs:  make(map[int]func(*Session)),
	}
}

// OnIncoming registers a durable handler fired for each inbound call
// session the manager admits.
func (m *Manager) OnIncoming(fn func(*Session)) (cancel func()) {
	m.mu.Lock()
	key := m.nextSub
	m.nextSub++
	m.incomingSubs[key] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.incomingSubs, key)
		m.mu.Unlock()
	}
}

// OnSession registers a durable handler fired for every session the
// manager admits, outbound and inbound, before any media is acquired.
// Used to bind per-call infrastructure such as the peer connection.
func (m *Manager) OnSession(fn func(*Session)) (cancel func()) {
	m.mu.Lock()
	key := m.nextSub
	m.nextSub++
	m.sessionSubs[key] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.sessionSubs, key)
		m.mu.Unlock()
	}
}

// Active returns the current non-terminated session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.State().IsTerminal() {
		return nil, false
	}
	return m.active, true
}

// PlaceCall starts an outbound call: local media first, then the call
// request. If acquisition fails the session never reaches
// outgoing_calling and the typed reason is on the session; the error
// surfaces to the caller after resources are released.
func (m *Manager) PlaceCall(ctx context.Context, remote domain.UserID) (*Session, error) {
	m.mu.Lock()
	if m.active != nil && !m.active.State().IsTerminal() {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	sess := newSession(m.sig, m.gw, m.clk, m.busyGrace, m.constraints, m.local, domain.DirectionOutbound)
	sess.remote = remote
	sess.onDone = m.clearActive
	m.active = sess
	subs := m.snapshotSessionSubs()
	m.mu.Unlock()

	for _, fn := range subs {
		fn(sess)
	}

	if err := sess.acquireLocal(ctx); err != nil {
		sess.terminate(mediaReason(err))
		return nil, err
	}

	id, err := m.sig.MakeCall(remote)
	if err != nil {
		sess.terminate(domain.EndReasonSignalError)
		return nil, err
	}

	sess.mu.Lock()
	sess.id = id
	sess.mu.Unlock()
	sess.advance(domain.CallOutgoingCalling)
	return sess, nil
}

// HandleIncomingCall admits an inbound call, or rejects it busy when a
// call is already active (an overlapping inbound call is a protocol
// error on a single-line client).
func (m *Manager) HandleIncomingCall(id domain.CallID, from domain.UserID) {
	m.mu.Lock()
	if m.active != nil && !m.active.State().IsTerminal() {
		m.mu.Unlock()
		log.Warn().Str("module", "call").Str("call_id", string(id)).Str("from", string(from)).Msg("inbound call while busy, rejecting")
		if err := m.sig.Reject(id, core.StatusBusy); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call_id", string(id)).Msg("busy reject")
		}
		return
	}
	sess := newSession(m.sig, m.gw, m.clk, m.busyGrace, m.constraints, m.local, domain.DirectionInbound)
	sess.id = id
	sess.remote = from
	sess.onDone = m.clearActive
	m.active = sess
	sessSubs := m.snapshotSessionSubs()
	subs := make([]func(*Session), 0, len(m.incomingSubs))
	for _, fn := range m.incomingSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	log.Info().Str("module", "call").Str("call_id", string(id)).Str("from", string(from)).Msg("incoming call")
	for _, fn := range sessSubs {
		fn(sess)
	}
	for _, fn := range subs {
		fn(sess)
	}
}

// HandleCallState routes a per-call signaling state event.
func (m *Manager) HandleCallState(id domain.CallID, code core.StatusCode) {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil || sess.CallID() != id {
		log.Warn().Str("module", "call").Str("call_id", string(id)).Str("status", code.String()).Msg("state event for unknown call")
		return
	}
	sess.handleStatus(code)
}

// HandleRemoteStream binds an arriving remote stream to its session.
func (m *Manager) HandleRemoteStream(id domain.CallID, stream core.RemoteStream) {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil || sess.CallID() != id {
		log.Warn().Str("module", "call").Str("call_id", string(id)).Msg("remote stream for unknown call")
		return
	}
	sess.AttachRemote(stream)
}

// Close hangs up whatever is active. Used on shutdown.
func (m *Manager) Close() {
	if sess, ok := m.Active(); ok {
		sess.Hangup()
	}
}

// snapshotSessionSubs must be called with m.mu held.
func (m *Manager) snapshotSessionSubs() []func(*Session) {
	out := make([]func(*Session), 0, len(m.sessionSubs))
	for _, fn := range m.sessionSubs {
		out = append(out, fn)
	}
	return out
}

func (m *Manager) clearActive(sess *Session) {
	m.mu.Lock()
	if m.active == sess {
		m.active = nil
	}
	m.mu.Unlock()
}
