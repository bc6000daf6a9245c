// Package signaling owns the connection to the signaling service: the
// connect/authenticate handshake, readiness, and event dispatch to
// call-layer handlers.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

var (
	ErrConnectTimeout = errors.New("signaling: transport connect timeout")
	ErrAuthFailed     = errors.New("signaling: authentication failed")
	ErrAuthTimeout    = errors.New("signaling: authentication timeout")
	ErrNotReady       = errors.New("signaling: client not ready")
	ErrClosed         = errors.New("signaling: client closed")
)

type Credentials struct {
	Identity domain.UserID
	Token    string
}

// Client is a constructible, disposable signaling client: one Connect,
// any number of call operations while ready, one Disconnect. Reconnect
// means a fresh Client.
type Client struct {
	tr             core.SignalTransport
	clk            clock.Clock
	connectTimeout time.Duration
	authTimeout    time.Duration

	mu            sync.Mutex
	connected     bool
	authenticated bool
	closed        bool
	connWait      chan struct{}
	authWait      chan error
	nextSub       int
	incomingSubs  map[int]func(domain.CallID, domain.UserID)
	stateSubs     map[int]func(domain.CallID, core.StatusCode)
	offerSubs     map[int]func(domain.CallID, string)
	answerSubs    map[int]func(domain.CallID, string)
	candidateSubs map[int]func(domain.CallID, string)
	readySubs     map[int]func(bool)

	loopOnce sync.Once
	done     chan struct{}
}

func NewClient(tr core.SignalTransport, clk clock.Clock, connectTimeout, authTimeout time.Duration) *Client {
	return &Client{
		tr:             tr,
		clk:            clk,
		connectTimeout: connectTimeout,
		authTimeout:    authTimeout,
		incomingSubs:   make(map[int]func(domain.CallID, domain.UserID)),
		stateSubs:      make(map[int]func(domain.CallID, core.StatusCode)),
		offerSubs:      make(map[int]func(domain.CallID, string)),
		answerSubs:     make(map[int]func(domain.CallID, string)),
		candidateSubs:  make(map[int]func(domain.CallID, string)),
		readySubs:      make(map[int]func(bool)),
		done:           make(chan struct{}),
	}
}

// Connect dials the transport and runs the connect + authenticate
// handshakes. It returns nil only once both succeeded. The two
// handshake timers are independent and are stopped on success and on
// Disconnect.
func (c *Client) Connect(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	connWait := make(chan struct{})
	authWait := make(chan error, 1)
	c.connWait = connWait
	c.authWait = authWait
	c.mu.Unlock()

	c.loopOnce.Do(func() { go c.dispatchLoop() })

	if err := c.tr.Dial(ctx); err != nil {
		return fmt.Errorf("signaling: dial: %w", err)
	}

	connTimer := c.clk.Timer(c.connectTimeout)
	defer connTimer.Stop()
	select {
	case <-connWait:
	case <-connTimer.C:
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	if err := c.tr.Authenticate(creds.Token); err != nil {
		return fmt.Errorf("signaling: send auth: %w", err)
	}

	authTimer := c.clk.Timer(c.authTimeout)
	defer authTimer.Stop()
	select {
	case err := <-authWait:
		if err != nil {
			return err
		}
	case <-authTimer.C:
		return ErrAuthTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	log.Info().Str("module", "signaling").Str("identity", string(creds.Identity)).Msg("connected and authenticated")
	return nil
}

// IsReady reports transport-connected AND authenticated. Call
// operations fail fast with ErrNotReady when this is false.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.authenticated && !c.closed
}

// Disconnect tears down the transport and invalidates readiness.
// Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasReady := c.connected && c.authenticated
	c.connected = false
	c.authenticated = false
	close(c.done)
	c.mu.Unlock()

	if err := c.tr.Close(); err != nil {
		log.Warn().Err(err).Str("module", "signaling").Msg("transport close")
	}
	if wasReady {
		c.notifyReady(false)
	}
}

// OnIncomingCall registers a durable handler for inbound call events.
func (c *Client) OnIncomingCall(fn func(id domain.CallID, from domain.UserID)) (cancel func()) {
	c.mu.Lock()
	key := c.nextSub
	c.nextSub++
	c.incomingSubs[key] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.incomingSubs, key)
		c.mu.Unlock()
	}
}

// OnCallStateChanged registers a durable handler for per-call state events.
func (c *Client) OnCallStateChanged(fn func(id domain.CallID, code core.StatusCode)) (cancel func()) {
	c.mu.Lock()
	key := c.nextSub
	c.nextSub++
	c.stateSubs[key] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateSubs, key)
		c.mu.Unlock()
	}
}

// OnRemoteOffer registers a durable handler for session descriptions
// offered by the remote peer.
func (c *Client) OnRemoteOffer(fn func(id domain.CallID, sdp string)) (cancel func()) {
	c.mu.Lock()
	key := c.nextSub
	c.nextSub++
	c.offerSubs[key] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.offerSubs, key)
		c.mu.Unlock()
	}
}

// OnRemoteAnswer registers a durable handler for the remote peer's
// answer to a locally sent offer.
func (c *Client) OnRemoteAnswer(fn func(id domain.CallID, sdp string)) (cancel func()) {
	c.mu.Lock()
	key := c.nextSub
	c.nextSub++
	c.answerSubs[key] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.answerSubs, key)
		c.mu.Unlock()
	}
}

// OnRemoteCandidate registers a durable handler for trickled ICE
// candidates from the remote peer.
func (c *Client) OnRemoteCandidate(fn func(id domain.CallID, candidate string)) (cancel func()) {
	c.mu.Lock()
	key := c.nextSub
	c.nextSub++
	c.candidateSubs[key] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.candidateSubs, key)
		c.mu.Unlock()
	}
}

// OnReadyChanged registers a durable handler fired when readiness
// flips, including when the server demands re-authentication.
func (c *Client) OnReadyChanged(fn func(ready bool)) (cancel func()) {
	c.mu.Lock()
	key := c.nextSub
	c.nextSub++
	c.readySubs[key] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.readySubs, key)
		c.mu.Unlock()
	}
}

// MakeCall asks the service to place a call and returns the new call ID.
func (c *Client) MakeCall(to domain.UserID) (domain.CallID, error) {
	if !c.IsReady() {
		return "", ErrNotReady
	}
	id := domain.CallID(uuid.NewString())
	if err := c.tr.MakeCall(id, to); err != nil {
		return "", fmt.Errorf("signaling: make call: %w", err)
	}
	return id, nil
}

func (c *Client) Answer(id domain.CallID) error {
	if !c.IsReady() {
		return ErrNotReady
	}
	return c.tr.Answer(id)
}

func (c *Client) Reject(id domain.CallID, code core.StatusCode) error {
	if !c.IsReady() {
		return ErrNotReady
	}
	return c.tr.Reject(id, code)
}

func (c *Client) Hangup(id domain.CallID) error {
	if !c.IsReady() {
		return ErrNotReady
	}
	return c.tr.Hangup(id)
}

// SendOffer ships a local session description to the remote peer.
func (c *Client) SendOffer(id domain.CallID, sdp string) error {
	if !c.IsReady() {
		return ErrNotReady
	}
	return c.tr.SendOffer(id, sdp)
}

// SendAnswer ships the local answer for a remotely offered session.
func (c *Client) SendAnswer(id domain.CallID, sdp string) error {
	if !c.IsReady() {
		return ErrNotReady
	}
	return c.tr.SendAnswer(id, sdp)
}

// SendCandidate trickles one local ICE candidate to the remote peer.
func (c *Client) SendCandidate(id domain.CallID, candidate string) error {
	if !c.IsReady() {
		return ErrNotReady
	}
	return c.tr.SendCandidate(id, candidate)
}

func (c *Client) dispatchLoop() {
	events := c.tr.Events()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.dispatch(ev)
		}
	}
}

func (c *Client) dispatch(ev core.TransportEvent) {
	switch ev.Kind {
	case core.EventConnected:
		c.mu.Lock()
		c.connected = true
		if c.connWait != nil {
			close(c.connWait)
			c.connWait = nil
		}
		c.mu.Unlock()

	case core.EventAuthenticated:
		c.mu.Lock()
		c.authenticated = true
		if c.authWait != nil {
			c.authWait <- nil
			c.authWait = nil
		}
		c.mu.Unlock()
		c.notifyReady(true)

	case core.EventAuthFailed:
		c.mu.Lock()
		if c.authWait != nil {
			c.authWait <- ErrAuthFailed
			c.authWait = nil
		}
		c.mu.Unlock()

	case core.EventAuthRequired:
		// Surface to the owner; never silently loop on re-auth.
		c.mu.Lock()
		wasReady := c.connected && c.authenticated
		c.authenticated = false
		c.mu.Unlock()
		log.Warn().Str("module", "signaling").Msg("server requested re-authentication")
		if wasReady {
			c.notifyReady(false)
		}

	case core.EventIncomingCall:
		for _, fn := range c.snapshotIncoming() {
			fn(ev.CallID, ev.From)
		}

	case core.EventCallState:
		for _, fn := range c.snapshotState() {
			fn(ev.CallID, ev.Status)
		}

	case core.EventOffer:
		for _, fn := range c.snapshotSDP(c.offerSubs) {
			fn(ev.CallID, ev.SDP)
		}

	case core.EventAnswer:
		for _, fn := range c.snapshotSDP(c.answerSubs) {
			fn(ev.CallID, ev.SDP)
		}

	case core.EventCandidate:
		for _, fn := range c.snapshotSDP(c.candidateSubs) {
			fn(ev.CallID, ev.Candidate)
		}

	case core.EventClosed:
		c.mu.Lock()
		wasReady := c.connected && c.authenticated
		c.connected = false
		c.authenticated = false
		c.mu.Unlock()
		if ev.Err != nil {
			log.Warn().Err(ev.Err).Str("module", "signaling").Msg("transport closed")
		}
		if wasReady {
			c.notifyReady(false)
		}
	}
}

func (c *Client) notifyReady(ready bool) {
	c.mu.Lock()
	subs := make([]func(bool), 0, len(c.readySubs))
	for _, fn := range c.readySubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(ready)
	}
}

func (c *Client) snapshotIncoming() []func(domain.CallID, domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(domain.CallID, domain.UserID), 0, len(c.incomingSubs))
	for _, fn := range c.incomingSubs {
		out = append(out, fn)
	}
	return out
}

func (c *Client) snapshotSDP(subs map[int]func(domain.CallID, string)) []func(domain.CallID, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(domain.CallID, string), 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

func (c *Client) snapshotState() []func(domain.CallID, core.StatusCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(domain.CallID, core.StatusCode), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		out = append(out, fn)
	}
	return out
}
