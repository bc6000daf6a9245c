// Package ws is the websocket rendition of the signaling and presence
// boundaries: one realtime socket carrying auth, call control, call
// state, and presence envelopes.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// envelope is the JSON frame exchanged with the signaling service.
type envelope struct {
	Type            string     `json:"type"`
	CallID          string     `json:"call_id,omitempty"`
	From            string     `json:"from,omitempty"`
	To              string     `json:"to,omitempty"`
	State           string     `json:"state,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	SDP             string     `json:"sdp,omitempty"`
	Candidate       string     `json:"candidate,omitempty"`
	Token           string     `json:"token,omitempty"`
	Identity        string     `json:"identity,omitempty"`
	LastOnlineAt    *time.Time `json:"last_online_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// Transport implements core.SignalTransport and core.PresenceSource
// over one gorilla/websocket connection.
type Transport struct {
	url    string
	events chan core.TransportEvent

	mu     sync.RWMutex
	conn   *websocket.Conn
	send   chan []byte
	closed bool
	done   chan struct{}

	presenceMu   sync.Mutex
	presenceSubs map[domain.UserID]map[int]func(domain.PresenceRecord)
	nextSub      int
}

func NewTransport(url string) *Transport {
	return &Transport{
		url:          url,
		events:       make(chan core.TransportEvent, 32),
		send:         make(chan []byte, 32),
		done:         make(chan struct{}),
		presenceSubs: make(map[domain.UserID]map[int]func(domain.PresenceRecord)),
	}
}

// Dial opens the socket and starts the pumps. The connected event
// arrives on Events() once the server acknowledges the session.
func (t *Transport) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.writePump()
	go t.readPump()
	log.Info().Str("module", "ws").Str("url", t.url).Msg("socket open")
	return nil
}

func (t *Transport) Authenticate(token string) error {
	return t.sendJSON(envelope{Type: "auth", Token: token})
}

func (t *Transport) MakeCall(id domain.CallID, to domain.UserID) error {
	return t.sendJSON(envelope{Type: "call-request", CallID: string(id), To: string(to)})
}

func (t *Transport) Answer(id domain.CallID) error {
	return t.sendJSON(envelope{Type: "call-answer", CallID: string(id)})
}

func (t *Transport) Reject(id domain.CallID, code core.StatusCode) error {
	return t.sendJSON(envelope{Type: "call-reject", CallID: string(id), Reason: code.String()})
}

func (t *Transport) Hangup(id domain.CallID) error {
	return t.sendJSON(envelope{Type: "call-hangup", CallID: string(id)})
}

func (t *Transport) SendOffer(id domain.CallID, sdp string) error {
	return t.sendJSON(envelope{Type: "rtc-offer", CallID: string(id), SDP: sdp})
}

func (t *Transport) SendAnswer(id domain.CallID, sdp string) error {
	return t.sendJSON(envelope{Type: "rtc-answer", CallID: string(id), SDP: sdp})
}

func (t *Transport) SendCandidate(id domain.CallID, candidate string) error {
	return t.sendJSON(envelope{Type: "rtc-candidate", CallID: string(id), Candidate: candidate})
}

func (t *Transport) Events() <-chan core.TransportEvent {
	return t.events
}

// Close tears down the socket. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// trySend enqueues a frame without blocking; a full send buffer is
// backpressure, not a hang.
func (t *Transport) trySend(data []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errors.New("connection closed")
	}
	select {
	case t.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}
