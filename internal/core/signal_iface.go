// Package core defines the boundary interfaces the subsystem is built
// against. Concrete transports live in internal/adapters; the app layer
// depends only on this package.
package core

import (
	"context"
	"fmt"

	"github.com/rsavin/huddle/internal/domain"
)

// StatusCode is the discrete per-call status carried by the signaling
// service's stateChanged events and by reject operations.
type StatusCode int

const (
	StatusUnknown StatusCode = iota
	StatusRinging
	StatusConnecting
	StatusConnected
	StatusBusy
	StatusRejected
	StatusUnreachable
	StatusEnded
)

func (s StatusCode) String() string {
	switch s {
	case StatusRinging:
		return "ringing"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusBusy:
		return "busy"
	case StatusRejected:
		return "rejected"
	case StatusUnreachable:
		return "unreachable"
	case StatusEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseStatus maps a wire status string to its code.
func ParseStatus(raw string) (StatusCode, bool) {
	switch raw {
	case "ringing":
		return StatusRinging, true
	case "connecting":
		return StatusConnecting, true
	case "connected":
		return StatusConnected, true
	case "busy":
		return StatusBusy, true
	case "rejected":
		return StatusRejected, true
	case "unreachable":
		return StatusUnreachable, true
	case "ended":
		return StatusEnded, true
	default:
		return StatusUnknown, false
	}
}

// EventKind discriminates TransportEvent.
type EventKind int

const (
	EventConnected EventKind = iota
	EventAuthenticated
	EventAuthFailed
	EventAuthRequired
	EventIncomingCall
	EventCallState
	EventOffer
	EventAnswer
	EventCandidate
	EventClosed
)

// TransportEvent is one event pushed by the signaling transport.
// Events for a given call are delivered in arrival order. SDP is set
// on offer/answer events, Candidate on candidate events.
type TransportEvent struct {
	Kind      EventKind
	CallID    domain.CallID
	From      domain.UserID
	Status    StatusCode
	SDP       string
	Candidate string
	Err       error
}

// SignalTransport abstracts the signaling service connection.
// Dial establishes the socket; the connected/authenticated handshake
// results arrive as events. The transport owns the socket and must
// Close() it; Close is idempotent.
type SignalTransport interface {
	Dial(ctx context.Context) error
	Authenticate(token string) error

	MakeCall(id domain.CallID, to domain.UserID) error
	Answer(id domain.CallID) error
	Reject(id domain.CallID, code StatusCode) error
	Hangup(id domain.CallID) error

	SendOffer(id domain.CallID, sdp string) error
	SendAnswer(id domain.CallID, sdp string) error
	SendCandidate(id domain.CallID, candidate string) error

	Events() <-chan TransportEvent
	Close() error
}
