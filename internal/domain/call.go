package domain

import "fmt"

type CallID string

// CallState is the lifecycle state of a call session.
type CallState int

const (
	// CallIdle indicates no call activity; the session has been created
	// but nothing has been signaled yet.
	CallIdle CallState = iota
	// CallOutgoingCalling indicates local media is up and the call
	// request has been sent.
	CallOutgoingCalling
	// CallOutgoingRinging indicates the remote party's device is ringing.
	CallOutgoingRinging
	// CallConnecting indicates the call was answered and media is being
	// negotiated.
	CallConnecting
	// CallConnected indicates media is flowing both ways.
	CallConnected
	// CallBusy indicates the remote line was busy; the session closes
	// itself after a short grace period.
	CallBusy
	// CallEnded indicates the session is terminated and all media released.
	CallEnded
	// CallIncoming indicates an inbound call is ringing locally and has
	// not been answered yet. Local media is not acquired in this state.
	CallIncoming
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallOutgoingCalling:
		return "outgoing_calling"
	case CallOutgoingRinging:
		return "outgoing_ringing"
	case CallConnecting:
		return "connecting"
	case CallConnected:
		return "connected"
	case CallBusy:
		return "busy"
	case CallEnded:
		return "ended"
	case CallIncoming:
		return "incoming"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// IsTerminal returns true once the session can process no further events.
func (s CallState) IsTerminal() bool {
	return s == CallEnded
}

// Direction indicates which side originated the call.
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	default:
		return fmt.Sprintf("unknown(%d)", d)
	}
}

// EndReason records why a session reached CallEnded. Expected call
// outcomes (busy, rejected, unreachable) are reasons, not errors.
type EndReason int

const (
	EndReasonNone EndReason = iota
	EndReasonHangupLocal
	EndReasonHangupRemote
	EndReasonRejectedLocal
	EndReasonRejectedRemote
	EndReasonRemoteBusy
	EndReasonUnreachable
	EndReasonNoDevice
	EndReasonPermissionDenied
	EndReasonDeviceBusy
	EndReasonSignalError
)

func (r EndReason) String() string {
	switch r {
	case EndReasonNone:
		return "none"
	case EndReasonHangupLocal:
		return "hangup_local"
	case EndReasonHangupRemote:
		return "hangup_remote"
	case EndReasonRejectedLocal:
		return "rejected_local"
	case EndReasonRejectedRemote:
		return "rejected_remote"
	case EndReasonRemoteBusy:
		return "remote_busy"
	case EndReasonUnreachable:
		return "unreachable"
	case EndReasonNoDevice:
		return "no_device"
	case EndReasonPermissionDenied:
		return "permission_denied"
	case EndReasonDeviceBusy:
		return "device_busy"
	case EndReasonSignalError:
		return "signal_error"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}
