package core

import (
	"context"
	"errors"
)

// Media acquisition failures the device must distinguish; each maps to
// a distinct user-facing message upstream.
var (
	ErrNoDevice         = errors.New("no capture device found")
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrDeviceBusy       = errors.New("capture device busy")
)

// MediaConstraints are the acquisition hints passed to the device.
type MediaConstraints struct {
	Audio            bool
	Video            bool
	Width            int
	Height           int
	EchoCancellation bool
	NoiseSuppression bool
}

type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
)

// LocalStream is an acquired capture stream. It is exclusively owned by
// one call session; Close stops every track.
type LocalStream interface {
	ID() string
	// SetMuted pauses or resumes the audio track without releasing it.
	SetMuted(muted bool)
	// SetVideoEnabled pauses or resumes the video track without releasing it.
	SetVideoEnabled(enabled bool)
	Close()
}

// RemoteTrack is one inbound track. Live() is polled as ground truth
// for track health; OnStateChange delivers the transport's own
// ended/mute/unmute notifications, which not every transport fires
// reliably.
type RemoteTrack interface {
	Kind() TrackKind
	Live() bool
	OnStateChange(fn func(live bool)) (cancel func())
}

// RemoteStream is the remote party's media as delivered by the transport.
type RemoteStream interface {
	ID() string
	// VideoTrack returns nil for an audio-only stream.
	VideoTrack() RemoteTrack
}

// MediaDevice acquires local capture media. Acquire never returns a
// partially initialized stream: on error the result is nil and nothing
// is left open. Errors wrap one of ErrNoDevice, ErrPermissionDenied,
// ErrDeviceBusy.
type MediaDevice interface {
	Acquire(ctx context.Context, c MediaConstraints) (LocalStream, error)
}
