// Package rtc binds the media boundary to Pion: local capture through
// pion/mediadevices and the peer connection through pion/webrtc.
package rtc

import (
	"context"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"github.com/rsavin/huddle/internal/core"
)

// Device implements core.MediaDevice on top of mediadevices.
type Device struct {
	selector *mediadevices.CodecSelector
}

func NewDevice() (*Device, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vp8Params.BitRate = 1_000_000

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
		mediadevices.WithVideoEncoders(&vp8Params),
	)
	return &Device{selector: selector}, nil
}

// Acquire opens microphone (and camera when requested) capture. The
// echo-cancellation and noise-suppression flags are hints; the capture
// backend applies what it supports.
func (d *Device) Acquire(_ context.Context, c core.MediaConstraints) (core.LocalStream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Audio {
		constraints.Audio = func(a *mediadevices.MediaTrackConstraints) {}
	}
	if c.Video {
		constraints.Video = func(v *mediadevices.MediaTrackConstraints) {
			v.Width = prop.Int(c.Width)
			v.Height = prop.Int(c.Height)
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, mapAcquireError(err)
	}

	ls := &LocalStream{ms: ms, pause: make(map[core.TrackKind]func(bool))}
	log.Info().Str("module", "rtc").Bool("video", c.Video).Msg("capture acquired")
	return ls, nil
}

// mapAcquireError folds driver failures into the three causes the UI
// branches on. mediadevices does not expose typed errors, so this
// matches on the driver messages.
func mapAcquireError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not permitted"):
		return core.ErrPermissionDenied
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return core.ErrDeviceBusy
	default:
		return core.ErrNoDevice
	}
}

// LocalStream wraps a mediadevices stream and satisfies
// core.LocalStream. Mute and video toggles are realized by the peer
// connection pausing the matching sender; before the stream is bound
// to a peer connection the toggles only record intent.
type LocalStream struct {
	ms mediadevices.MediaStream

	mu     sync.Mutex
	closed bool
	pause  map[core.TrackKind]func(paused bool)
}

func (s *LocalStream) ID() string { return s.ms.ID() }

func (s *LocalStream) SetMuted(muted bool) {
	s.mu.Lock()
	fn := s.pause[core.TrackAudio]
	s.mu.Unlock()
	if fn != nil {
		fn(muted)
	}
}

func (s *LocalStream) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	fn := s.pause[core.TrackVideo]
	s.mu.Unlock()
	if fn != nil {
		fn(!enabled)
	}
}

func (s *LocalStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, track := range s.ms.GetTracks() {
		if err := track.Close(); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("track", track.ID()).Msg("track close")
		}
	}
}

// bindPause is installed by the peer connection when it attaches a
// track's sender.
func (s *LocalStream) bindPause(kind core.TrackKind, fn func(paused bool)) {
	s.mu.Lock()
	s.pause[kind] = fn
	s.mu.Unlock()
}

func trackKind(k webrtc.RTPCodecType) core.TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return core.TrackVideo
	}
	return core.TrackAudio
}
