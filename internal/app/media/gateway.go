// Package media is the boundary for acquiring, attaching, and
// releasing audio/video streams on behalf of call sessions.
package media

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/core"
)

type Gateway struct {
	dev          core.MediaDevice
	clk          clock.Clock
	pollInterval time.Duration

	mu   sync.Mutex
	live map[core.LocalStream]struct{}
}

func NewGateway(dev core.MediaDevice, clk clock.Clock, remotePollInterval time.Duration) *Gateway {
	return &Gateway{
		dev:          dev,
		clk:          clk,
		pollInterval: remotePollInterval,
		live:         make(map[core.LocalStream]struct{}),
	}
}

// AcquireLocal acquires a local capture stream. Device errors come back
// typed (core.ErrNoDevice / ErrPermissionDenied / ErrDeviceBusy) and a
// non-nil stream is always fully initialized.
func (g *Gateway) AcquireLocal(ctx context.Context, c core.MediaConstraints) (core.LocalStream, error) {
	stream, err := g.dev.Acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.live[stream] = struct{}{}
	g.mu.Unlock()
	log.Info().Str("module", "media").Str("stream", stream.ID()).Bool("video", c.Video).Msg("local media acquired")
	return stream, nil
}

// ReleaseLocal stops every track of stream. Safe to call multiple
// times; only the first call reaches the device.
func (g *Gateway) ReleaseLocal(stream core.LocalStream) {
	if stream == nil {
		return
	}
	g.mu.Lock()
	_, ok := g.live[stream]
	if ok {
		delete(g.live, stream)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	stream.Close()
	log.Info().Str("module", "media").Str("stream", stream.ID()).Msg("local media released")
}

// AttachRemote wraps a remote stream in a handle that tracks video
// health from the transport's track events plus a periodic poll.
func (g *Gateway) AttachRemote(stream core.RemoteStream) *RemoteHandle {
	h := &RemoteHandle{
		stream: stream,
		subs:   make(map[int]func(bool)),
		stop:   make(chan struct{}),
	}
	vt := stream.VideoTrack()
	if vt != nil {
		h.videoEnabled = vt.Live()
		h.cancelTrack = vt.OnStateChange(func(live bool) {
			// Track events apply immediately; the next poll corrects
			// any drift, so the poll stays ground truth.
			h.set(live)
		})
		ticker := g.clk.Ticker(g.pollInterval)
		h.ticker = ticker
		go h.pollLoop(vt, ticker)
	}
	log.Info().Str("module", "media").Str("stream", stream.ID()).Bool("video", vt != nil).Msg("remote media attached")
	return h
}

// RemoteHandle is the session-owned view of an attached remote stream.
type RemoteHandle struct {
	stream      core.RemoteStream
	cancelTrack func()
	ticker      *clock.Ticker
	stop        chan struct{}

	mu           sync.Mutex
	closed       bool
	videoEnabled bool
	nextSub      int
	subs         map[int]func(bool)
}

// VideoEnabled reports the derived remote video health.
func (h *RemoteHandle) VideoEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.videoEnabled
}

// OnVideoEnabledChanged registers a handler for health flips.
func (h *RemoteHandle) OnVideoEnabledChanged(fn func(enabled bool)) (cancel func()) {
	h.mu.Lock()
	key := h.nextSub
	h.nextSub++
	h.subs[key] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, key)
		h.mu.Unlock()
	}
}

// Close detaches the handle: stops the poll and the track
// subscription. Idempotent.
func (h *RemoteHandle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	if h.cancelTrack != nil {
		h.cancelTrack()
	}
	if h.ticker != nil {
		h.ticker.Stop()
	}
	close(h.stop)
	log.Info().Str("module", "media").Str("stream", h.stream.ID()).Msg("remote media detached")
}

func (h *RemoteHandle) pollLoop(vt core.RemoteTrack, ticker *clock.Ticker) {
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.set(vt.Live())
		}
	}
}

func (h *RemoteHandle) set(enabled bool) {
	h.mu.Lock()
	if h.closed || h.videoEnabled == enabled {
		h.mu.Unlock()
		return
	}
	h.videoEnabled = enabled
	subs := make([]func(bool), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()
	for _, fn := range subs {
		fn(enabled)
	}
}
