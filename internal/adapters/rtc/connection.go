package rtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/core"
)

// staleAfter is how long without an RTP packet a remote track is
// considered not live. This is the poll's ground truth for transports
// that never fire mute/unmute.
const staleAfter = time.Second

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// PeerConnection wraps a pion PeerConnection for one call: it sends
// the acquired local tracks and surfaces remote tracks as
// core.RemoteStream.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc

	onRemote func(core.RemoteStream)
	onClosed func()
	onICE    func(candidate string)

	candMu  sync.Mutex
	pending []string
}

func NewPeerConnection(cfg webrtc.Configuration) (*PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &PeerConnection{pc: pc}, nil
}

// Start binds the connection lifetime to ctx and installs callbacks.
func (c *PeerConnection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			if c.onClosed != nil {
				c.onClosed()
			}
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if c.onICE != nil {
			c.onICE(cand.ToJSON().Candidate)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		rs := newRemoteStream(ctx, track)
		if c.onRemote != nil {
			c.onRemote(rs)
		}
	})

	return nil
}

// OnRemoteStream sets the callback invoked for each arriving remote track.
func (c *PeerConnection) OnRemoteStream(fn func(core.RemoteStream)) { c.onRemote = fn }

// OnClosed sets the cleanup callback for transport failure.
func (c *PeerConnection) OnClosed(fn func()) { c.onClosed = fn }

// OnICECandidate sets the callback for local candidates to trickle to
// the remote peer. Set it before Start.
func (c *PeerConnection) OnICECandidate(fn func(candidate string)) { c.onICE = fn }

// CreateOffer builds the local session description and returns its SDP.
// Candidates trickle through OnICECandidate as they are gathered.
func (c *PeerConnection) CreateOffer() (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// HandleOffer applies a remote offer and returns the local answer SDP.
// The answer is complete: it blocks until candidate gathering finishes.
func (c *PeerConnection) HandleOffer(sdp string) (string, error) {
	err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return "", err
	}
	c.flushCandidates()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	<-gathered
	return c.pc.LocalDescription().SDP, nil
}

// HandleAnswer applies the remote answer to a locally created offer.
func (c *PeerConnection) HandleAnswer(sdp string) error {
	err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return err
	}
	c.flushCandidates()
	return nil
}

// AddICECandidate feeds one remote candidate into the connection.
// Candidates arriving before the remote description are buffered and
// applied once it is set.
func (c *PeerConnection) AddICECandidate(candidate string) error {
	c.candMu.Lock()
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, candidate)
		c.candMu.Unlock()
		return nil
	}
	c.candMu.Unlock()
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

func (c *PeerConnection) flushCandidates() {
	c.candMu.Lock()
	pending := c.pending
	c.pending = nil
	c.candMu.Unlock()
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: cand}); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("buffered candidate")
		}
	}
}

// AttachLocal sends every track of the acquired stream and wires the
// stream's mute/video toggles to sender pause (ReplaceTrack nil).
func (c *PeerConnection) AttachLocal(ls *LocalStream) error {
	for _, track := range ls.ms.GetTracks() {
		track := track
		tr, err := c.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return err
		}
		sender := tr.Sender()
		ls.bindPause(trackKind(track.Kind()), func(paused bool) {
			var err error
			if paused {
				err = sender.ReplaceTrack(nil)
			} else {
				err = sender.ReplaceTrack(track)
			}
			if err != nil {
				log.Warn().Err(err).Str("module", "rtc").Msg("sender pause")
			}
		})
	}
	return nil
}

func (c *PeerConnection) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close error")
		}
	}
}

// remoteStream adapts one inbound pion track to core.RemoteStream.
// A reader goroutine drains RTP and timestamps arrivals; Live() is the
// polled ground truth, OnStateChange fires on EOF (ended) and on
// live/stale flips observed by the reader.
type remoteStream struct {
	track *webrtc.TrackRemote

	mu       sync.Mutex
	lastPkt  time.Time
	ended    bool
	nextSub  int
	subs     map[int]func(bool)
	lastLive bool
}

func newRemoteStream(ctx context.Context, track *webrtc.TrackRemote) *remoteStream {
	rs := &remoteStream{
		track: track,
		subs:  make(map[int]func(bool)),
	}
	go rs.readLoop(ctx)
	return rs
}

func (r *remoteStream) ID() string { return r.track.StreamID() }

func (r *remoteStream) VideoTrack() core.RemoteTrack {
	if r.track.Kind() != webrtc.RTPCodecTypeVideo {
		return nil
	}
	return r
}

func (r *remoteStream) Kind() core.TrackKind {
	return trackKind(r.track.Kind())
}

func (r *remoteStream) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return false
	}
	return !r.lastPkt.IsZero() && time.Since(r.lastPkt) < staleAfter
}

func (r *remoteStream) OnStateChange(fn func(live bool)) (cancel func()) {
	r.mu.Lock()
	key := r.nextSub
	r.nextSub++
	r.subs[key] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, key)
		r.mu.Unlock()
	}
}

func (r *remoteStream) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			r.finish()
			return
		}
		_, _, err := r.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("module", "rtc").Str("track", r.track.ID()).Msg("read rtp")
			}
			r.finish()
			return
		}
		r.mu.Lock()
		r.lastPkt = time.Now()
		wasLive := r.lastLive
		r.lastLive = true
		subs := r.snapshotSubs()
		r.mu.Unlock()
		if !wasLive {
			for _, fn := range subs {
				fn(true)
			}
		}
	}
}

func (r *remoteStream) finish() {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	wasLive := r.lastLive
	r.lastLive = false
	subs := r.snapshotSubs()
	r.mu.Unlock()
	if wasLive {
		for _, fn := range subs {
			fn(false)
		}
	}
}

func (r *remoteStream) snapshotSubs() []func(bool) {
	out := make([]func(bool), 0, len(r.subs))
	for _, fn := range r.subs {
		out = append(out, fn)
	}
	return out
}
