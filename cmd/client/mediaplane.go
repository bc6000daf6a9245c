package main

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/adapters/rtc"
	"github.com/rsavin/huddle/internal/app/call"
	"github.com/rsavin/huddle/internal/app/signaling"
	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

// mediaPlane binds one peer connection to the active call session and
// runs SDP and ICE negotiation over the signaling client. The outbound
// side sends the offer once its session starts connecting; the inbound
// side answers the remote offer. Candidates trickle in both directions
// while the connection lives, and the connection dies with the session.
type mediaPlane struct {
	ctx    context.Context
	mgr    *call.Manager
	client *signaling.Client

	mu   sync.Mutex
	sess *call.Session
	pc   *rtc.PeerConnection
}

func newMediaPlane(ctx context.Context, mgr *call.Manager, client *signaling.Client) *mediaPlane {
	return &mediaPlane{ctx: ctx, mgr: mgr, client: client}
}

// bind follows one admitted session through its lifecycle.
func (p *mediaPlane) bind(sess *call.Session) {
	p.mu.Lock()
	p.sess = sess
	p.mu.Unlock()

	sess.OnStateChanged(func(ch call.StateChange) {
		switch ch.State {
		case domain.CallConnecting, domain.CallConnected:
			if err := p.ensure(sess); err != nil {
				log.Error().Err(err).Str("module", "media-plane").Msg("peer connection")
			}
		case domain.CallEnded:
			p.teardown(sess)
		}
	})
}

// ensure builds the peer connection for sess if it does not exist yet
// and, on the outbound side, kicks off negotiation with an offer.
func (p *mediaPlane) ensure(sess *call.Session) error {
	p.mu.Lock()
	if p.sess != sess || p.pc != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	conn, err := rtc.NewPeerConnection(rtc.DefaultWebRTCConfig())
	if err != nil {
		return err
	}
	id := sess.CallID()
	conn.OnRemoteStream(func(rs core.RemoteStream) {
		p.mgr.HandleRemoteStream(id, rs)
	})
	conn.OnClosed(func() {
		log.Warn().Str("module", "media-plane").Str("call_id", string(id)).Msg("media transport lost")
		sess.Hangup()
	})
	conn.OnICECandidate(func(candidate string) {
		if err := p.client.SendCandidate(id, candidate); err != nil {
			log.Warn().Err(err).Str("module", "media-plane").Msg("send candidate")
		}
	})
	if err := conn.Start(p.ctx); err != nil {
		conn.Close()
		return err
	}
	if ls, ok := sess.LocalStream().(*rtc.LocalStream); ok {
		if err := conn.AttachLocal(ls); err != nil {
			log.Warn().Err(err).Str("module", "media-plane").Msg("attach local media")
		}
	}

	p.mu.Lock()
	if p.sess != sess {
		p.mu.Unlock()
		conn.Close()
		return nil
	}
	p.pc = conn
	p.mu.Unlock()

	if sess.Direction() == domain.Outbound {
		sdp, err := conn.CreateOffer()
		if err != nil {
			return err
		}
		if err := p.client.SendOffer(id, sdp); err != nil {
			return err
		}
	}
	return nil
}

func (p *mediaPlane) handleOffer(id domain.CallID, sdp string) {
	sess, conn := p.current(id)
	if sess == nil {
		return
	}
	if conn == nil {
		if err := p.ensure(sess); err != nil {
			log.Error().Err(err).Str("module", "media-plane").Msg("peer connection")
			return
		}
		if _, conn = p.current(id); conn == nil {
			return
		}
	}
	answer, err := conn.HandleOffer(sdp)
	if err != nil {
		log.Error().Err(err).Str("module", "media-plane").Msg("apply offer")
		return
	}
	if err := p.client.SendAnswer(id, answer); err != nil {
		log.Warn().Err(err).Str("module", "media-plane").Msg("send answer")
	}
}

func (p *mediaPlane) handleAnswer(id domain.CallID, sdp string) {
	_, conn := p.current(id)
	if conn == nil {
		return
	}
	if err := conn.HandleAnswer(sdp); err != nil {
		log.Error().Err(err).Str("module", "media-plane").Msg("apply answer")
	}
}

func (p *mediaPlane) handleCandidate(id domain.CallID, candidate string) {
	_, conn := p.current(id)
	if conn == nil {
		return
	}
	if err := conn.AddICECandidate(candidate); err != nil {
		log.Warn().Err(err).Str("module", "media-plane").Msg("remote candidate")
	}
}

// current returns the bound session and connection when id matches the
// active call, so stale envelopes for finished calls fall through.
func (p *mediaPlane) current(id domain.CallID) (*call.Session, *rtc.PeerConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil || p.sess.CallID() != id {
		return nil, nil
	}
	return p.sess, p.pc
}

func (p *mediaPlane) teardown(sess *call.Session) {
	p.mu.Lock()
	if p.sess != sess {
		p.mu.Unlock()
		return
	}
	conn := p.pc
	p.pc = nil
	p.sess = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
