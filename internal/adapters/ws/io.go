package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

func (t *Transport) writePump() {
	for {
		select {
		case <-t.done:
			log.Info().Str("module", "ws").Msg("writePump done")
			return
		case data := <-t.send:
			if err := t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (t *Transport) readPump() {
	defer func() {
		log.Info().Str("module", "ws").Msg("readPump closing")
		_ = t.Close()
	}()

	for {
		select {
		case <-t.done:
			return
		default:
			_, data, err := t.conn.ReadMessage()
			if err != nil {
				t.emit(core.TransportEvent{Kind: core.EventClosed, Err: err})
				return
			}
			t.handleFrame(data)
		}
	}
}

func (t *Transport) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad json")
		return
	}

	switch env.Type {
	case "connected":
		t.emit(core.TransportEvent{Kind: core.EventConnected})
	case "auth-ok":
		t.emit(core.TransportEvent{Kind: core.EventAuthenticated})
	case "auth-fail":
		t.emit(core.TransportEvent{Kind: core.EventAuthFailed})
	case "auth-required":
		t.emit(core.TransportEvent{Kind: core.EventAuthRequired})
	case "call-incoming":
		t.emit(core.TransportEvent{
			Kind:   core.EventIncomingCall,
			CallID: domain.CallID(env.CallID),
			From:   domain.UserID(env.From),
		})
	case "call-state":
		code, ok := core.ParseStatus(env.State)
		if !ok {
			log.Warn().Str("module", "ws").Str("state", env.State).Msg("unknown call state")
			return
		}
		t.emit(core.TransportEvent{
			Kind:   core.EventCallState,
			CallID: domain.CallID(env.CallID),
			Status: code,
		})
	case "rtc-offer":
		t.emit(core.TransportEvent{
			Kind:   core.EventOffer,
			CallID: domain.CallID(env.CallID),
			SDP:    env.SDP,
		})
	case "rtc-answer":
		t.emit(core.TransportEvent{
			Kind:   core.EventAnswer,
			CallID: domain.CallID(env.CallID),
			SDP:    env.SDP,
		})
	case "rtc-candidate":
		t.emit(core.TransportEvent{
			Kind:      core.EventCandidate,
			CallID:    domain.CallID(env.CallID),
			Candidate: env.Candidate,
		})
	case "presence":
		t.handlePresence(domain.UserID(env.Identity), domain.PresenceRecord{
			LastOnlineAt:    env.LastOnlineAt,
			LastHeartbeatAt: env.LastHeartbeatAt,
		})
	case "pong":
		// keepalive reply, nothing to do
	default:
		log.Warn().Str("module", "ws").Str("type", env.Type).Msg("unknown envelope")
	}
}

// emit never blocks the read pump; a consumer that stopped draining
// loses events rather than wedging the socket.
func (t *Transport) emit(ev core.TransportEvent) {
	select {
	case t.events <- ev:
	default:
		log.Warn().Str("module", "ws").Int("kind", int(ev.Kind)).Msg("event dropped, consumer slow")
	}
}

func (t *Transport) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.trySend(b)
}
