package ws

import (
	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/domain"
)

// Subscribe implements core.PresenceSource: the first subscriber for
// an identity sends the subscribe envelope, the last cancel sends the
// unsubscribe. Delivery problems degrade silently; presence is
// best-effort and the registry treats a quiet feed as unknown.
func (t *Transport) Subscribe(id domain.UserID, fn func(domain.PresenceRecord)) (cancel func(), err error) {
	t.presenceMu.Lock()
	subs, ok := t.presenceSubs[id]
	if !ok {
		subs = make(map[int]func(domain.PresenceRecord))
		t.presenceSubs[id] = subs
	}
	key := t.nextSub
	t.nextSub++
	subs[key] = fn
	first := len(subs) == 1
	t.presenceMu.Unlock()

	if first {
		if err := t.sendJSON(envelope{Type: "subscribe-presence", Identity: string(id)}); err != nil {
			log.Warn().Err(err).Str("module", "ws").Str("identity", string(id)).Msg("presence subscribe send")
		}
	}

	return func() {
		t.presenceMu.Lock()
		subs, ok := t.presenceSubs[id]
		if !ok {
			t.presenceMu.Unlock()
			return
		}
		if _, ok := subs[key]; !ok {
			t.presenceMu.Unlock()
			return
		}
		delete(subs, key)
		last := len(subs) == 0
		if last {
			delete(t.presenceSubs, id)
		}
		t.presenceMu.Unlock()

		if last {
			if err := t.sendJSON(envelope{Type: "unsubscribe-presence", Identity: string(id)}); err != nil {
				log.Warn().Err(err).Str("module", "ws").Str("identity", string(id)).Msg("presence unsubscribe send")
			}
		}
	}, nil
}

func (t *Transport) handlePresence(id domain.UserID, rec domain.PresenceRecord) {
	t.presenceMu.Lock()
	subs, ok := t.presenceSubs[id]
	fns := make([]func(domain.PresenceRecord), 0, len(subs))
	if ok {
		for _, fn := range subs {
			fns = append(fns, fn)
		}
	}
	t.presenceMu.Unlock()

	for _, fn := range fns {
		fn(rec)
	}
}
