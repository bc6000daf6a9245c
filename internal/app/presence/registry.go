// Package presence multiplexes many observers of an identity's
// online/offline status onto a single live subscription per identity.
package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

// Observer receives derived status broadcasts for one identity.
type Observer func(domain.PresenceStatus)

// entry holds everything the registry keeps per identity while at
// least one observer is registered. The registry exclusively owns the
// source subscription and the recheck ticker.
type entry struct {
	raw       domain.PresenceRecord
	status    domain.PresenceStatus
	observers map[int]Observer
	cancelSrc func()
	ticker    *clock.Ticker
	stop      chan struct{}
}

type Registry struct {
	src     core.PresenceSource
	clk     clock.Clock
	timeout time.Duration
	recheck time.Duration

	mu      sync.Mutex
	entries map[domain.UserID]*entry
	nextKey int
}

func NewRegistry(src core.PresenceSource, clk clock.Clock, heartbeatTimeout, recheckInterval time.Duration) *Registry {
	return &Registry{
		src:     src,
		clk:     clk,
		timeout: heartbeatTimeout,
		recheck: recheckInterval,
		entries: make(map[domain.UserID]*entry),
	}
}

// Subscribe registers obs for id and returns an unsubscribe func. The
// first observer for an identity opens the one live source subscription
// and starts the recheck ticker; the last unsubscribe synchronously
// closes both and evicts the cached state. The current derived status
// is delivered to obs immediately.
func (r *Registry) Subscribe(id domain.UserID, obs Observer) (cancel func()) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{
			observers: make(map[int]Observer),
			stop:      make(chan struct{}),
		}
		r.entries[id] = e

		cancelSrc, err := r.src.Subscribe(id, func(rec domain.PresenceRecord) {
			r.onRecord(id, rec)
		})
		if err != nil {
			// Degrade to unknown; the source keeps its own retry policy.
			log.Warn().Err(err).Str("module", "presence").Str("identity", string(id)).Msg("source subscribe failed, status unknown")
		} else {
			e.cancelSrc = cancelSrc
		}

		e.ticker = r.clk.Ticker(r.recheck)
		go r.recheckLoop(id, e)
	}
	key := r.nextKey
	r.nextKey++
	e.observers[key] = obs
	st := e.status
	r.mu.Unlock()

	obs(st)

	return func() {
		r.mu.Lock()
		cur, ok := r.entries[id]
		if !ok || cur != e {
			r.mu.Unlock()
			return
		}
		if _, ok := e.observers[key]; !ok {
			r.mu.Unlock()
			return
		}
		delete(e.observers, key)
		if len(e.observers) == 0 {
			if e.cancelSrc != nil {
				e.cancelSrc()
				e.cancelSrc = nil
			}
			e.ticker.Stop()
			close(e.stop)
			delete(r.entries, id)
		}
		r.mu.Unlock()
	}
}

// Peek returns the cached derived status for an identity that currently
// has observers. It never opens a subscription.
func (r *Registry) Peek(id domain.UserID) (domain.PresenceStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.PresenceStatus{}, false
	}
	return e.status, true
}

func (r *Registry) onRecord(id domain.UserID, rec domain.PresenceRecord) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.raw = rec
	e.status = domain.DerivePresence(rec, r.clk.Now(), r.timeout)
	obs, st := snapshot(e)
	r.mu.Unlock()

	for _, fn := range obs {
		fn(st)
	}
}

// recheckLoop re-derives the status from the last raw record on every
// tick, so an identity whose heartbeats silently stopped is demoted to
// offline without a new push. The entry identity check guards against
// a tick racing a teardown/resubscribe of the same id.
func (r *Registry) recheckLoop(id domain.UserID, e *entry) {
	for {
		select {
		case <-e.stop:
			return
		case <-e.ticker.C:
			r.mu.Lock()
			cur, ok := r.entries[id]
			if !ok || cur != e {
				r.mu.Unlock()
				return
			}
			e.status = domain.DerivePresence(e.raw, r.clk.Now(), r.timeout)
			obs, st := snapshot(e)
			r.mu.Unlock()

			for _, fn := range obs {
				fn(st)
			}
		}
	}
}

func snapshot(e *entry) ([]Observer, domain.PresenceStatus) {
	obs := make([]Observer, 0, len(e.observers))
	for _, fn := range e.observers {
		obs = append(obs, fn)
	}
	return obs, e.status
}
