package core

import "github.com/rsavin/huddle/internal/domain"

// PresenceSource is the external heartbeat feed: push-based,
// at-least-once, no ordering guarantee beyond per-identity monotonic
// heartbeat timestamps. Implementations keep their retry/backoff
// internal; a broken feed simply stops pushing.
type PresenceSource interface {
	// Subscribe registers fn for raw record pushes for id and returns a
	// cancel func. The registry holds exactly one subscription per
	// identity; cancel must be safe to call once observers are gone.
	Subscribe(id domain.UserID, fn func(domain.PresenceRecord)) (cancel func(), err error)
}
