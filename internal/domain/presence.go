package domain

import "time"

// PresenceRecord is the raw per-identity value pushed by the presence
// feed. Both timestamps may be nil for an identity the feed knows
// nothing about.
type PresenceRecord struct {
	LastOnlineAt    *time.Time `json:"last_online_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// PresenceStatus is the derived view observers receive. It is never
// stored; it is recomputed from the latest raw record and wall-clock
// time on every broadcast.
type PresenceStatus struct {
	Online       bool       `json:"online"`
	LastOnlineAt *time.Time `json:"last_online_at,omitempty"`
}

// DerivePresence computes the online flag from a raw record: an
// identity is online while its most recent heartbeat is younger than
// timeout.
func DerivePresence(rec PresenceRecord, now time.Time, timeout time.Duration) PresenceStatus {
	st := PresenceStatus{LastOnlineAt: rec.LastOnlineAt}
	if rec.LastHeartbeatAt != nil && now.Sub(*rec.LastHeartbeatAt) < timeout {
		st.Online = true
	}
	return st
}
