// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 64
)

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
)

type UserID string

// Profile is the displayable view of an identity: what the UI shows
// next to a call or a presence dot.
type Profile struct {
	ID        UserID `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// PlaceholderProfile is what an incoming call is presented with when
// neither the cache nor the directory can resolve the caller in time.
func PlaceholderProfile(id UserID) Profile {
	return Profile{ID: id, Name: "Unknown"}
}

// ClampDisplayName truncates an externally supplied display name to
// MaxDisplayNameLen bytes.
func ClampDisplayName(name string) string {
	if len(name) > MaxDisplayNameLen {
		return name[:MaxDisplayNameLen]
	}
	return name
}

// NewUserID validates an externally supplied identity string.
func NewUserID(raw string) (UserID, error) {
	if len(raw) == 0 {
		return "", ErrIdentityEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrIdentityTooLong
	}
	return UserID(raw), nil
}
