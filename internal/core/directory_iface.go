package core

import (
	"context"
	"errors"

	"github.com/rsavin/huddle/internal/domain"
)

// ErrNotFound is returned by Directory.Resolve for an unknown identity.
var ErrNotFound = errors.New("identity not found")

// Directory resolves an identity to displayable profile data. Used only
// as a fallback when the local profile cache misses.
type Directory interface {
	Resolve(ctx context.Context, id domain.UserID) (*domain.Profile, error)
}
