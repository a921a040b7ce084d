// Package auth validates bearer tokens presented at the gateway boundary.
// Identities are issued by an upstream service; the gateway only verifies
// tokens and extracts the already-authenticated user.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned for any token that does not verify.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the verified caller extracted from a token.
type Identity struct {
	UserID   string
	Username string
	Role     string // "admin", "service", or "user"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}
