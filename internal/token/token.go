// Package token issues and validates the two credential kinds of the
// gateway: short-lived signed access tokens (JWT) and long-lived opaque
// refresh tokens persisted server-side so they can be rotated and swept.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for token operations.
var (
	// ErrRefreshInvalid indicates an absent, expired, or already-consumed
	// refresh token. Callers surface it as a generic credential error.
	ErrRefreshInvalid = errors.New("refresh token invalid")

	// ErrTokenInvalid indicates an access token that failed signature or
	// expiry validation.
	ErrTokenInvalid = errors.New("access token invalid")
)

// Claims is the access-token claim set: subject, role list, and the
// registered iat/exp/jti claims.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// AccessToken is a signed, self-contained credential. Immutable once
// issued; it is only ever reissued, never mutated.
type AccessToken struct {
	Token     string
	Claims    *Claims
	ExpiresAt time.Time
}

// RemainingLifetime returns how long the token stays valid from now.
func (t AccessToken) RemainingLifetime(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// RefreshToken is an opaque credential persisted server-side. One
// principal may hold several live refresh tokens (multi-device); each is
// single-use and replaced on rotation.
type RefreshToken struct {
	Token       string
	PrincipalID string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the token is past its expiry.
func (t RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Pair bundles the two tokens issued together on login and rotation.
type Pair struct {
	Access  AccessToken
	Refresh RefreshToken
}
