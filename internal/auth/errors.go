// Package auth implements the credential lifecycle of the gateway:
// authentication with login throttling, refresh-token rotation, access
// revocation, and role-based authorization.
package auth

import "errors"

// Error taxonomy surfaced to transport. Everything credential-shaped is
// an ErrInvalidCredentials so responses never leak whether a username
// exists.
var (
	// ErrInvalidCredentials covers unknown user, wrong password, and
	// disabled principal.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken indicates an access token that is malformed,
	// expired, badly signed, or revoked.
	ErrInvalidToken = errors.New("invalid token")

	// ErrAccessDenied indicates a valid token lacking the required role.
	ErrAccessDenied = errors.New("access denied")

	// ErrServiceUnavailable indicates an infrastructure failure the
	// resilience chain could not absorb.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// tooManyAttemptsError blocks a throttled principal while still matching
// ErrInvalidCredentials, so transport maps it to the same status code
// with a more specific message.
type tooManyAttemptsError struct{}

func (tooManyAttemptsError) Error() string { return "too many failed login attempts" }

func (tooManyAttemptsError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

// ErrTooManyAttempts rejects logins from a throttled principal. It
// matches ErrInvalidCredentials under errors.Is.
var ErrTooManyAttempts error = tooManyAttemptsError{}
