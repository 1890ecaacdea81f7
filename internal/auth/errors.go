package auth

import "errors"

// Sentinel errors returned by the API key and JWT validation paths.
// Callers should use errors.Is for comparison.
var (
	// ErrTokenExpired is returned when a JWT has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a JWT cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrAPIKeyInvalid is returned when the presented key does not match any
	// stored hash, or the prefix is malformed.
	ErrAPIKeyInvalid = errors.New("auth: api key invalid")

	// ErrAPIKeyRevoked is returned when the key matched but was revoked.
	ErrAPIKeyRevoked = errors.New("auth: api key revoked")

	// ErrAPIKeyExpired is returned when the key matched but its expires_at
	// has passed.
	ErrAPIKeyExpired = errors.New("auth: api key expired")

	// ErrNoCredentials is returned when a request carries neither a Bearer
	// JWT nor an API key.
	ErrNoCredentials = errors.New("auth: no credentials presented")
)
