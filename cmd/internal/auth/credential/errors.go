package credential

import "errors"

var (
	// ErrNoCredential is returned when no token was presented at all.
	ErrNoCredential = errors.New("no credential presented")

	// ErrInvalidToken is returned when a token fails signature verification,
	// including missing, garbled, or otherwise malformed input.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the signature is valid but the token's
	// expiry has elapsed.
	ErrTokenExpired = errors.New("token expired")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid credential config")
)
