// Package token loads the process-wide signing secret for Wave session tokens.
//
// The secret is environment configuration read once at startup and never
// changed at runtime. Missing or short secrets are startup-fatal by policy:
// the system cannot safely operate without a trustworthy signing key.
package token

import (
	"errors"
	"os"
	"strings"
)

const (
	// SecretEnvKey is the env var name for the session token signing secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	SecretEnvKey = "WAVE_TOKEN_SECRET"

	// MinSecretBytes is the minimum secret size for HMAC-SHA256 signing.
	// We measure bytes (not runes) because the key is used as raw bytes.
	MinSecretBytes = 32
)

// Public, stable errors for callers.
var (
	ErrSecretMissing  = errors.New("token signing secret missing")
	ErrSecretTooShort = errors.New("token signing secret too short")
)

// SecretFromEnv returns the configured signing secret bytes (trimmed),
// enforcing a minimum byte length.
// If the env var is missing/blank -> ErrSecretMissing.
// If too short -> ErrSecretTooShort.
func SecretFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(SecretEnvKey))
	if raw == "" {
		return nil, ErrSecretMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrSecretTooShort
	}
	return b, nil
}

// SecretConfigured reports whether the env key is present (non-empty after trim).
// Note: this does not enforce minimum length. Use SecretFromEnv for policy checks.
func SecretConfigured() bool {
	return strings.TrimSpace(os.Getenv(SecretEnvKey)) != ""
}
