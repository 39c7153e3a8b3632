package app

import (
	"errors"

	"wave/cmd/security/token"
)

// ValidateSecurityConfig enforces Wave's security policy at startup.
//
// The signing secret is mandatory, always. Every session token in the system
// is signed with it; starting without one (or with a weak one) would make
// every credential forgeable, so the process refuses to boot instead.
func ValidateSecurityConfig(_ Config) error {
	if _, err := token.SecretFromEnv(token.MinSecretBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrSecretMissing):
			return errors.New("security policy: " + token.SecretEnvKey + " is missing")
		case errors.Is(err, token.ErrSecretTooShort):
			return errors.New("security policy: " + token.SecretEnvKey + " is too short (min 32 bytes)")
		default:
			return err
		}
	}
	return nil
}
