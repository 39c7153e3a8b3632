package credential

import (
	"os"
	"strings"
	"time"

	"wave/cmd/security/token"
)

// Config contains the credential service configuration.
// Secret is required; TTL of zero disables token expiry entirely.
type Config struct {
	Secret    []byte
	Issuer    string
	TTL       time.Duration
	ClockSkew time.Duration
}

// LoadConfigFromEnv loads Config from environment variables.
//
// WAVE_TOKEN_SECRET is mandatory (>= 32 bytes); its absence is a startup
// failure surfaced to the caller, never silently defaulted.
func LoadConfigFromEnv() (Config, error) {
	secret, err := token.SecretFromEnv(token.MinSecretBytes)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Secret:    secret,
		Issuer:    envString("WAVE_TOKEN_ISSUER", "wave"),
		TTL:       envDuration("WAVE_TOKEN_TTL", 0),
		ClockSkew: envDuration("WAVE_TOKEN_CLOCK_SKEW", 30*time.Second),
	}, nil
}

func (c Config) validate() error {
	if len(c.Secret) < token.MinSecretBytes {
		return ErrConfig
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return ErrConfig
	}
	if c.TTL < 0 || c.ClockSkew < 0 {
		return ErrConfig
	}
	return nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
