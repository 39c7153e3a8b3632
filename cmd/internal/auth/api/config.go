package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	MaxBodyBytes int64

	// Per-IP signup/login throttle (in-memory sliding window).
	LoginIPMax    int
	LoginIPWindow time.Duration

	MaxDisplayName int
	MaxBio         int
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxBodyBytes:   envInt64("WAVE_AUTH_MAX_BODY_BYTES", 1<<20), // 1 MiB
		LoginIPMax:     envInt("WAVE_AUTH_LOGIN_IP_MAX", 20),
		LoginIPWindow:  envDuration("WAVE_AUTH_LOGIN_IP_WINDOW", 5*time.Minute),
		MaxDisplayName: envInt("WAVE_AUTH_MAX_DISPLAY_NAME", 80),
		MaxBio:         envInt("WAVE_AUTH_MAX_BIO", 512),
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.LoginIPMax <= 0 {
		cfg.LoginIPMax = 20
	}

	return cfg
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
