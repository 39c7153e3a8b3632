package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// CORS allowlist for the browser client (comma-separated origins).
	CORSAllowedOrigins string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, /metrics is exposed on the main listener.
	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("WAVE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("WAVE_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("WAVE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WAVE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WAVE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("WAVE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("WAVE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("WAVE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("WAVE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("WAVE_DB_MIN_CONNS", 0),

		CORSAllowedOrigins: EnvString("WAVE_CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		ReadinessRequireDB: EnvBool("WAVE_READINESS_REQUIRE_DB", false),

		MetricsEnabled: EnvBool("WAVE_METRICS_ENABLED", true),
	}
}
