package session

import (
	"os"
	"time"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// AccessTokenTTL defines the lifetime of PASETO access tokens.
	AccessTokenTTL time.Duration

	// SessionTTL bounds the session row. Access tokens are never valid past it.
	SessionTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key
	// used to sign PASETO v4.public access tokens.
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns a configuration suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:         "huddle",
		AccessTokenTTL: 15 * time.Minute,
		SessionTTL:     7 * 24 * time.Hour,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - HUDDLE_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - HUDDLE_AUTH_ISSUER
//   - HUDDLE_AUTH_ACCESS_TTL
//   - HUDDLE_AUTH_SESSION_TTL
//   - HUDDLE_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("HUDDLE_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("HUDDLE_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("HUDDLE_AUTH_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SessionTTL = d
	}

	if v := os.Getenv("HUDDLE_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4SecretKeyHex = os.Getenv("HUDDLE_PASETO_V4_SECRET_KEY_HEX")
	if cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	// A token must not outlive its session.
	if cfg.SessionTTL < cfg.AccessTokenTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
