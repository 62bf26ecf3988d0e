package chatapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the room API.
type Config struct {
	MaxBodyBytes int64
	// InviteTTL is used when a create request names no expiry.
	InviteTTL time.Duration
}

// LoadConfigFromEnv reads HUDDLE_API_* variables, falling back to defaults on bad values.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxBodyBytes: 64 << 10,
		InviteTTL:    7 * 24 * time.Hour,
	}
	if v := strings.TrimSpace(os.Getenv("HUDDLE_API_MAX_BODY_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HUDDLE_API_INVITE_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.InviteTTL = d
		}
	}
	return cfg
}
