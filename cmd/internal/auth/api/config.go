package authapi

import (
	"os"
	"strconv"
	"strings"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	// DevIssue enables POST /auth/dev/sessions, which mints a session for any user id.
	// Never enable it in production; identities come from the upstream identity provider.
	DevIssue     bool
	TrustProxy   bool
	MaxBodyBytes int64
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		DevIssue:     envBool("HUDDLE_AUTH_DEV_ISSUE", false),
		TrustProxy:   envBool("HUDDLE_AUTH_TRUST_PROXY", false),
		MaxBodyBytes: envInt64("HUDDLE_AUTH_MAX_BODY_BYTES", 64<<10),
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	return cfg
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
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
