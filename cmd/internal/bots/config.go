package bots

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for invalid scheduler configuration.
var ErrConfig = errors.New("bots: invalid config")

// Config controls the bot scheduler and the provider client.
type Config struct {
	Enabled bool

	// Interval is the per-room tick period.
	Interval time.Duration
	// Window bounds how far back a cycle looks for unanswered human messages.
	Window time.Duration
	// DiscoverInterval is how often rooms with bots are re-listed.
	DiscoverInterval time.Duration
	// ProviderTimeout bounds one provider call.
	ProviderTimeout time.Duration
	// LockTTL bounds a room lease; it must cover a whole tick.
	LockTTL time.Duration
	// MaxMessages caps how many messages one cycle sends to the provider.
	MaxMessages int

	ProviderURL string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Interval:         60 * time.Second,
		Window:           5 * time.Minute,
		DiscoverInterval: 30 * time.Second,
		ProviderTimeout:  30 * time.Second,
		LockTTL:          55 * time.Second,
		MaxMessages:      50,
		ProviderURL:      "https://api.openai.com/v1",
	}
}

// LoadConfigFromEnv loads scheduler configuration.
//
// Optional:
//   - HUDDLE_BOT_ENABLED
//   - HUDDLE_BOT_INTERVAL
//   - HUDDLE_BOT_WINDOW
//   - HUDDLE_BOT_DISCOVER_INTERVAL
//   - HUDDLE_BOT_PROVIDER_TIMEOUT
//   - HUDDLE_BOT_LOCK_TTL
//   - HUDDLE_BOT_MAX_MESSAGES
//   - HUDDLE_BOT_PROVIDER_URL
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("HUDDLE_BOT_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.Enabled = b
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HUDDLE_BOT_INTERVAL", &cfg.Interval},
		{"HUDDLE_BOT_WINDOW", &cfg.Window},
		{"HUDDLE_BOT_DISCOVER_INTERVAL", &cfg.DiscoverInterval},
		{"HUDDLE_BOT_PROVIDER_TIMEOUT", &cfg.ProviderTimeout},
		{"HUDDLE_BOT_LOCK_TTL", &cfg.LockTTL},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("HUDDLE_BOT_MAX_MESSAGES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return Config{}, ErrConfig
		}
		cfg.MaxMessages = n
	}

	if v := strings.TrimSpace(os.Getenv("HUDDLE_BOT_PROVIDER_URL")); v != "" {
		cfg.ProviderURL = strings.TrimRight(v, "/")
	}

	// A provider call that outlives the tick would overlap the next one.
	if cfg.ProviderTimeout >= cfg.Interval {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
