package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000
)

const (
	// Heartbeat defaults, overridable through GatewayConfig.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
	// Throttled frames tolerated in a row before the connection is closed.
	rateLimitStrikes = 20

	// Credential + membership checks at connect time must finish within this bound.
	admitTimeout = 5 * time.Second
)
