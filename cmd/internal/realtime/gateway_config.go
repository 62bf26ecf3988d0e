package realtime

import "time"

// GatewayConfig tunes a WSGateway. Zero durations and sizes take the values of DefaultGatewayConfig.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin check. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	AuthTimeout  time.Duration
	OpTimeout    time.Duration
	WriteTimeout time.Duration
	// ReadIdleTimeout closes a connection that has neither sent a frame nor answered a ping for this long.
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the production defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},

		AuthTimeout:     admitTimeout,
		OpTimeout:       wsDefaultOpTimeout,
		WriteTimeout:    wsDefaultWriteTimeout,
		ReadIdleTimeout: wsDefaultReadIdle,
		SendQueueSize:   wsDefaultSendQueueSize,

		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,

		RateEvents: rateLimitEvents,
		RateWindow: rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	durations := []struct {
		dst *time.Duration
		def time.Duration
	}{
		{&c.AuthTimeout, def.AuthTimeout},
		{&c.OpTimeout, def.OpTimeout},
		{&c.WriteTimeout, def.WriteTimeout},
		{&c.ReadIdleTimeout, def.ReadIdleTimeout},
		{&c.HeartbeatInterval, def.HeartbeatInterval},
		{&c.HeartbeatTimeout, def.HeartbeatTimeout},
		{&c.RateWindow, def.RateWindow},
	}
	for _, d := range durations {
		if *d.dst <= 0 {
			*d.dst = d.def
		}
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	return c
}
