package app

import (
	"strings"
	"time"

	"huddle/cmd/internal/realtime"
)

// Config contains the server runtime configuration loaded from environment variables.
// Subsystems (sessions, bots, the auth and room APIs) load their own settings.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	DBMigrate   bool

	RedisURL string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	WS realtime.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("HUDDLE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("HUDDLE_LOG_LEVEL", "info"),
		LogFormat: EnvString("HUDDLE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("HUDDLE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HUDDLE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HUDDLE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HUDDLE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("HUDDLE_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("HUDDLE_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: EnvString("HUDDLE_DATABASE_URL", ""),
		DBSchema:    EnvString("HUDDLE_DB_SCHEMA", "huddle"),
		DBMaxConns:  EnvInt32("HUDDLE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("HUDDLE_DB_MIN_CONNS", 0),
		DBMigrate:   EnvBool("HUDDLE_DB_MIGRATE", true),

		RedisURL: EnvString("HUDDLE_REDIS_URL", ""),

		ReadinessRequireDB: EnvBool("HUDDLE_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("HUDDLE_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("HUDDLE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("HUDDLE_CORS_MAX_AGE_SECONDS", 600),

		WS: loadGatewayConfig(),
	}
}

// loadGatewayConfig reads the HUDDLE_WS_* settings over realtime's defaults.
func loadGatewayConfig() realtime.GatewayConfig {
	def := realtime.DefaultGatewayConfig()
	return realtime.GatewayConfig{
		DevInsecure:    EnvBool("HUDDLE_WS_DEV_INSECURE", false),
		OriginRequired: EnvBool("HUDDLE_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins: EnvCSV("HUDDLE_WS_ALLOWED_ORIGINS", strings.Join(def.AllowedOrigins, ",")),

		AuthTimeout:     EnvDuration("HUDDLE_WS_AUTH_TIMEOUT", def.AuthTimeout),
		OpTimeout:       EnvDuration("HUDDLE_WS_OP_TIMEOUT", def.OpTimeout),
		WriteTimeout:    EnvDuration("HUDDLE_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout: EnvDuration("HUDDLE_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		SendQueueSize:   EnvInt("HUDDLE_WS_SEND_QUEUE", def.SendQueueSize),

		HeartbeatInterval: EnvDuration("HUDDLE_WS_HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		HeartbeatTimeout:  EnvDuration("HUDDLE_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),

		RateEvents: EnvInt("HUDDLE_WS_RATE_EVENTS", def.RateEvents),
		RateWindow: EnvDuration("HUDDLE_WS_RATE_WINDOW", def.RateWindow),
	}
}
