package session

import (
	"context"
	"net"
	"time"
)

// Platform represents the client platform associated with a session.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
	PlatformCLI     Platform = "cli"
	PlatformUnknown Platform = "unknown"
)

// DeviceContext describes the client device that owns a session.
type DeviceContext struct {
	Platform  Platform
	UserAgent string
	IP        net.IP
}

// Row mirrors the huddle.sessions row.
type Row struct {
	ID               string
	UserID           string
	CreatedAt        time.Time
	LastUsedAt       *time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevocationReason *string
	Platform         Platform
}

// Store abstracts persistence for session state.
type Store interface {
	// Create creates a new session row and returns its id.
	Create(ctx context.Context, now time.Time, userID string, dev DeviceContext, expiresAt time.Time) (sessionID string, err error)

	// GetByID loads a session row by ID (ErrSessionNotFound when absent).
	GetByID(ctx context.Context, sessionID string) (Row, error)

	// Touch updates last_used_at for a session.
	Touch(ctx context.Context, now time.Time, sessionID string) error

	// Revoke revokes a single session. Revoking twice keeps the first timestamp.
	Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error

	// RevokeAll revokes all sessions for a user.
	RevokeAll(ctx context.Context, now time.Time, userID string, reason string) error
}
