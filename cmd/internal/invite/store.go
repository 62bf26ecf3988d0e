package invite

import (
	"context"
	"time"
)

// CreateRecord is a normalized invite insert payload.
type CreateRecord struct {
	ID        string
	RoomID    string
	TokenHash string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt time.Time
	MaxUses   int
	Note      *string
}

// ConsumeRecord describes a token redemption.
type ConsumeRecord struct {
	TokenHash string
	UserID    string
	Now       time.Time
}

// Store is the persistence boundary for room invites.
type Store interface {
	Create(ctx context.Context, in CreateRecord) (Invite, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (Invite, error)
	// Consume atomically takes one use. Exhausted, expired or revoked invites fail with ErrNotActive.
	Consume(ctx context.Context, in ConsumeRecord) (Invite, error)
	// Revoke fails with ErrNotFound when the invite does not belong to roomID.
	Revoke(ctx context.Context, roomID, inviteID string, now time.Time) error
	ListForRoom(ctx context.Context, roomID string) ([]Invite, error)
}
