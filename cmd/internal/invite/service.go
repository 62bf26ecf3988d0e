// Package invite issues shareable room invite links.
//
// Only a SHA-256 digest of each token is stored; the plain token is returned once at creation.
package invite

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"huddle/cmd/internal/ids"
)

const (
	defaultTokenBytes = 32
	defaultTTL        = 7 * 24 * time.Hour
	maxTTL            = 30 * 24 * time.Hour
	maxUsesLimit      = 1000
	maxNoteChars      = 512
)

// Invite represents a room invite row.
type Invite struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"room_id"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	MaxUses    int        `json:"max_uses"`
	UsedCount  int        `json:"used_count"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	Note       *string    `json:"note,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	LastUsedBy *string    `json:"last_used_by,omitempty"`
}

// Active reports whether the invite can still be redeemed at now.
func (inv Invite) Active(now time.Time) bool {
	if inv.RevokedAt != nil || !inv.ExpiresAt.After(now) {
		return false
	}
	return inv.UsedCount < inv.MaxUses
}

// CreateInput describes invite creation.
type CreateInput struct {
	RoomID    string
	CreatedBy string
	TTL       time.Duration
	MaxUses   int
	Note      *string
	Now       time.Time
}

// RedeemInput describes invite redemption.
type RedeemInput struct {
	Token  string
	UserID string
	Now    time.Time
}

// Service manages invite creation, validation, and redemption.
type Service struct {
	store      Store
	tokenBytes int
}

// Option configures the Service.
type Option func(*Service) error

// WithTokenBytes sets the length of generated invite tokens in bytes.
func WithTokenBytes(n int) Option {
	return func(s *Service) error {
		if n < 16 {
			return ErrInvalidInput
		}
		s.tokenBytes = n
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{store: store, tokenBytes: defaultTokenBytes}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateInvite creates a new invite and returns the invite plus its plain token.
// TTL and MaxUses are clamped to sane bounds.
func (s *Service) CreateInvite(ctx context.Context, in CreateInput) (Invite, string, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, "", err
	}
	roomID := strings.TrimSpace(in.RoomID)
	createdBy := strings.TrimSpace(in.CreatedBy)
	if roomID == "" || createdBy == "" {
		return Invite{}, "", ErrInvalidInput
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	maxUses := in.MaxUses
	if maxUses <= 0 {
		maxUses = 1
	}
	if maxUses > maxUsesLimit {
		maxUses = maxUsesLimit
	}
	note := trimPtr(in.Note)
	if note != nil && len([]rune(*note)) > maxNoteChars {
		return Invite{}, "", ErrInvalidInput
	}

	tokenPlain, err := newOpaqueToken(s.tokenBytes)
	if err != nil {
		return Invite{}, "", err
	}
	inviteID, err := ids.NewULID(now)
	if err != nil {
		return Invite{}, "", err
	}

	inv, err := s.store.Create(ctx, CreateRecord{
		ID:        inviteID,
		RoomID:    roomID,
		TokenHash: HashToken(tokenPlain),
		CreatedBy: createdBy,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		MaxUses:   maxUses,
		Note:      note,
	})
	if err != nil {
		return Invite{}, "", err
	}
	return inv, tokenPlain, nil
}

// ValidateInvite checks whether a token is valid and active at the given time.
// An unknown token is reported as (false, Invite{}, nil).
func (s *Service) ValidateInvite(ctx context.Context, tokenStr string, now time.Time) (bool, Invite, error) {
	if err := ctx.Err(); err != nil {
		return false, Invite{}, err
	}
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return false, Invite{}, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	inv, err := s.store.GetByTokenHash(ctx, HashToken(tokenStr))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, Invite{}, nil
		}
		return false, Invite{}, err
	}
	return inv.Active(now), inv, nil
}

// Redeem takes one use of the invite for in.UserID.
func (s *Service) Redeem(ctx context.Context, in RedeemInput) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	tokenStr := strings.TrimSpace(in.Token)
	userID := strings.TrimSpace(in.UserID)
	if tokenStr == "" || userID == "" {
		return Invite{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return s.store.Consume(ctx, ConsumeRecord{TokenHash: HashToken(tokenStr), UserID: userID, Now: in.Now})
}

// Revoke disables an invite of roomID.
func (s *Service) Revoke(ctx context.Context, roomID, inviteID string, now time.Time) error {
	roomID = strings.TrimSpace(roomID)
	inviteID = strings.TrimSpace(inviteID)
	if roomID == "" || inviteID == "" {
		return ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.Revoke(ctx, roomID, inviteID, now)
}

// List returns the room's invites, newest first.
func (s *Service) List(ctx context.Context, roomID string) ([]Invite, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, ErrInvalidInput
	}
	return s.store.ListForRoom(ctx, roomID)
}

// HashToken returns the hex SHA-256 digest stored in place of the token.
func HashToken(tokenPlain string) string {
	sum := sha256.Sum256([]byte(tokenPlain))
	return hex.EncodeToString(sum[:])
}

func newOpaqueToken(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = defaultTokenBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}
