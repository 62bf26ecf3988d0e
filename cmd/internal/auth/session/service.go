package session

import (
	"context"
	"strings"
	"time"
)

// Service implements the high-level session operations for Huddle.
//
// It issues sessions, validates access tokens against the backing session row,
// and supports per-session and per-user revocation.
type Service struct {
	cfg    Config
	tokens AccessTokenManager
	store  Store

	now func() time.Time
}

// Issued is the result of issuing a session.
type Issued struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"access_token"`
	AccessExp   time.Time `json:"access_expires_at"`
	SessionExp  time.Time `json:"session_expires_at"`
}

// Identity is the authenticated caller of a transport request.
type Identity struct {
	UserID    string
	SessionID string
}

// NewService constructs a Service with the provided configuration, store, and token manager.
func NewService(cfg Config, store Store, tokens AccessTokenManager) *Service {
	return &Service{cfg: cfg, store: store, tokens: tokens, now: func() time.Time { return time.Now().UTC() }}
}

// IssueSession creates a new session row and returns an access token bound to it.
func (s *Service) IssueSession(ctx context.Context, now time.Time, userID string, dev DeviceContext) (Issued, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Issued{}, ErrInvalidToken
	}

	sessionExp := now.Add(s.cfg.SessionTTL)
	sessionID, err := s.store.Create(ctx, now, userID, dev, sessionExp)
	if err != nil {
		return Issued{}, err
	}

	accessToken, accessExp, err := s.tokens.Issue(userID, sessionID, now)
	if err != nil {
		return Issued{}, err
	}
	if accessExp.After(sessionExp) {
		accessExp = sessionExp
	}

	return Issued{
		SessionID:   sessionID,
		UserID:      userID,
		AccessToken: accessToken,
		AccessExp:   accessExp,
		SessionExp:  sessionExp,
	}, nil
}

// IssueAccessToken issues a short-lived access token for an existing session.
func (s *Service) IssueAccessToken(userID, sessionID string, now time.Time) (token string, exp time.Time, err error) {
	return s.tokens.Issue(userID, sessionID, now)
}

// ValidateAccessToken verifies an access token and ensures the backing session is active.
func (s *Service) ValidateAccessToken(ctx context.Context, token string, now time.Time) (AccessClaims, error) {
	claims, err := s.tokens.Verify(token, now)
	if err != nil {
		return AccessClaims{}, err
	}

	// Server-authoritative session check to honor revocations.
	row, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		return AccessClaims{}, err
	}

	if row.UserID != claims.UserID {
		return AccessClaims{}, ErrInvalidToken
	}
	if row.RevokedAt != nil {
		return AccessClaims{}, ErrSessionRevoked
	}
	if !row.ExpiresAt.After(now) {
		return AccessClaims{}, ErrSessionExpired
	}

	return claims, nil
}

// Authenticate validates a bearer token at the current time and returns the caller.
func (s *Service) Authenticate(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > 4096 {
		return Identity{}, ErrInvalidToken
	}
	claims, err := s.ValidateAccessToken(ctx, token, s.now())
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.UserID, SessionID: claims.SessionID}, nil
}

// RevokeSession revokes a single session by ID (e.g., logout from a device).
func (s *Service) RevokeSession(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Revoke(ctx, now, sessionID, "logout")
}

// RevokeAll revokes all sessions for a user (e.g., logout everywhere).
func (s *Service) RevokeAll(ctx context.Context, now time.Time, userID string) error {
	return s.store.RevokeAll(ctx, now, userID, "logout")
}

// TouchSession updates last_used_at for a session (best-effort).
func (s *Service) TouchSession(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Touch(ctx, now, sessionID)
}
