package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"huddle/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionsDDL = `
CREATE SCHEMA IF NOT EXISTS huddle;

CREATE TABLE IF NOT EXISTS huddle.sessions (
  id                TEXT PRIMARY KEY,
  user_id           TEXT NOT NULL,
  created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_used_at      TIMESTAMPTZ,
  expires_at        TIMESTAMPTZ NOT NULL,
  revoked_at        TIMESTAMPTZ,
  revocation_reason TEXT,
  user_agent        TEXT,
  ip                INET,
  platform          TEXT NOT NULL DEFAULT 'unknown'
);

CREATE INDEX IF NOT EXISTS sessions_user_idx ON huddle.sessions (user_id);
`

// PostgresStore implements Store using PostgreSQL (huddle.sessions).
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the sessions table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sessionsDDL); err != nil {
		return fmt.Errorf("session: migrate: %w", err)
	}
	return nil
}

// Create inserts a new session row and returns its ULID.
func (s *PostgresStore) Create(ctx context.Context, now time.Time, userID string, dev DeviceContext, expiresAt time.Time) (string, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}

	var ip net.IP
	if dev.IP != nil {
		ip = dev.IP
	}
	platform := dev.Platform
	if platform == "" {
		platform = PlatformUnknown
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO huddle.sessions (
			id, user_id, created_at, last_used_at, expires_at, user_agent, ip, platform
		) VALUES (
			$1, $2, $3, $3, $4, $5, $6, $7
		)
	`, id, userID, now, expiresAt, nullIfEmpty(dev.UserAgent), ip, string(platform))
	if err != nil {
		return "", err
	}

	return id, nil
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	var row Row

	err := s.pool.QueryRow(ctx, `
		SELECT
			id, user_id, created_at, last_used_at, expires_at,
			revoked_at, revocation_reason, platform
		FROM huddle.sessions
		WHERE id = $1
	`, sessionID).Scan(
		&row.ID,
		&row.UserID,
		&row.CreatedAt,
		&row.LastUsedAt,
		&row.ExpiresAt,
		&row.RevokedAt,
		&row.RevocationReason,
		&row.Platform,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}

	return row, nil
}

// Touch updates last_used_at for a session.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE huddle.sessions
		SET last_used_at = $2
		WHERE id = $1
	`, sessionID, now)
	return err
}

// Revoke revokes a single session (idempotent).
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE huddle.sessions
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE id = $1
	`, sessionID, now, reason)
	return err
}

// RevokeAll revokes all sessions for a user (idempotent).
func (s *PostgresStore) RevokeAll(ctx context.Context, now time.Time, userID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE huddle.sessions
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE user_id = $1
	`, userID, now, reason)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
