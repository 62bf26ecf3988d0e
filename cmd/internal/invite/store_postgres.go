package invite

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const invitesDDL = `
CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s.room_invites (
  id           TEXT PRIMARY KEY,
  room_id      TEXT NOT NULL,
  token_hash   TEXT NOT NULL,
  created_by   TEXT NOT NULL,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  expires_at   TIMESTAMPTZ NOT NULL,
  max_uses     INT NOT NULL DEFAULT 1,
  used_count   INT NOT NULL DEFAULT 0,
  revoked_at   TIMESTAMPTZ NULL,
  note         TEXT NULL,
  last_used_at TIMESTAMPTZ NULL,
  last_used_by TEXT NULL,
  CONSTRAINT chk_room_invites_token_hash_len CHECK (char_length(token_hash) = 64),
  CONSTRAINT chk_room_invites_max_uses CHECK (max_uses >= 1),
  CONSTRAINT chk_room_invites_used_count CHECK (used_count >= 0 AND used_count <= max_uses)
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_room_invites_token_hash ON %[1]s.room_invites (token_hash);
CREATE INDEX IF NOT EXISTS room_invites_room_idx ON %[1]s.room_invites (room_id, created_at DESC);
`

const inviteColumns = `id, room_id, created_by, created_at, expires_at, max_uses, used_count, revoked_at, note, last_used_at, last_used_by`

var pgIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PostgresStore persists invites in PostgreSQL. It does not own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "huddle").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "huddle"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// Migrate creates the invites table. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(invitesDDL, pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("invite: migrate: %w", err)
	}
	return nil
}

// Create inserts a new invite record.
func (s *PostgresStore) Create(ctx context.Context, in CreateRecord) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.RoomID) == "" || strings.TrimSpace(in.TokenHash) == "" {
		return Invite{}, ErrInvalidInput
	}
	if in.MaxUses <= 0 {
		return Invite{}, ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (
		     id, room_id, token_hash, created_by, created_at, expires_at, max_uses, used_count, note
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)`,
		in.ID,
		in.RoomID,
		in.TokenHash,
		in.CreatedBy,
		in.CreatedAt,
		in.ExpiresAt,
		in.MaxUses,
		in.Note,
	)
	if err != nil {
		return Invite{}, err
	}

	return Invite{
		ID:        in.ID,
		RoomID:    in.RoomID,
		CreatedBy: in.CreatedBy,
		CreatedAt: in.CreatedAt,
		ExpiresAt: in.ExpiresAt,
		MaxUses:   in.MaxUses,
		Note:      in.Note,
	}, nil
}

// GetByTokenHash fetches an invite by token hash.
func (s *PostgresStore) GetByTokenHash(ctx context.Context, tokenHash string) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return Invite{}, ErrInvalidInput
	}

	out, err := scanInvite(s.pool.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM `+s.table()+` WHERE token_hash = $1`,
		tokenHash,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invite{}, ErrNotFound
		}
		return Invite{}, err
	}
	return out, nil
}

// Consume increments used_count and records the redeeming user.
func (s *PostgresStore) Consume(ctx context.Context, in ConsumeRecord) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	if strings.TrimSpace(in.TokenHash) == "" || strings.TrimSpace(in.UserID) == "" {
		return Invite{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	out, err := scanInvite(s.pool.QueryRow(ctx,
		`UPDATE `+s.table()+`
		    SET used_count = used_count + 1,
		        last_used_at = $1,
		        last_used_by = $2
		  WHERE token_hash = $3
		    AND revoked_at IS NULL
		    AND expires_at > $1
		    AND used_count < max_uses
		RETURNING `+inviteColumns,
		in.Now,
		in.UserID,
		in.TokenHash,
	))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Invite{}, err
	}

	// Distinguish not-found vs not-active.
	if _, selErr := s.GetByTokenHash(ctx, in.TokenHash); selErr != nil {
		return Invite{}, selErr
	}
	return Invite{}, ErrNotActive
}

// Revoke sets revoked_at once; revoking twice keeps the first timestamp.
func (s *PostgresStore) Revoke(ctx context.Context, roomID, inviteID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET revoked_at = COALESCE(revoked_at, $1)
		  WHERE id = $2 AND room_id = $3`,
		now, inviteID, roomID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForRoom returns the room's invites, newest first.
func (s *PostgresStore) ListForRoom(ctx context.Context, roomID string) ([]Invite, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+inviteColumns+` FROM `+s.table()+` WHERE room_id = $1 ORDER BY created_at DESC, id DESC`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Invite, 0, 4)
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "room_invites"}.Sanitize()
}

func scanInvite(row pgx.Row) (Invite, error) {
	var out Invite
	err := row.Scan(
		&out.ID,
		&out.RoomID,
		&out.CreatedBy,
		&out.CreatedAt,
		&out.ExpiresAt,
		&out.MaxUses,
		&out.UsedCount,
		&out.RevokedAt,
		&out.Note,
		&out.LastUsedAt,
		&out.LastUsedBy,
	)
	return out, err
}
