package chat

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"huddle/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-room transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic ordering under concurrency
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "huddle").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "huddle",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("chat: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) table(name string) string { return pgIdent(s.schema, name) }

// ---- rooms ----

func (s *PostgresStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if err := in.Validate(); err != nil {
		return Room{}, err
	}
	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Room{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Room{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("rooms")+` (id, name, description, created_by, is_private, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, true, $6)`,
		id, in.Name, in.Description, in.CreatedBy, in.Private, in.Now,
	); err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("room_participants")+` (room_id, user_id, is_admin, last_read_at, joined_at)
		 VALUES ($1, $2, true, $3, $3)`,
		id, in.CreatedBy, in.Now,
	); err != nil {
		return Room{}, fmt.Errorf("insert creator participant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Room{}, err
	}

	return Room{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		Private:     in.Private,
		Active:      true,
		CreatedAt:   in.Now,
	}, nil
}

const roomColumns = `id, name, description, created_by, is_private, is_active, created_at`

func scanRoom(row pgx.Row) (Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedBy, &r.Private, &r.Active, &r.CreatedAt)
	return r, err
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM `+s.table("rooms")+` WHERE id = $1`, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, notFound("chat.GetRoom", "room")
	}
	if err != nil {
		return Room{}, err
	}
	return r, nil
}

func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.name, r.description, r.created_by, r.is_private, r.is_active, r.created_at
		   FROM `+s.table("rooms")+` r
		   JOIN `+s.table("room_participants")+` p ON p.room_id = r.id
		  WHERE p.user_id = $1 AND r.is_active
		  ORDER BY r.created_at DESC, r.id DESC`,
		strings.TrimSpace(userID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Room, 0, 8)
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeactivateRoom(ctx context.Context, roomID, actorID string) error {
	var createdBy string
	err := s.pool.QueryRow(ctx,
		`SELECT created_by FROM `+s.table("rooms")+` WHERE id = $1`, roomID).Scan(&createdBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("chat.DeactivateRoom", "room")
	}
	if err != nil {
		return err
	}
	if createdBy != actorID {
		return OpError{Op: "chat.DeactivateRoom", Kind: ErrForbidden, Msg: "only the room creator may close it"}
	}
	_, err = s.pool.Exec(ctx, `UPDATE `+s.table("rooms")+` SET is_active = false WHERE id = $1`, roomID)
	return err
}

// ---- participants ----

// authorColumn returns the participant column and value for an author.
// Column names are constants, never user input.
func authorColumn(a Author) (string, string) {
	if a.IsBot() {
		return "bot_id", a.BotID
	}
	return "user_id", a.UserID
}

func (s *PostgresStore) AddParticipant(ctx context.Context, in AddParticipantInput) (Participant, error) {
	if err := in.Author.Validate(); err != nil {
		return Participant{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var active bool
	err := s.pool.QueryRow(ctx, `SELECT is_active FROM `+s.table("rooms")+` WHERE id = $1`, in.RoomID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
		return Participant{}, notFound("chat.AddParticipant", "room")
	}
	if err != nil {
		return Participant{}, err
	}

	col, val := authorColumn(in.Author)
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.table("room_participants")+` (room_id, `+col+`, is_admin, last_read_at, joined_at)
		 VALUES ($1, $2, $3, $4, $4)`,
		in.RoomID, val, in.IsAdmin, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return Participant{}, conflict("chat.AddParticipant", "already a participant")
			case "23503":
				return Participant{}, notFound("chat.AddParticipant", "bot")
			}
		}
		return Participant{}, err
	}

	return Participant{
		RoomID:     in.RoomID,
		Author:     in.Author,
		IsAdmin:    in.IsAdmin,
		LastReadAt: now,
		JoinedAt:   now,
	}, nil
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, roomID string, author Author) error {
	col, val := authorColumn(author)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table("room_participants")+` WHERE room_id = $1 AND `+col+` = $2`,
		roomID, val,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("chat.RemoveParticipant", "participant")
	}
	return nil
}

const participantColumns = `room_id, user_id, bot_id, is_admin, last_read_at, joined_at`

func scanParticipant(row pgx.Row) (Participant, error) {
	var (
		p      Participant
		userID *string
		botID  *string
	)
	if err := row.Scan(&p.RoomID, &userID, &botID, &p.IsAdmin, &p.LastReadAt, &p.JoinedAt); err != nil {
		return Participant{}, err
	}
	p.Author = authorFromColumns(userID, botID)
	return p, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, roomID string, author Author) (Participant, error) {
	col, val := authorColumn(author)
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM `+s.table("room_participants")+`
		  WHERE room_id = $1 AND `+col+` = $2`,
		roomID, val,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Participant{}, notFound("chat.GetParticipant", "participant")
	}
	if err != nil {
		return Participant{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, roomID string) ([]Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM `+s.table("room_participants")+`
		  WHERE room_id = $1
		  ORDER BY joined_at ASC, COALESCE(user_id, bot_id) ASC`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Participant, 0, 8)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IsParticipant(ctx context.Context, roomID string, author Author) (bool, error) {
	if author.ID() == "" || strings.TrimSpace(roomID) == "" {
		return false, nil
	}
	col, val := authorColumn(author)

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1
		   FROM `+s.table("room_participants")+` p
		   JOIN `+s.table("rooms")+` r ON r.id = p.room_id
		  WHERE p.room_id = $1 AND p.`+col+` = $2 AND r.is_active`,
		roomID, val,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, roomID, userID string, at time.Time) (time.Time, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var stored time.Time
	err := s.pool.QueryRow(ctx,
		`UPDATE `+s.table("room_participants")+`
		    SET last_read_at = GREATEST(last_read_at, $3)
		  WHERE room_id = $1 AND user_id = $2
		RETURNING last_read_at`,
		roomID, userID, at,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, notFound("chat.MarkRead", "participant")
	}
	if err != nil {
		return time.Time{}, err
	}
	return stored, nil
}

// ---- messages ----

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := in.Validate(); err != nil {
		return AppendMessageResult{}, err
	}
	msgID, err := ids.NewULID(in.Now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := s.table("rooms")
	cursors := s.table("room_cursors")
	messages := s.table("messages")

	// Serialize all writes per room: no seq waste for duplicates, strict ordering.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "room:"+in.RoomID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var active bool
	err = tx.QueryRow(ctx, `SELECT is_active FROM `+rooms+` WHERE id = $1`, in.RoomID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
		return AppendMessageResult{}, notFound("chat.AppendMessage", "room")
	}
	if err != nil {
		return AppendMessageResult{}, err
	}

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE room_id = $1 AND client_msg_id = $2
			    AND author_user_id IS NOT DISTINCT FROM $3::text
			    AND author_bot_id IS NOT DISTINCT FROM $4::text`,
			in.RoomID, in.ClientMsgID, nullIfEmpty(in.Author.UserID), nullIfEmpty(in.Author.BotID),
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	// Stamped under the room lock so created_at never decreases with seq.
	createdAt := in.Now
	var last time.Time
	err = tx.QueryRow(ctx,
		`SELECT created_at FROM `+messages+` WHERE room_id = $1 ORDER BY seq DESC LIMIT 1`,
		in.RoomID,
	).Scan(&last)
	switch {
	case err == nil && last.After(createdAt):
		createdAt = last
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return AppendMessageResult{}, err
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (room_id) DO NOTHING`,
		in.RoomID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE room_id = $1
		RETURNING (next_seq - 1)`,
		in.RoomID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, room_id, seq, author_user_id, author_bot_id, client_msg_id, content, edited, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)`,
		msgID, in.RoomID, seq,
		nullIfEmpty(in.Author.UserID), nullIfEmpty(in.Author.BotID), nullIfEmpty(in.ClientMsgID),
		in.Content, createdAt,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}

	return AppendMessageResult{Message: Message{
		ID:          msgID,
		RoomID:      in.RoomID,
		Seq:         seq,
		Author:      in.Author,
		ClientMsgID: in.ClientMsgID,
		Content:     in.Content,
		CreatedAt:   createdAt,
	}}, nil
}

const messageColumns = `id, room_id, seq, author_user_id, author_bot_id, client_msg_id, content, edited, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m           Message
		userID      *string
		botID       *string
		clientMsgID *string
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.Seq, &userID, &botID, &clientMsgID, &m.Content, &m.Edited, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.Author = authorFromColumns(userID, botID)
	if clientMsgID != nil {
		m.ClientMsgID = *clientMsgID
	}
	return m, nil
}

func collectMessages(rows pgx.Rows, capHint int) ([]Message, error) {
	defer rows.Close()
	out := make([]Message, 0, capHint)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FetchHistory returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.RoomID == "" {
		return FetchHistoryResult{}, invalid("chat.FetchHistory", "room_id is required")
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE room_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.RoomID, after, fetch,
	)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	msgs, err := collectMessages(rows, fetch)
	if err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, roomID, userID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*)
		   FROM `+s.table("messages")+`
		  WHERE room_id = $1
		    AND created_at > $2
		    AND author_bot_id IS NULL
		    AND author_user_id <> $3`,
		roomID, since, userID,
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) ListHumanMessagesAfter(ctx context.Context, in HumanMessagesInput) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE room_id = $1
		    AND seq > $2
		    AND created_at >= $3
		    AND author_bot_id IS NULL
		  ORDER BY seq ASC
		  LIMIT $4`,
		in.RoomID, in.AfterSeq, in.Since, clampHistoryLimit(in.Limit),
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows, 16)
}

// ---- bots ----

func (s *PostgresStore) CreateBot(ctx context.Context, in CreateBotInput) (Bot, error) {
	if err := in.Validate(); err != nil {
		return Bot{}, err
	}
	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Bot{}, err
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("bots")+` (id, name, provider, model, sealed_secret, system_prompt, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7)`,
		id, in.Name, in.Provider, in.Model, in.SealedSecret, in.SystemPrompt, in.Now,
	); err != nil {
		return Bot{}, fmt.Errorf("insert bot: %w", err)
	}

	return Bot{
		ID:           id,
		Name:         in.Name,
		Provider:     in.Provider,
		Model:        in.Model,
		SealedSecret: in.SealedSecret,
		SystemPrompt: in.SystemPrompt,
		Active:       true,
		CreatedAt:    in.Now,
	}, nil
}

func (s *PostgresStore) GetBot(ctx context.Context, botID string) (Bot, error) {
	var b Bot
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, provider, model, sealed_secret, system_prompt, is_active, created_at
		   FROM `+s.table("bots")+` WHERE id = $1`,
		botID,
	).Scan(&b.ID, &b.Name, &b.Provider, &b.Model, &b.SealedSecret, &b.SystemPrompt, &b.Active, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bot{}, notFound("chat.GetBot", "bot")
	}
	if err != nil {
		return Bot{}, err
	}
	return b, nil
}

func (s *PostgresStore) ListBotRooms(ctx context.Context) ([]BotRoom, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.room_id, array_agg(p.bot_id ORDER BY p.bot_id)
		   FROM `+s.table("room_participants")+` p
		   JOIN `+s.table("rooms")+` r ON r.id = p.room_id
		   JOIN `+s.table("bots")+` b ON b.id = p.bot_id
		  WHERE p.bot_id IS NOT NULL AND r.is_active AND b.is_active
		  GROUP BY p.room_id
		  ORDER BY p.room_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]BotRoom, 0, 4)
	for rows.Next() {
		var br BotRoom
		if err := rows.Scan(&br.RoomID, &br.BotIDs); err != nil {
			return nil, err
		}
		out = append(out, br)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BotCursor(ctx context.Context, roomID, botID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_seq FROM `+s.table("bot_cursors")+` WHERE room_id = $1 AND bot_id = $2`,
		roomID, botID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *PostgresStore) AdvanceBotCursor(ctx context.Context, roomID, botID string, seq int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("bot_cursors")+` AS c (room_id, bot_id, last_seq, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (room_id, bot_id) DO UPDATE
		    SET last_seq = GREATEST(c.last_seq, EXCLUDED.last_seq),
		        updated_at = now()`,
		roomID, botID, seq,
	)
	return err
}

// ---- helpers ----

func authorFromColumns(userID, botID *string) Author {
	var a Author
	if userID != nil {
		a.UserID = *userID
	}
	if botID != nil {
		a.BotID = *botID
	}
	return a
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
