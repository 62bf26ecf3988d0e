package chat

import (
	"context"
	"time"
)

// RoomStore persists rooms.
type RoomStore interface {
	// CreateRoom inserts the room and the creator's admin participant row atomically.
	CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error)
	GetRoom(ctx context.Context, roomID string) (Room, error)
	// ListRoomsForUser returns active rooms the user participates in, newest first.
	ListRoomsForUser(ctx context.Context, userID string) ([]Room, error)
	// DeactivateRoom soft-deletes a room. Only the creator may do this (ErrForbidden).
	DeactivateRoom(ctx context.Context, roomID, actorID string) error
}

// ParticipantStore persists memberships and read positions.
type ParticipantStore interface {
	// AddParticipant fails with ErrConflict when the author is already a member.
	AddParticipant(ctx context.Context, in AddParticipantInput) (Participant, error)
	RemoveParticipant(ctx context.Context, roomID string, author Author) error
	GetParticipant(ctx context.Context, roomID string, author Author) (Participant, error)
	ListParticipants(ctx context.Context, roomID string) ([]Participant, error)
	// IsParticipant is false for inactive rooms.
	IsParticipant(ctx context.Context, roomID string, author Author) (bool, error)
	// MarkRead moves last_read_at forward to at (never backward) and returns the stored value.
	MarkRead(ctx context.Context, roomID, userID string, at time.Time) (time.Time, error)
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Idempotency per (room_id, author, client_msg_id) when client_msg_id is set
//   - Monotonic seq per room (no gaps for duplicates)
//   - created_at non-decreasing in seq
//   - History query ordered by seq ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	// CountUnread counts messages created after since, excluding the user's own and bot-authored ones.
	CountUnread(ctx context.Context, roomID, userID string, since time.Time) (int, error)
	ListHumanMessagesAfter(ctx context.Context, in HumanMessagesInput) ([]Message, error)
}

// BotStore persists bots and the per-room reply cursors of the bot scheduler.
type BotStore interface {
	CreateBot(ctx context.Context, in CreateBotInput) (Bot, error)
	GetBot(ctx context.Context, botID string) (Bot, error)
	// ListBotRooms returns active rooms with at least one active bot participant.
	ListBotRooms(ctx context.Context) ([]BotRoom, error)
	// BotCursor returns the highest seq already answered by botID in roomID (0 when none).
	BotCursor(ctx context.Context, roomID, botID string) (int64, error)
	// AdvanceBotCursor moves the cursor forward to seq (never backward).
	AdvanceBotCursor(ctx context.Context, roomID, botID string, seq int64) error
}

// Store is the full persistence surface used by the server.
type Store interface {
	RoomStore
	ParticipantStore
	MessageStore
	BotStore
	Close() error
}
