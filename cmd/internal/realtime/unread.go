package realtime

import (
	"context"
	"time"

	"huddle/cmd/internal/chat"
)

// UnreadStore is the persistence surface the tracker reads from.
type UnreadStore interface {
	GetParticipant(ctx context.Context, roomID string, author chat.Author) (chat.Participant, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]chat.Room, error)
	MarkRead(ctx context.Context, roomID, userID string, at time.Time) (time.Time, error)
	CountUnread(ctx context.Context, roomID, userID string, since time.Time) (int, error)
}

// ReadState is the result of a read mark.
type ReadState struct {
	RoomID      string    `json:"room_id"`
	LastReadAt  time.Time `json:"last_read_at"`
	UnreadCount int       `json:"unread_count"`
}

// RoomUnread is one row of an unread summary.
type RoomUnread struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
	Count  int    `json:"count"`
}

// Summary lists rooms with unread messages. Rooms at zero are omitted.
type Summary struct {
	Rooms []RoomUnread `json:"rooms"`
	Total int          `json:"total"`
}

// Tracker computes unread counts on demand from each participant's last read time.
// Own messages and bot messages never count.
type Tracker struct {
	store UnreadStore
	now   func() time.Time
}

// NewTracker constructs a Tracker.
func NewTracker(store UnreadStore) *Tracker {
	return &Tracker{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// UnreadCount returns the number of unread messages for userID in roomID.
func (t *Tracker) UnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	p, err := t.participant(ctx, "unread.UnreadCount", roomID, userID)
	if err != nil {
		return 0, err
	}
	n, err := t.store.CountUnread(ctx, roomID, userID, p.LastReadAt)
	if err != nil {
		return 0, opErr("unread.UnreadCount", ErrPersistence, err)
	}
	return n, nil
}

// MarkRead moves the read position to now. Calling it again is harmless.
func (t *Tracker) MarkRead(ctx context.Context, roomID, userID string) (ReadState, error) {
	const op = "unread.MarkRead"
	if _, err := t.participant(ctx, op, roomID, userID); err != nil {
		return ReadState{}, err
	}

	at, err := t.store.MarkRead(ctx, roomID, userID, t.now())
	if err != nil {
		if chat.IsNotFound(err) {
			return ReadState{}, opErr(op, ErrForbidden, err)
		}
		return ReadState{}, opErr(op, ErrPersistence, err)
	}
	n, err := t.store.CountUnread(ctx, roomID, userID, at)
	if err != nil {
		return ReadState{}, opErr(op, ErrPersistence, err)
	}
	return ReadState{RoomID: roomID, LastReadAt: at, UnreadCount: n}, nil
}

// UnreadSummary returns unread counts across every active room of userID.
func (t *Tracker) UnreadSummary(ctx context.Context, userID string) (Summary, error) {
	const op = "unread.UnreadSummary"

	rooms, err := t.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return Summary{}, opErr(op, ErrPersistence, err)
	}

	out := Summary{Rooms: []RoomUnread{}}
	for _, r := range rooms {
		p, err := t.store.GetParticipant(ctx, r.ID, chat.UserAuthor(userID))
		if err != nil {
			if chat.IsNotFound(err) {
				// Left between the two reads.
				continue
			}
			return Summary{}, opErr(op, ErrPersistence, err)
		}
		n, err := t.store.CountUnread(ctx, r.ID, userID, p.LastReadAt)
		if err != nil {
			return Summary{}, opErr(op, ErrPersistence, err)
		}
		if n == 0 {
			continue
		}
		out.Rooms = append(out.Rooms, RoomUnread{RoomID: r.ID, Name: r.Name, Count: n})
		out.Total += n
	}
	return out, nil
}

func (t *Tracker) participant(ctx context.Context, op, roomID, userID string) (chat.Participant, error) {
	p, err := t.store.GetParticipant(ctx, roomID, chat.UserAuthor(userID))
	if err != nil {
		if chat.IsNotFound(err) {
			return chat.Participant{}, opErr(op, ErrForbidden, err)
		}
		return chat.Participant{}, opErr(op, ErrPersistence, err)
	}
	return p, nil
}
