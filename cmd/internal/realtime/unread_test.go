package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"huddle/cmd/internal/chat"
)

func TestTracker_CountsExcludeOwnAndBotMessages(t *testing.T) {
	ctx := context.Background()
	st := chat.NewInMemoryStore()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	room, err := st.CreateRoom(ctx, chat.CreateRoomInput{Name: "general", CreatedBy: "alice", Now: t0})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := st.AddParticipant(ctx, chat.AddParticipantInput{RoomID: room.ID, Author: chat.UserAuthor("bob"), Now: t0}); err != nil {
		t.Fatalf("add bob: %v", err)
	}
	bot, err := st.CreateBot(ctx, chat.CreateBotInput{Name: "helper", Provider: "openai", Model: "m", SealedSecret: []byte("x"), Now: t0})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	appendAt := func(a chat.Author, at time.Time) {
		t.Helper()
		if _, err := st.AppendMessage(ctx, chat.AppendMessageInput{RoomID: room.ID, Author: a, Content: "m", Now: at}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	appendAt(chat.UserAuthor("bob"), t0.Add(1*time.Minute))
	appendAt(chat.UserAuthor("bob"), t0.Add(2*time.Minute))
	appendAt(chat.UserAuthor("alice"), t0.Add(3*time.Minute))
	appendAt(chat.BotAuthor(bot.ID), t0.Add(4*time.Minute))

	tr := NewTracker(st)
	n, err := tr.UnreadCount(ctx, room.ID, "alice")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 2 {
		t.Fatalf("alice unread: got %d want 2", n)
	}

	sum, err := tr.UnreadSummary(ctx, "alice")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 2 || len(sum.Rooms) != 1 || sum.Rooms[0].RoomID != room.ID || sum.Rooms[0].Name != "general" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestTracker_MarkReadIsMonotonicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	st := chat.NewInMemoryStore()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	room, err := st.CreateRoom(ctx, chat.CreateRoomInput{Name: "general", CreatedBy: "alice", Now: t0})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := st.AddParticipant(ctx, chat.AddParticipantInput{RoomID: room.ID, Author: chat.UserAuthor("bob"), Now: t0}); err != nil {
		t.Fatalf("add bob: %v", err)
	}
	if _, err := st.AppendMessage(ctx, chat.AppendMessageInput{RoomID: room.ID, Author: chat.UserAuthor("bob"), Content: "hi", Now: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	tr := NewTracker(st)
	now := t0.Add(10 * time.Minute)
	tr.now = func() time.Time { return now }

	first, err := tr.MarkRead(ctx, room.ID, "alice")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if first.UnreadCount != 0 || !first.LastReadAt.Equal(now) {
		t.Fatalf("unexpected state: %+v", first)
	}

	// A clock that steps backwards must not move the read position back.
	tr.now = func() time.Time { return t0 }
	second, err := tr.MarkRead(ctx, room.ID, "alice")
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if !second.LastReadAt.Equal(now) || second.UnreadCount != 0 {
		t.Fatalf("read position moved backwards: %+v", second)
	}

	sum, err := tr.UnreadSummary(ctx, "alice")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 0 || len(sum.Rooms) != 0 {
		t.Fatalf("expected empty summary, got %+v", sum)
	}
}

func TestTracker_NonMemberForbidden(t *testing.T) {
	ctx := context.Background()
	st := chat.NewInMemoryStore()
	room, err := st.CreateRoom(ctx, chat.CreateRoomInput{Name: "general", CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	tr := NewTracker(st)
	if _, err := tr.UnreadCount(ctx, room.ID, "mallory"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := tr.MarkRead(ctx, room.ID, "mallory"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
