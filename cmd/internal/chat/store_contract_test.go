package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// storeContract runs the behavior every Store implementation must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create room makes creator admin", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		room := mustCreateRoom(t, st, "alice")
		if !room.Active {
			t.Fatalf("new room must be active")
		}
		p, err := st.GetParticipant(ctx, room.ID, UserAuthor("alice"))
		if err != nil {
			t.Fatalf("GetParticipant: %v", err)
		}
		if !p.IsAdmin {
			t.Fatalf("creator must be admin")
		}
		ok, err := st.IsParticipant(ctx, room.ID, UserAuthor("alice"))
		if err != nil || !ok {
			t.Fatalf("IsParticipant: ok=%v err=%v", ok, err)
		}
	})

	t.Run("duplicate participant conflicts", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		room := mustCreateRoom(t, st, "alice")
		_, err := st.AddParticipant(ctx, AddParticipantInput{RoomID: room.ID, Author: UserAuthor("alice")})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if _, err := st.AddParticipant(ctx, AddParticipantInput{RoomID: room.ID, Author: UserAuthor("bob")}); err != nil {
			t.Fatalf("AddParticipant bob: %v", err)
		}
		_, err = st.AddParticipant(ctx, AddParticipantInput{RoomID: room.ID, Author: UserAuthor("bob")})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict for bob, got %v", err)
		}
	})

	t.Run("author xor enforced", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		room := mustCreateRoom(t, st, "alice")

		_, err := st.AppendMessage(ctx, AppendMessageInput{
			RoomID:  room.ID,
			Author:  Author{UserID: "alice", BotID: "bot-1"},
			Content: "hi",
		})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for both authors, got %v", err)
		}
		_, err = st.AppendMessage(ctx, AppendMessageInput{RoomID: room.ID, Content: "hi"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for no author, got %v", err)
		}
	})

	t.Run("append dedupe keeps seq", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		room := mustCreateRoom(t, st, "alice")

		first, err := st.AppendMessage(ctx, AppendMessageInput{
			RoomID: room.ID, Author: UserAuthor("alice"), ClientMsgID: "c-1", Content: "hello",
		})
		if err != nil {
			t.Fatalf("append first: %v", err)
		}
		if first.Duplicated || first.Message.Seq != 1 {
			t.Fatalf("append first: unexpected %+v", first)
		}
		second, err := st.AppendMessage(ctx, AppendMessageInput{
			RoomID: room.ID, Author: UserAuthor("alice"), ClientMsgID: "c-1", Content: "hello",
		})
		if err != nil {
			t.Fatalf("append duplicate: %v", err)
		}
		if !second.Duplicated || second.Message.ID != first.Message.ID {
			t.Fatalf("append duplicate: expected same message, got %+v", second)
		}
		third, err := st.AppendMessage(ctx, AppendMessageInput{
			RoomID: room.ID, Author: UserAuthor("alice"), ClientMsgID: "c-2", Content: "again",
		})
		if err != nil {
			t.Fatalf("append third: %v", err)
		}
		if third.Message.Seq != 2 {
			t.Fatalf("expected seq=2 after duplicate, got %d", third.Message.Seq)
		}
	})

	t.Run("client msg ids are scoped to the author", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		room := mustCreateRoom(t, st, "alice")
		mustAddUser(t, st, room.ID, "bob")
		bot := mustCreateBot(t, st)
		if _, err := st.AddParticipant(ctx, AddParticipantInput{RoomID: room.ID, Author: BotAuthor(bot.ID)}); err != nil {
			t.Fatalf("add bot: %v", err)
		}

		fromAlice, err := st.AppendMessage(ctx, AppendMessageInput{
			RoomID: room.ID, Author: UserAuthor("alice"), ClientMsgID: "c-1", Content: "from alice",
		})
		if err != nil {
			t.Fatalf("append alice: %v", err)
		}
		fromBob, err := st.AppendMessage(ctx, AppendMessageInput{
			RoomID: room.ID, Author: UserAuthor("bob"), ClientMsgID: "c-1", Content: "from bob",
		})
		if err != nil {
			t.Fatalf("append bob: %v", err)
		}
		if fromBob.Duplicated || fromBob.Message.ID == fromAlice.Message.ID {
			t.Fatalf("bob's message was folded into alice's: %+v", fromBob)
		}
		if fromBob.Message.Seq != 2 || fromBob.Message.Author != UserAuthor("bob") || fromBob.Message.Content != "from bob" {
			t.Fatalf("unexpected bob message: %+v", fromBob.Message)
		}

		// A member cannot claim an id the bot will use later.
		squat := "bot:" + bot.ID + ":2"
		if _, err := st.AppendMessage(ctx, AppendMessageInput{
			RoomID: room.ID, Author: UserAuthor("bob"), ClientMsgID: squat, Content: "fake reply",
		}); err != nil {
			t.Fatalf("append squat: %v", err)
		}
		reply, err := st.AppendMessage(ctx, AppendMessageInput{
			RoomID: room.ID, Author: BotAuthor(bot.ID), ClientMsgID: squat, Content: "real reply",
		})
		if err != nil {
			t.Fatalf("append bot: %v", err)
		}
		if reply.Duplicated || !reply.Message.Author.IsBot() || reply.Message.Content != "real reply" {
			t.Fatalf("bot reply was shadowed: %+v", reply)
		}

		again, err := st.AppendMessage(ctx, AppendMessageInput{
			RoomID: room.ID, Author: UserAuthor("bob"), ClientMsgID: "c-1", Content: "from bob",
		})
		if err != nil {
			t.Fatalf("retry bob: %v", err)
		}
		if !again.Duplicated || again.Message.ID != fromBob.Message.ID {
			t.Fatalf("expected bob's retry to dedupe to his own message, got %+v", again)
		}
	})

	t.Run("created_at follows seq", func(t *testing.T) {
		st := newStore(t)
		room := mustCreateRoom(t, st, "alice")

		base := time.Now().UTC().Truncate(time.Millisecond)
		first := mustAppend(t, st, room.ID, UserAuthor("alice"), base)
		// A writer that read the clock earlier but got the lock later.
		late := mustAppend(t, st, room.ID, UserAuthor("alice"), base.Add(-time.Second))
		if late.Seq <= first.Seq {
			t.Fatalf("seq not increasing: %d then %d", first.Seq, late.Seq)
		}
		if late.CreatedAt.Before(first.CreatedAt) {
			t.Fatalf("created_at went backwards: seq %d at %v, seq %d at %v", first.Seq, first.CreatedAt, late.Seq, late.CreatedAt)
		}
	})

	t.Run("append to inactive room is not found", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		room := mustCreateRoom(t, st, "alice")

		if err := st.DeactivateRoom(ctx, room.ID, "bob"); !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected ErrForbidden for non-creator, got %v", err)
		}
		if err := st.DeactivateRoom(ctx, room.ID, "alice"); err != nil {
			t.Fatalf("DeactivateRoom: %v", err)
		}
		_, err := st.AppendMessage(ctx, AppendMessageInput{RoomID: room.ID, Author: UserAuthor("alice"), Content: "x"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		ok, err := st.IsParticipant(ctx, room.ID, UserAuthor("alice"))
		if err != nil || ok {
			t.Fatalf("inactive room must not report membership: ok=%v err=%v", ok, err)
		}
		rooms, err := st.ListRoomsForUser(ctx, "alice")
		if err != nil {
			t.Fatalf("ListRoomsForUser: %v", err)
		}
		if len(rooms) != 0 {
			t.Fatalf("inactive room must be hidden, got %d rooms", len(rooms))
		}
	})

	t.Run("history paging", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		room := mustCreateRoom(t, st, "alice")

		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 5; i++ {
			if _, err := st.AppendMessage(ctx, AppendMessageInput{
				RoomID: room.ID, Author: UserAuthor("alice"),
				Content: fmt.Sprintf("m%d", i), Now: base.Add(time.Duration(i) * time.Millisecond),
			}); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		page, err := st.FetchHistory(ctx, FetchHistoryInput{RoomID: room.ID, Limit: 2})
		if err != nil {
			t.Fatalf("FetchHistory: %v", err)
		}
		if len(page.Messages) != 2 || !page.HasMore || page.Messages[0].Seq != 1 {
			t.Fatalf("unexpected first page: %+v", page)
		}
		after := page.Messages[1].Seq
		page, err = st.FetchHistory(ctx, FetchHistoryInput{RoomID: room.ID, AfterSeq: &after, Limit: 10})
		if err != nil {
			t.Fatalf("FetchHistory: %v", err)
		}
		if len(page.Messages) != 3 || page.HasMore || page.Messages[0].Seq != 3 {
			t.Fatalf("unexpected second page: %+v", page)
		}
		for i := 1; i < len(page.Messages); i++ {
			if page.Messages[i].CreatedAt.Before(page.Messages[i-1].CreatedAt) {
				t.Fatalf("history must be ordered by created_at")
			}
		}
	})

	t.Run("unread excludes own and bot messages", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		room := mustCreateRoom(t, st, "alice")
		mustAddUser(t, st, room.ID, "bob")
		bot := mustCreateBot(t, st)
		if _, err := st.AddParticipant(ctx, AddParticipantInput{RoomID: room.ID, Author: BotAuthor(bot.ID)}); err != nil {
			t.Fatalf("add bot: %v", err)
		}

		p, err := st.GetParticipant(ctx, room.ID, UserAuthor("alice"))
		if err != nil {
			t.Fatalf("GetParticipant: %v", err)
		}
		at := p.LastReadAt.Add(time.Second)
		mustAppend(t, st, room.ID, UserAuthor("bob"), at)
		mustAppend(t, st, room.ID, UserAuthor("bob"), at.Add(time.Millisecond))
		mustAppend(t, st, room.ID, UserAuthor("alice"), at.Add(2*time.Millisecond))
		mustAppend(t, st, room.ID, BotAuthor(bot.ID), at.Add(3*time.Millisecond))

		n, err := st.CountUnread(ctx, room.ID, "alice", p.LastReadAt)
		if err != nil {
			t.Fatalf("CountUnread: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 unread, got %d", n)
		}
	})

	t.Run("mark read is monotonic", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		room := mustCreateRoom(t, st, "alice")

		later := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
		got, err := st.MarkRead(ctx, room.ID, "alice", later)
		if err != nil {
			t.Fatalf("MarkRead: %v", err)
		}
		if !got.Equal(later) {
			t.Fatalf("MarkRead: got %v want %v", got, later)
		}
		got, err = st.MarkRead(ctx, room.ID, "alice", later.Add(-time.Minute))
		if err != nil {
			t.Fatalf("MarkRead earlier: %v", err)
		}
		if !got.Equal(later) {
			t.Fatalf("last_read_at moved backward: %v", got)
		}
		if _, err := st.MarkRead(ctx, room.ID, "nobody", later); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for non-participant, got %v", err)
		}
	})

	t.Run("bot rooms and cursors", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		room := mustCreateRoom(t, st, "alice")
		_ = mustCreateRoom(t, st, "alice")
		bot := mustCreateBot(t, st)
		if _, err := st.AddParticipant(ctx, AddParticipantInput{RoomID: room.ID, Author: BotAuthor(bot.ID)}); err != nil {
			t.Fatalf("add bot: %v", err)
		}

		brs, err := st.ListBotRooms(ctx)
		if err != nil {
			t.Fatalf("ListBotRooms: %v", err)
		}
		if len(brs) != 1 || brs[0].RoomID != room.ID || len(brs[0].BotIDs) != 1 || brs[0].BotIDs[0] != bot.ID {
			t.Fatalf("unexpected bot rooms: %+v", brs)
		}

		cur, err := st.BotCursor(ctx, room.ID, bot.ID)
		if err != nil || cur != 0 {
			t.Fatalf("BotCursor initial: cur=%d err=%v", cur, err)
		}
		if err := st.AdvanceBotCursor(ctx, room.ID, bot.ID, 7); err != nil {
			t.Fatalf("AdvanceBotCursor: %v", err)
		}
		if err := st.AdvanceBotCursor(ctx, room.ID, bot.ID, 3); err != nil {
			t.Fatalf("AdvanceBotCursor backward: %v", err)
		}
		cur, err = st.BotCursor(ctx, room.ID, bot.ID)
		if err != nil || cur != 7 {
			t.Fatalf("BotCursor: cur=%d err=%v want 7", cur, err)
		}

		base := time.Now().UTC()
		mustAppend(t, st, room.ID, UserAuthor("alice"), base.Add(-10*time.Minute))
		mustAppend(t, st, room.ID, UserAuthor("alice"), base)
		mustAppend(t, st, room.ID, BotAuthor(bot.ID), base)

		msgs, err := st.ListHumanMessagesAfter(ctx, HumanMessagesInput{
			RoomID: room.ID, AfterSeq: 0, Since: base.Add(-5 * time.Minute),
		})
		if err != nil {
			t.Fatalf("ListHumanMessagesAfter: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Seq != 2 {
			t.Fatalf("expected only the recent human message, got %+v", msgs)
		}
	})

	t.Run("concurrent appends are gapless", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		room := mustCreateRoom(t, st, "alice")

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := st.AppendMessage(ctx, AppendMessageInput{
					RoomID: room.ID, Author: UserAuthor("alice"),
					ClientMsgID: fmt.Sprintf("c-%d", i), Content: "x",
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("append: %v", err)
			}
		}

		page, err := st.FetchHistory(ctx, FetchHistoryInput{RoomID: room.ID, Limit: MaxHistoryLimit})
		if err != nil {
			t.Fatalf("FetchHistory: %v", err)
		}
		if len(page.Messages) != n {
			t.Fatalf("expected %d messages, got %d", n, len(page.Messages))
		}
		for i, m := range page.Messages {
			if m.Seq != int64(i+1) {
				t.Fatalf("seq gap at %d: got %d", i, m.Seq)
			}
		}
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustCreateRoom(t *testing.T, st Store, creator string) Room {
	t.Helper()
	room, err := st.CreateRoom(testCtx(t), CreateRoomInput{Name: "general", CreatedBy: creator})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return room
}

func mustAddUser(t *testing.T, st Store, roomID, userID string) {
	t.Helper()
	if _, err := st.AddParticipant(testCtx(t), AddParticipantInput{RoomID: roomID, Author: UserAuthor(userID)}); err != nil {
		t.Fatalf("AddParticipant %s: %v", userID, err)
	}
}

func mustCreateBot(t *testing.T, st Store) Bot {
	t.Helper()
	b, err := st.CreateBot(testCtx(t), CreateBotInput{
		Name: "helper", Provider: "openai", Model: "gpt-4o-mini", SealedSecret: []byte("sealed"),
	})
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	return b
}

func mustAppend(t *testing.T, st Store, roomID string, a Author, at time.Time) Message {
	t.Helper()
	res, err := st.AppendMessage(testCtx(t), AppendMessageInput{RoomID: roomID, Author: a, Content: "msg", Now: at})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return res.Message
}
