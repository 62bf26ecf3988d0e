package bots

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/realtime"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type schedFixture struct {
	store *chat.InMemoryStore
	room  chat.Room
	bot   chat.Bot
	pipe  *realtime.Pipeline
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	ctx := context.Background()

	st := chat.NewInMemoryStore()
	room, err := st.CreateRoom(ctx, chat.CreateRoomInput{Name: "general", CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := st.AddParticipant(ctx, chat.AddParticipantInput{RoomID: room.ID, Author: chat.UserAuthor("bob")}); err != nil {
		t.Fatalf("add bob: %v", err)
	}
	bot, err := st.CreateBot(ctx, chat.CreateBotInput{Name: "helper", Provider: "echo", Model: "m", SealedSecret: []byte("sealed")})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if _, err := st.AddParticipant(ctx, chat.AddParticipantInput{RoomID: room.ID, Author: chat.BotAuthor(bot.ID)}); err != nil {
		t.Fatalf("add bot: %v", err)
	}

	reg := realtime.NewRegistry(discardLogger(), nil)
	disp := realtime.NewDispatcher(discardLogger(), reg, nil)
	return &schedFixture{
		store: st,
		room:  room,
		bot:   bot,
		pipe:  realtime.NewPipeline(discardLogger(), st, st, disp, nil),
	}
}

func (f *schedFixture) say(t *testing.T, userID, content string, at time.Time) chat.Message {
	t.Helper()
	res, err := f.store.AppendMessage(context.Background(), chat.AppendMessageInput{
		RoomID: f.room.ID, Author: chat.UserAuthor(userID), Content: content, Now: at,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return res.Message
}

func (f *schedFixture) scheduler(r Responder, store Store) *Scheduler {
	if store == nil {
		store = f.store
	}
	cfg := DefaultConfig()
	return NewScheduler(discardLogger(), cfg, Deps{Store: store, Responder: r, Publisher: f.pipe})
}

func (f *schedFixture) botRoom() chat.BotRoom {
	return chat.BotRoom{RoomID: f.room.ID, BotIDs: []string{f.bot.ID}}
}

func (f *schedFixture) cursor(t *testing.T) int64 {
	t.Helper()
	c, err := f.store.BotCursor(context.Background(), f.room.ID, f.bot.ID)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	return c
}

func (f *schedFixture) botMessages(t *testing.T) []chat.Message {
	t.Helper()
	h, err := f.store.FetchHistory(context.Background(), chat.FetchHistoryInput{RoomID: f.room.ID, Limit: 100})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var out []chat.Message
	for _, m := range h.Messages {
		if m.Author.IsBot() {
			out = append(out, m)
		}
	}
	return out
}

type recordingResponder struct {
	mu    sync.Mutex
	calls []Request
	reply string
	err   error
}

func (r *recordingResponder) Respond(_ context.Context, req Request) (Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.err != nil {
		return Reply{}, r.err
	}
	return Reply{Content: r.reply}, nil
}

func (r *recordingResponder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestTick_PublishesReplyAndAdvancesCursor(t *testing.T) {
	f := newSchedFixture(t)
	now := time.Now().UTC()
	f.say(t, "alice", "hello", now.Add(-time.Minute))
	last := f.say(t, "bob", "anyone here?", now.Add(-30*time.Second))

	resp := &recordingResponder{reply: "hi both"}
	s := f.scheduler(resp, nil)

	got := s.Tick(context.Background(), f.botRoom())
	if got[f.bot.ID] != OutcomePublished {
		t.Fatalf("outcome=%q want %q", got[f.bot.ID], OutcomePublished)
	}
	if resp.count() != 1 || len(resp.calls[0].Messages) != 2 {
		t.Fatalf("responder calls=%+v", resp.calls)
	}
	if resp.calls[0].Bot.ID != f.bot.ID || resp.calls[0].RoomID != f.room.ID {
		t.Fatalf("request=%+v", resp.calls[0])
	}
	if c := f.cursor(t); c != last.Seq {
		t.Fatalf("cursor=%d want %d", c, last.Seq)
	}

	msgs := f.botMessages(t)
	if len(msgs) != 1 || msgs[0].Content != "hi both" || msgs[0].Author.BotID != f.bot.ID {
		t.Fatalf("bot messages=%+v", msgs)
	}

	// Its own reply is not human input.
	got = s.Tick(context.Background(), f.botRoom())
	if got[f.bot.ID] != OutcomeSkipped {
		t.Fatalf("second outcome=%q want %q", got[f.bot.ID], OutcomeSkipped)
	}
	if resp.count() != 1 {
		t.Fatalf("responder called again")
	}
}

func TestTick_ProviderFailureKeepsCursor(t *testing.T) {
	f := newSchedFixture(t)
	m := f.say(t, "alice", "question", time.Now().UTC())

	resp := &recordingResponder{err: errors.New("provider down")}
	s := f.scheduler(resp, nil)

	if got := s.Tick(context.Background(), f.botRoom()); got[f.bot.ID] != OutcomeProviderError {
		t.Fatalf("outcome=%q", got[f.bot.ID])
	}
	if c := f.cursor(t); c != 0 {
		t.Fatalf("cursor moved to %d after failure", c)
	}
	if len(f.botMessages(t)) != 0 {
		t.Fatalf("reply published after failure")
	}

	resp.err = nil
	resp.reply = "answer"
	if got := s.Tick(context.Background(), f.botRoom()); got[f.bot.ID] != OutcomePublished {
		t.Fatalf("retry outcome=%q", got[f.bot.ID])
	}
	if c := f.cursor(t); c != m.Seq {
		t.Fatalf("cursor=%d want %d", c, m.Seq)
	}
	if len(resp.calls[1].Messages) != 1 {
		t.Fatalf("retry saw %d messages", len(resp.calls[1].Messages))
	}
}

type flakyCursorStore struct {
	*chat.InMemoryStore
	fail atomic.Int32
}

func (s *flakyCursorStore) AdvanceBotCursor(ctx context.Context, roomID, botID string, seq int64) error {
	if s.fail.Add(-1) >= 0 {
		return errors.New("write lost")
	}
	return s.InMemoryStore.AdvanceBotCursor(ctx, roomID, botID, seq)
}

func TestTick_LostCursorWriteDoesNotDuplicateReply(t *testing.T) {
	f := newSchedFixture(t)
	f.say(t, "alice", "ping", time.Now().UTC())

	flaky := &flakyCursorStore{InMemoryStore: f.store}
	flaky.fail.Store(1)
	resp := &recordingResponder{reply: "pong"}
	s := f.scheduler(resp, flaky)

	if got := s.Tick(context.Background(), f.botRoom()); got[f.bot.ID] != OutcomeStoreError {
		t.Fatalf("outcome=%q", got[f.bot.ID])
	}
	if got := s.Tick(context.Background(), f.botRoom()); got[f.bot.ID] != OutcomeDuplicate {
		t.Fatalf("retry outcome=%q", got[f.bot.ID])
	}
	if n := len(f.botMessages(t)); n != 1 {
		t.Fatalf("bot messages=%d want 1", n)
	}
	if got := s.Tick(context.Background(), f.botRoom()); got[f.bot.ID] != OutcomeSkipped {
		t.Fatalf("third outcome=%q", got[f.bot.ID])
	}
}

func TestTick_WindowExcludesOldMessages(t *testing.T) {
	f := newSchedFixture(t)
	f.say(t, "alice", "ancient", time.Now().UTC().Add(-time.Hour))

	resp := &recordingResponder{reply: "late"}
	s := f.scheduler(resp, nil)

	if got := s.Tick(context.Background(), f.botRoom()); got[f.bot.ID] != OutcomeSkipped {
		t.Fatalf("outcome=%q", got[f.bot.ID])
	}
	if resp.count() != 0 {
		t.Fatalf("responder called for messages outside the window")
	}
}

func TestTick_EmptyReplyAdvancesWithoutPublishing(t *testing.T) {
	f := newSchedFixture(t)
	m := f.say(t, "alice", "thanks", time.Now().UTC())

	s := f.scheduler(&recordingResponder{reply: "   "}, nil)
	if got := s.Tick(context.Background(), f.botRoom()); got[f.bot.ID] != OutcomeEmptyReply {
		t.Fatalf("outcome=%q", got[f.bot.ID])
	}
	if c := f.cursor(t); c != m.Seq {
		t.Fatalf("cursor=%d want %d", c, m.Seq)
	}
	if len(f.botMessages(t)) != 0 {
		t.Fatalf("empty reply was published")
	}
}

func TestTick_LongReplyIsTruncated(t *testing.T) {
	f := newSchedFixture(t)
	f.say(t, "alice", "write an essay", time.Now().UTC())

	s := f.scheduler(&recordingResponder{reply: strings.Repeat("é", chat.MaxContentChars+50)}, nil)
	if got := s.Tick(context.Background(), f.botRoom()); got[f.bot.ID] != OutcomePublished {
		t.Fatalf("outcome=%q", got[f.bot.ID])
	}
	msgs := f.botMessages(t)
	if len(msgs) != 1 || len([]rune(msgs[0].Content)) != chat.MaxContentChars {
		t.Fatalf("unexpected reply length")
	}
}

func TestTick_InactiveBotAndHeldLease(t *testing.T) {
	f := newSchedFixture(t)
	f.say(t, "alice", "hi", time.Now().UTC())
	resp := &recordingResponder{reply: "x"}

	locker := NewLocalLocker()
	s := NewScheduler(discardLogger(), DefaultConfig(), Deps{Store: f.store, Responder: resp, Publisher: f.pipe, Locker: locker})

	lease, ok, err := locker.TryLock(context.Background(), "room:"+f.room.ID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	if got := s.Tick(context.Background(), f.botRoom()); got[f.bot.ID] != OutcomeLocked {
		t.Fatalf("outcome=%q want locked", got[f.bot.ID])
	}
	_ = lease.Release(context.Background())

	f.store.SetBotActive(f.bot.ID, false)
	if got := s.Tick(context.Background(), f.botRoom()); got[f.bot.ID] != OutcomeInactive {
		t.Fatalf("outcome=%q want inactive", got[f.bot.ID])
	}
	if resp.count() != 0 {
		t.Fatalf("responder called")
	}
}

func TestTick_BotRemovedFromRoomCannotPublish(t *testing.T) {
	f := newSchedFixture(t)
	f.say(t, "alice", "hi", time.Now().UTC())
	if err := f.store.RemoveParticipant(context.Background(), f.room.ID, chat.BotAuthor(f.bot.ID)); err != nil {
		t.Fatalf("remove: %v", err)
	}

	s := f.scheduler(&recordingResponder{reply: "still here"}, nil)
	if got := s.Tick(context.Background(), f.botRoom()); got[f.bot.ID] != OutcomePublishError {
		t.Fatalf("outcome=%q", got[f.bot.ID])
	}
	if c := f.cursor(t); c != 0 {
		t.Fatalf("cursor=%d", c)
	}
}

func TestScheduler_RunDiscoversRoomsAndStops(t *testing.T) {
	f := newSchedFixture(t)
	f.say(t, "alice", "hello bot", time.Now().UTC())

	called := make(chan struct{}, 1)
	resp := ResponderFunc(func(context.Context, Request) (Reply, error) {
		select {
		case called <- struct{}{}:
		default:
		}
		return Reply{Content: "hello human"}, nil
	})

	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.DiscoverInterval = 20 * time.Millisecond
	s := NewScheduler(discardLogger(), cfg, Deps{Store: f.store, Responder: resp, Publisher: f.pipe})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatalf("scheduler never ticked the room")
	}
	if rooms := s.Rooms(); len(rooms) != 1 || rooms[0] != f.room.ID {
		t.Fatalf("rooms=%v", rooms)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
	if rooms := s.Rooms(); len(rooms) != 0 {
		t.Fatalf("rooms after stop=%v", rooms)
	}
}

func TestScheduler_DiscoverDropsRoomsWithoutBots(t *testing.T) {
	f := newSchedFixture(t)
	s := f.scheduler(&recordingResponder{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.discover(ctx)
	if len(s.Rooms()) != 1 {
		t.Fatalf("rooms=%v", s.Rooms())
	}

	f.store.SetBotActive(f.bot.ID, false)
	s.discover(ctx)
	if len(s.Rooms()) != 0 {
		t.Fatalf("rooms after deactivation=%v", s.Rooms())
	}
	s.stopAll()
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo", 2); got != "hé" {
		t.Fatalf("got %q", got)
	}
	if got := truncateRunes("ok", 5); got != "ok" {
		t.Fatalf("got %q", got)
	}
}
