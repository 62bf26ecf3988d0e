package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"huddle/cmd/internal/chat"
	v1 "huddle/shared/contracts/realtime/v1"
)

type pipelineFixture struct {
	store *chat.InMemoryStore
	reg   *Registry
	disp  *Dispatcher
	pipe  *Pipeline
	room  chat.Room
}

func newPipelineFixture(t *testing.T, members ...string) *pipelineFixture {
	t.Helper()
	ctx := context.Background()

	st := chat.NewInMemoryStore()
	room, err := st.CreateRoom(ctx, chat.CreateRoomInput{Name: "general", CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	for _, m := range members {
		if _, err := st.AddParticipant(ctx, chat.AddParticipantInput{RoomID: room.ID, Author: chat.UserAuthor(m)}); err != nil {
			t.Fatalf("add %s: %v", m, err)
		}
	}

	reg := NewRegistry(discardLogger(), nil)
	disp := NewDispatcher(discardLogger(), reg, nil)
	return &pipelineFixture{
		store: st,
		reg:   reg,
		disp:  disp,
		pipe:  NewPipeline(discardLogger(), st, st, disp, nil),
		room:  room,
	}
}

func (f *pipelineFixture) connect(userID string) *Client {
	c := NewClient(f.room.ID, userID, "sess-"+userID, 8)
	f.reg.Register(c)
	return c
}

func drain(t *testing.T, c *Client) []v1.Envelope {
	t.Helper()
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Queue():
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestPipeline_SocketSubmitReachesOnlyOtherIdentities(t *testing.T) {
	f := newPipelineFixture(t, "bob", "carol")

	a1 := f.connect("alice")
	a2 := f.connect("alice")
	b := f.connect("bob")
	c := f.connect("carol")

	res, err := f.pipe.Submit(context.Background(), SubmitInput{
		RoomID:      f.room.ID,
		Author:      chat.UserAuthor("alice"),
		Content:     "hello",
		ClientMsgID: "c1",
		Origin:      a1,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Message.Seq != 1 || res.Duplicate {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Delivery.Delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %+v", res.Delivery)
	}

	if n := len(drain(t, a1)) + len(drain(t, a2)); n != 0 {
		t.Fatalf("author received %d copies", n)
	}
	for _, peer := range []*Client{b, c} {
		got := drain(t, peer)
		if len(got) != 1 || got[0].Type != v1.TypeMessage {
			t.Fatalf("peer %s: expected one message envelope, got %v", peer.UserID, got)
		}
		var md v1.MessageData
		if err := got[0].DecodeData(&md); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if md.ID != res.Message.ID || md.Author.Kind != v1.AuthorUser || md.Author.ID != "alice" {
			t.Fatalf("unexpected payload: %+v", md)
		}
	}
}

func TestPipeline_OffSocketSubmitReachesEveryone(t *testing.T) {
	f := newPipelineFixture(t, "bob")
	a := f.connect("alice")
	b := f.connect("bob")

	if _, err := f.pipe.Submit(context.Background(), SubmitInput{
		RoomID: f.room.ID, Author: chat.UserAuthor("alice"), Content: "from http",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(drain(t, a)) != 1 || len(drain(t, b)) != 1 {
		t.Fatalf("expected both identities to receive an off-socket message")
	}
}

func TestPipeline_DuplicateIsNotRebroadcast(t *testing.T) {
	f := newPipelineFixture(t, "bob")
	b := f.connect("bob")

	in := SubmitInput{RoomID: f.room.ID, Author: chat.UserAuthor("alice"), Content: "once", ClientMsgID: "dup"}
	first, err := f.pipe.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := f.pipe.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.Duplicate || second.Message.ID != first.Message.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Message.ID, second)
	}
	if got := len(drain(t, b)); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestPipeline_ClientMsgIDIsPerAuthor(t *testing.T) {
	f := newPipelineFixture(t, "bob")
	ctx := context.Background()

	bot, err := f.store.CreateBot(ctx, chat.CreateBotInput{Name: "helper", Provider: "openai", Model: "m", SealedSecret: []byte("x")})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if _, err := f.store.AddParticipant(ctx, chat.AddParticipantInput{RoomID: f.room.ID, Author: chat.BotAuthor(bot.ID)}); err != nil {
		t.Fatalf("add bot: %v", err)
	}
	a := f.connect("alice")
	b := f.connect("bob")

	fromAlice, err := f.pipe.Submit(ctx, SubmitInput{RoomID: f.room.ID, Author: chat.UserAuthor("alice"), Content: "alice here", ClientMsgID: "c1"})
	if err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	fromBob, err := f.pipe.Submit(ctx, SubmitInput{RoomID: f.room.ID, Author: chat.UserAuthor("bob"), Content: "bob here", ClientMsgID: "c1"})
	if err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	if fromBob.Duplicate || fromBob.Message.ID == fromAlice.Message.ID || fromBob.Message.Content != "bob here" {
		t.Fatalf("bob got alice's message back: %+v", fromBob)
	}

	// bob guesses the id of the bot's next reply.
	replyID := fmt.Sprintf("bot:%s:%d", bot.ID, fromBob.Message.Seq)
	if _, err := f.pipe.Submit(ctx, SubmitInput{RoomID: f.room.ID, Author: chat.UserAuthor("bob"), Content: "fake answer", ClientMsgID: replyID}); err != nil {
		t.Fatalf("bob squat: %v", err)
	}
	reply, err := f.pipe.Submit(ctx, SubmitInput{RoomID: f.room.ID, Author: chat.BotAuthor(bot.ID), Content: "real answer", ClientMsgID: replyID})
	if err != nil {
		t.Fatalf("bot submit: %v", err)
	}
	if reply.Duplicate || !reply.Message.Author.IsBot() || reply.Message.Content != "real answer" {
		t.Fatalf("bot reply was swallowed: %+v", reply)
	}

	// Off-socket submissions reach every connection, so nothing was folded away.
	for name, c := range map[string]*Client{"alice": a, "bob": b} {
		if got := len(drain(t, c)); got != 4 {
			t.Fatalf("%s deliveries: got %d want 4", name, got)
		}
	}
}

func TestPipeline_Rejections(t *testing.T) {
	f := newPipelineFixture(t)

	cases := []struct {
		name string
		in   SubmitInput
		want error
	}{
		{"empty content", SubmitInput{RoomID: f.room.ID, Author: chat.UserAuthor("alice"), Content: "   "}, ErrValidation},
		{"oversized", SubmitInput{RoomID: f.room.ID, Author: chat.UserAuthor("alice"), Content: strings.Repeat("x", maxMessageChars+1)}, ErrValidation},
		{"no author", SubmitInput{RoomID: f.room.ID, Content: "hi"}, ErrValidation},
		{"both authors", SubmitInput{RoomID: f.room.ID, Author: chat.Author{UserID: "alice", BotID: "b"}, Content: "hi"}, ErrValidation},
		{"not a member", SubmitInput{RoomID: f.room.ID, Author: chat.UserAuthor("mallory"), Content: "hi"}, ErrForbidden},
		{"unknown room", SubmitInput{RoomID: "nope", Author: chat.UserAuthor("alice"), Content: "hi"}, ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.pipe.Submit(context.Background(), tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}

	hist, err := f.store.FetchHistory(context.Background(), chat.FetchHistoryInput{RoomID: f.room.ID})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist.Messages) != 0 {
		t.Fatalf("rejected submissions must not be stored, got %d", len(hist.Messages))
	}
}

type failingAppender struct{ err error }

func (a failingAppender) AppendMessage(context.Context, chat.AppendMessageInput) (chat.AppendMessageResult, error) {
	return chat.AppendMessageResult{}, a.err
}

func TestPipeline_PersistenceFailureSkipsBroadcast(t *testing.T) {
	f := newPipelineFixture(t, "bob")
	b := f.connect("bob")

	p := NewPipeline(discardLogger(), failingAppender{err: errors.New("db down")}, f.store, f.disp, nil)
	_, err := p.Submit(context.Background(), SubmitInput{RoomID: f.room.ID, Author: chat.UserAuthor("alice"), Content: "lost"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if got := len(drain(t, b)); got != 0 {
		t.Fatalf("nothing may be broadcast after a failed write, got %d", got)
	}
	if ErrorCode(err) != "persistence_failed" {
		t.Fatalf("unexpected code %q", ErrorCode(err))
	}
}

func TestPipeline_AnnounceHasNoAuthor(t *testing.T) {
	f := newPipelineFixture(t, "bob")
	a := f.connect("alice")
	b := f.connect("bob")

	res, err := f.pipe.Announce(f.room.ID, "bob left the room")
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if res.Delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %+v", res)
	}

	got := drain(t, a)
	if len(got) != 1 || got[0].Type != v1.TypeSystemMessage {
		t.Fatalf("expected system_message, got %v", got)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(got[0].Data, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw["author_reference"]; ok {
		t.Fatalf("system message must not carry an author")
	}
	drain(t, b)
}

func TestPipeline_BotAuthor(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	bot, err := f.store.CreateBot(ctx, chat.CreateBotInput{Name: "helper", Provider: "openai", Model: "m", SealedSecret: []byte("x")})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if _, err := f.store.AddParticipant(ctx, chat.AddParticipantInput{RoomID: f.room.ID, Author: chat.BotAuthor(bot.ID)}); err != nil {
		t.Fatalf("add bot: %v", err)
	}
	a := f.connect("alice")

	f.pipe.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	res, err := f.pipe.Submit(ctx, SubmitInput{RoomID: f.room.ID, Author: chat.BotAuthor(bot.ID), Content: "beep"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Message.Author.IsBot() {
		t.Fatalf("expected bot author")
	}
	got := drain(t, a)
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	var md v1.MessageData
	if err := got[0].DecodeData(&md); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if md.Author.Kind != v1.AuthorBot || md.Author.ID != bot.ID {
		t.Fatalf("unexpected author: %+v", md.Author)
	}
}
