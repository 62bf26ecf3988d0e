// Package bots runs the periodic bot scheduler: every room with active bots is
// ticked on its own timer and each bot may answer the human messages it has not seen yet.
package bots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/realtime"
	"huddle/cmd/internal/telemetry"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	ListBotRooms(ctx context.Context) ([]chat.BotRoom, error)
	GetBot(ctx context.Context, botID string) (chat.Bot, error)
	BotCursor(ctx context.Context, roomID, botID string) (int64, error)
	AdvanceBotCursor(ctx context.Context, roomID, botID string, seq int64) error
	ListHumanMessagesAfter(ctx context.Context, in chat.HumanMessagesInput) ([]chat.Message, error)
}

// Publisher submits bot replies through the message pipeline.
type Publisher interface {
	Submit(ctx context.Context, in realtime.SubmitInput) (realtime.SubmitResult, error)
}

// Cycle outcomes, also used as metric labels.
const (
	OutcomePublished     = "published"
	OutcomeDuplicate     = "duplicate"
	OutcomeSkipped       = "skipped"
	OutcomeEmptyReply    = "empty_reply"
	OutcomeInactive      = "inactive"
	OutcomeLocked        = "locked"
	OutcomeProviderError = "provider_error"
	OutcomePublishError  = "publish_error"
	OutcomeStoreError    = "store_error"
)

// Deps groups scheduler collaborators. Locker and Metrics may be nil.
type Deps struct {
	Store     Store
	Responder Responder
	Publisher Publisher
	Locker    Locker
	Metrics   *telemetry.Metrics
}

// Scheduler owns one ticking goroutine per room with active bots.
// A failure in one room or one bot never stops the others.
type Scheduler struct {
	log  *slog.Logger
	cfg  Config
	deps Deps

	now func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomLoop
	wg    sync.WaitGroup
}

type roomLoop struct {
	cancel context.CancelFunc
	botIDs []string
}

func NewScheduler(log *slog.Logger, cfg Config, deps Deps) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	return &Scheduler{
		log:   log,
		cfg:   cfg,
		deps:  deps,
		now:   func() time.Time { return time.Now().UTC() },
		rooms: make(map[string]*roomLoop),
	}
}

// Run discovers rooms until ctx is done, then waits for every room loop to stop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("bots.scheduler.start", "interval", s.cfg.Interval, "window", s.cfg.Window)

	s.discover(ctx)
	t := time.NewTicker(s.cfg.DiscoverInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.log.Info("bots.scheduler.stop")
			return nil
		case <-t.C:
			s.discover(ctx)
		}
	}
}

// Rooms returns the ids of rooms with a running loop.
func (s *Scheduler) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

func (s *Scheduler) discover(ctx context.Context) {
	listed, err := s.deps.Store.ListBotRooms(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("bots.discover.fail", "err", err)
		}
		return
	}

	want := make(map[string][]string, len(listed))
	for _, br := range listed {
		want[br.RoomID] = br.BotIDs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for roomID, loop := range s.rooms {
		if _, ok := want[roomID]; !ok {
			loop.cancel()
			delete(s.rooms, roomID)
			s.log.Info("bots.room.stop", "room_id", roomID)
		}
	}
	for roomID, botIDs := range want {
		if loop, ok := s.rooms[roomID]; ok {
			loop.botIDs = botIDs
			continue
		}
		roomCtx, cancel := context.WithCancel(ctx)
		s.rooms[roomID] = &roomLoop{cancel: cancel, botIDs: botIDs}
		s.wg.Add(1)
		go s.runRoom(roomCtx, roomID)
		s.log.Info("bots.room.start", "room_id", roomID, "bots", len(botIDs))
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	for roomID, loop := range s.rooms {
		loop.cancel()
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) botsFor(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	loop, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]string(nil), loop.botIDs...)
}

func (s *Scheduler) runRoom(ctx context.Context, roomID string) {
	defer s.wg.Done()

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx, chat.BotRoom{RoomID: roomID, BotIDs: s.botsFor(roomID)})
		}
	}
}

// Tick runs one cycle for every bot in the room under the room lease.
// It returns the outcome per bot id.
func (s *Scheduler) Tick(ctx context.Context, room chat.BotRoom) map[string]string {
	out := make(map[string]string, len(room.BotIDs))
	if len(room.BotIDs) == 0 {
		return out
	}

	lease, ok, err := s.deps.Locker.TryLock(ctx, "room:"+room.RoomID, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("bots.lock.fail", "err", err, "room_id", room.RoomID)
		for _, id := range room.BotIDs {
			out[id] = OutcomeStoreError
			s.deps.Metrics.BotCycle(OutcomeStoreError)
		}
		return out
	}
	if !ok {
		for _, id := range room.BotIDs {
			out[id] = OutcomeLocked
			s.deps.Metrics.BotCycle(OutcomeLocked)
		}
		return out
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := lease.Release(relCtx); err != nil {
			s.log.Warn("bots.unlock.fail", "err", err, "room_id", room.RoomID)
		}
	}()

	for _, botID := range room.BotIDs {
		if ctx.Err() != nil {
			break
		}
		outcome := s.cycle(ctx, room.RoomID, botID)
		out[botID] = outcome
		s.deps.Metrics.BotCycle(outcome)
	}
	return out
}

// cycle answers the unseen human messages of the trailing window.
// The cursor only advances after the reply is persisted, so a failed provider
// call is retried on the next tick. The reply's client_msg_id is derived from
// the last answered seq, which makes a retry after a lost cursor write a duplicate.
func (s *Scheduler) cycle(ctx context.Context, roomID, botID string) string {
	log := s.log.With("room_id", roomID, "bot_id", botID)

	bot, err := s.deps.Store.GetBot(ctx, botID)
	if err != nil {
		log.Warn("bots.cycle.bot.fail", "err", err)
		return OutcomeStoreError
	}
	if !bot.Active {
		return OutcomeInactive
	}

	cursor, err := s.deps.Store.BotCursor(ctx, roomID, botID)
	if err != nil {
		log.Warn("bots.cycle.cursor.fail", "err", err)
		return OutcomeStoreError
	}

	msgs, err := s.deps.Store.ListHumanMessagesAfter(ctx, chat.HumanMessagesInput{
		RoomID:   roomID,
		AfterSeq: cursor,
		Since:    s.now().Add(-s.cfg.Window),
		Limit:    s.cfg.MaxMessages,
	})
	if err != nil {
		log.Warn("bots.cycle.messages.fail", "err", err)
		return OutcomeStoreError
	}
	if len(msgs) == 0 {
		return OutcomeSkipped
	}
	lastSeq := msgs[len(msgs)-1].Seq

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	started := time.Now()
	reply, err := s.deps.Responder.Respond(callCtx, Request{Bot: bot, RoomID: roomID, Messages: msgs})
	cancel()
	if err != nil {
		s.deps.Metrics.ObserveProvider(bot.Provider, "error", time.Since(started))
		if ctx.Err() == nil {
			log.Warn("bots.provider.fail", "err", err, "provider", bot.Provider, "pending", len(msgs))
		}
		return OutcomeProviderError
	}
	s.deps.Metrics.ObserveProvider(bot.Provider, "ok", time.Since(started))

	content := truncateRunes(strings.TrimSpace(reply.Content), chat.MaxContentChars)
	if content == "" {
		if err := s.deps.Store.AdvanceBotCursor(ctx, roomID, botID, lastSeq); err != nil {
			log.Warn("bots.cycle.advance.fail", "err", err)
			return OutcomeStoreError
		}
		return OutcomeEmptyReply
	}

	res, err := s.deps.Publisher.Submit(ctx, realtime.SubmitInput{
		RoomID:      roomID,
		Author:      chat.BotAuthor(botID),
		Content:     content,
		ClientMsgID: fmt.Sprintf("bot:%s:%d", botID, lastSeq),
	})
	if err != nil {
		if errors.Is(err, realtime.ErrForbidden) {
			log.Info("bots.publish.forbidden", "err", err)
		} else {
			log.Warn("bots.publish.fail", "err", err)
		}
		return OutcomePublishError
	}

	if err := s.deps.Store.AdvanceBotCursor(ctx, roomID, botID, lastSeq); err != nil {
		log.Warn("bots.cycle.advance.fail", "err", err)
		return OutcomeStoreError
	}

	if res.Duplicate {
		return OutcomeDuplicate
	}
	log.Info("bots.reply", "message_id", res.Message.ID, "answered", len(msgs), "delivered", res.Delivery.Delivered)
	return OutcomePublished
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
