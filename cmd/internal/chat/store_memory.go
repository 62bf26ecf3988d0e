package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"huddle/cmd/internal/ids"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It implements the full Store contract with the same semantics as PostgresStore.
type InMemoryStore struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	members map[string]map[Author]*Participant
	msgs    map[string]*memRoom
	bots    map[string]*Bot
	cursors map[memCursorKey]int64

	// maxMessages bounds retained history per room.
	maxMessages int
}

type memRoom struct {
	seq    int64
	dedupe map[memDedupeKey]Message
	msgs   []Message // ordered by seq
}

// Client message ids are only unique per author.
type memDedupeKey struct {
	author      Author
	clientMsgID string
}

type memCursorKey struct {
	roomID string
	botID  string
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms:   make(map[string]*Room),
		members: make(map[string]map[Author]*Participant),
		msgs:    make(map[string]*memRoom),
		bots:    make(map[string]*Bot),
		cursors: make(map[memCursorKey]int64),

		maxMessages: memMaxMessagesPerRoom,
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// ---- rooms ----

func (s *InMemoryStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if err := in.Validate(); err != nil {
		return Room{}, err
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Room{}, err
	}

	room := Room{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		Private:     in.Private,
		Active:      true,
		CreatedAt:   in.Now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[id] = &room
	s.members[id] = map[Author]*Participant{
		UserAuthor(in.CreatedBy): {
			RoomID:     id,
			Author:     UserAuthor(in.CreatedBy),
			IsAdmin:    true,
			LastReadAt: in.Now,
			JoinedAt:   in.Now,
		},
	}
	return cloneRoom(room), nil
}

func (s *InMemoryStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, notFound("chat.GetRoom", "room")
	}
	return cloneRoom(*r), nil
}

func (s *InMemoryStore) ListRoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := UserAuthor(strings.TrimSpace(userID))

	s.mu.Lock()
	out := make([]Room, 0, 8)
	for id, members := range s.members {
		if _, ok := members[key]; !ok {
			continue
		}
		r := s.rooms[id]
		if r == nil || !r.Active {
			continue
		}
		out = append(out, cloneRoom(*r))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) DeactivateRoom(ctx context.Context, roomID, actorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return notFound("chat.DeactivateRoom", "room")
	}
	if r.CreatedBy != actorID {
		return OpError{Op: "chat.DeactivateRoom", Kind: ErrForbidden, Msg: "only the room creator may close it"}
	}
	r.Active = false
	return nil
}

// ---- participants ----

func (s *InMemoryStore) AddParticipant(ctx context.Context, in AddParticipantInput) (Participant, error) {
	if err := in.Author.Validate(); err != nil {
		return Participant{}, err
	}
	if err := ctx.Err(); err != nil {
		return Participant{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[in.RoomID]
	if !ok || !r.Active {
		return Participant{}, notFound("chat.AddParticipant", "room")
	}
	if in.Author.IsBot() {
		if _, ok := s.bots[in.Author.BotID]; !ok {
			return Participant{}, notFound("chat.AddParticipant", "bot")
		}
	}

	members := s.members[in.RoomID]
	if members == nil {
		members = make(map[Author]*Participant)
		s.members[in.RoomID] = members
	}
	if _, exists := members[in.Author]; exists {
		return Participant{}, conflict("chat.AddParticipant", "already a participant")
	}

	p := &Participant{
		RoomID:     in.RoomID,
		Author:     in.Author,
		IsAdmin:    in.IsAdmin,
		LastReadAt: now,
		JoinedAt:   now,
	}
	members[in.Author] = p
	return *p, nil
}

func (s *InMemoryStore) RemoveParticipant(ctx context.Context, roomID string, author Author) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.members[roomID]
	if _, ok := members[author]; !ok {
		return notFound("chat.RemoveParticipant", "participant")
	}
	delete(members, author)
	return nil
}

func (s *InMemoryStore) GetParticipant(ctx context.Context, roomID string, author Author) (Participant, error) {
	if err := ctx.Err(); err != nil {
		return Participant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.members[roomID][author]
	if !ok {
		return Participant{}, notFound("chat.GetParticipant", "participant")
	}
	return *p, nil
}

func (s *InMemoryStore) ListParticipants(ctx context.Context, roomID string) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	members := s.members[roomID]
	out := make([]Participant, 0, len(members))
	for _, p := range members {
		out = append(out, *p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Author.ID() < out[j].Author.ID()
	})
	return out, nil
}

func (s *InMemoryStore) IsParticipant(ctx context.Context, roomID string, author Author) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok || !r.Active {
		return false, nil
	}
	_, ok = s.members[roomID][author]
	return ok, nil
}

func (s *InMemoryStore) MarkRead(ctx context.Context, roomID, userID string, at time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.members[roomID][UserAuthor(userID)]
	if !ok {
		return time.Time{}, notFound("chat.MarkRead", "participant")
	}
	if at.After(p.LastReadAt) {
		p.LastReadAt = at
	}
	return p.LastReadAt, nil
}

// ---- messages ----

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := in.Validate(); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[in.RoomID]; !ok || !r.Active {
		return AppendMessageResult{}, notFound("chat.AppendMessage", "room")
	}

	c := s.msgs[in.RoomID]
	if c == nil {
		c = &memRoom{
			dedupe: make(map[memDedupeKey]Message),
			msgs:   make([]Message, 0, 256),
		}
		s.msgs[in.RoomID] = c
	}

	key := memDedupeKey{author: in.Author, clientMsgID: in.ClientMsgID}
	if in.ClientMsgID != "" {
		if existing, ok := c.dedupe[key]; ok {
			return AppendMessageResult{Message: existing, Duplicated: true}, nil
		}
	}

	// created_at never goes backwards within a room, so seq order is also time order.
	createdAt := in.Now
	if n := len(c.msgs); n > 0 && c.msgs[n-1].CreatedAt.After(createdAt) {
		createdAt = c.msgs[n-1].CreatedAt
	}

	c.seq++
	msg := Message{
		ID:          id,
		RoomID:      in.RoomID,
		Seq:         c.seq,
		Author:      in.Author,
		ClientMsgID: in.ClientMsgID,
		Content:     in.Content,
		CreatedAt:   createdAt,
	}
	if in.ClientMsgID != "" {
		c.dedupe[key] = msg
	}
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev. Dedupe entries go with their messages.
	if over := len(c.msgs) - s.maxMessages; over > 0 {
		for _, m := range c.msgs[:over] {
			if m.ClientMsgID != "" {
				delete(c.dedupe, memDedupeKey{author: m.Author, clientMsgID: m.ClientMsgID})
			}
		}
		c.msgs = c.msgs[over:]
	}

	return AppendMessageResult{Message: msg}, nil
}

// FetchHistory returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.RoomID == "" {
		return FetchHistoryResult{}, invalid("chat.FetchHistory", "room_id is required")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	snap := s.snapshot(in.RoomID)
	if len(snap) == 0 {
		return FetchHistoryResult{}, nil
	}

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return FetchHistoryResult{}, nil
		}
	}

	end := start + limit + 1
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}

func (s *InMemoryStore) CountUnread(ctx context.Context, roomID, userID string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, m := range s.snapshot(roomID) {
		if m.Author.IsBot() || m.Author.UserID == userID {
			continue
		}
		if m.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListHumanMessagesAfter(ctx context.Context, in HumanMessagesInput) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := clampHistoryLimit(in.Limit)

	out := make([]Message, 0, 16)
	for _, m := range s.snapshot(in.RoomID) {
		if m.Seq <= in.AfterSeq || m.Author.IsBot() || m.CreatedAt.Before(in.Since) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) snapshot(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.msgs[roomID]
	if c == nil {
		return nil
	}
	return append([]Message(nil), c.msgs...)
}

// ---- bots ----

func (s *InMemoryStore) CreateBot(ctx context.Context, in CreateBotInput) (Bot, error) {
	if err := in.Validate(); err != nil {
		return Bot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Bot{}, err
	}
	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Bot{}, err
	}

	b := Bot{
		ID:           id,
		Name:         in.Name,
		Provider:     in.Provider,
		Model:        in.Model,
		SealedSecret: append([]byte(nil), in.SealedSecret...),
		SystemPrompt: in.SystemPrompt,
		Active:       true,
		CreatedAt:    in.Now,
	}

	s.mu.Lock()
	s.bots[id] = &b
	s.mu.Unlock()
	return b, nil
}

func (s *InMemoryStore) GetBot(ctx context.Context, botID string) (Bot, error) {
	if err := ctx.Err(); err != nil {
		return Bot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bots[botID]
	if !ok {
		return Bot{}, notFound("chat.GetBot", "bot")
	}
	return *b, nil
}

// SetBotActive toggles a bot (tests and admin tooling).
func (s *InMemoryStore) SetBotActive(botID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bots[botID]; ok {
		b.Active = active
	}
}

func (s *InMemoryStore) ListBotRooms(ctx context.Context) ([]BotRoom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]BotRoom, 0, 4)
	for roomID, members := range s.members {
		r := s.rooms[roomID]
		if r == nil || !r.Active {
			continue
		}
		var botIDs []string
		for a := range members {
			if !a.IsBot() {
				continue
			}
			if b := s.bots[a.BotID]; b != nil && b.Active {
				botIDs = append(botIDs, a.BotID)
			}
		}
		if len(botIDs) == 0 {
			continue
		}
		sort.Strings(botIDs)
		out = append(out, BotRoom{RoomID: roomID, BotIDs: botIDs})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

func (s *InMemoryStore) BotCursor(ctx context.Context, roomID, botID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[memCursorKey{roomID: roomID, botID: botID}], nil
}

func (s *InMemoryStore) AdvanceBotCursor(ctx context.Context, roomID, botID string, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memCursorKey{roomID: roomID, botID: botID}
	if seq > s.cursors[k] {
		s.cursors[k] = seq
	}
	return nil
}

func cloneRoom(r Room) Room {
	if r.Description != nil {
		d := *r.Description
		r.Description = &d
	}
	return r
}
