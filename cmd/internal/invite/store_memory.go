package invite

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a process-local Store for development and tests.
type InMemoryStore struct {
	mu     sync.Mutex
	byHash map[string]*Invite
	byID   map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byHash: make(map[string]*Invite), byID: make(map[string]string)}
}

func (s *InMemoryStore) Create(ctx context.Context, in CreateRecord) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	if in.ID == "" || in.RoomID == "" || in.TokenHash == "" || in.MaxUses <= 0 {
		return Invite{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byHash[in.TokenHash]; dup {
		return Invite{}, ErrInvalidInput
	}
	inv := &Invite{
		ID:        in.ID,
		RoomID:    in.RoomID,
		CreatedBy: in.CreatedBy,
		CreatedAt: in.CreatedAt,
		ExpiresAt: in.ExpiresAt,
		MaxUses:   in.MaxUses,
		Note:      in.Note,
	}
	s.byHash[in.TokenHash] = inv
	s.byID[in.ID] = in.TokenHash
	return *inv, nil
}

func (s *InMemoryStore) GetByTokenHash(ctx context.Context, tokenHash string) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byHash[tokenHash]
	if !ok {
		return Invite{}, ErrNotFound
	}
	return *inv, nil
}

func (s *InMemoryStore) Consume(ctx context.Context, in ConsumeRecord) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byHash[in.TokenHash]
	if !ok {
		return Invite{}, ErrNotFound
	}
	if !inv.Active(in.Now) {
		return Invite{}, ErrNotActive
	}
	inv.UsedCount++
	at, by := in.Now, in.UserID
	inv.LastUsedAt = &at
	inv.LastUsedBy = &by
	return *inv, nil
}

func (s *InMemoryStore) Revoke(ctx context.Context, roomID, inviteID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.byID[inviteID]
	if !ok || s.byHash[hash].RoomID != roomID {
		return ErrNotFound
	}
	if inv := s.byHash[hash]; inv.RevokedAt == nil {
		at := now
		inv.RevokedAt = &at
	}
	return nil
}

func (s *InMemoryStore) ListForRoom(ctx context.Context, roomID string) ([]Invite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Invite, 0, 4)
	for _, inv := range s.byHash {
		if inv.RoomID == roomID {
			out = append(out, *inv)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}
