package session

import (
	"context"
	"sync"
	"time"

	"huddle/cmd/internal/ids"
)

// InMemoryStore is a process-local Store for development and tests.
type InMemoryStore struct {
	mu   sync.Mutex
	rows map[string]Row
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rows: make(map[string]Row)}
}

func (s *InMemoryStore) Create(_ context.Context, now time.Time, userID string, dev DeviceContext, expiresAt time.Time) (string, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}
	platform := dev.Platform
	if platform == "" {
		platform = PlatformUnknown
	}
	used := now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id] = Row{
		ID:         id,
		UserID:     userID,
		CreatedAt:  now,
		LastUsedAt: &used,
		ExpiresAt:  expiresAt,
		Platform:   platform,
	}
	return id, nil
}

func (s *InMemoryStore) GetByID(_ context.Context, sessionID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[sessionID]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return row, nil
}

func (s *InMemoryStore) Touch(_ context.Context, now time.Time, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[sessionID]; ok {
		row.LastUsedAt = &now
		s.rows[sessionID] = row
	}
	return nil
}

func (s *InMemoryStore) Revoke(_ context.Context, now time.Time, sessionID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[sessionID]; ok {
		s.rows[sessionID] = revokeRow(row, now, reason)
	}
	return nil
}

func (s *InMemoryStore) RevokeAll(_ context.Context, now time.Time, userID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.rows {
		if row.UserID == userID {
			s.rows[id] = revokeRow(row, now, reason)
		}
	}
	return nil
}

func revokeRow(row Row, now time.Time, reason string) Row {
	if row.RevokedAt == nil {
		at := now
		r := reason
		row.RevokedAt = &at
		row.RevocationReason = &r
	}
	return row
}
