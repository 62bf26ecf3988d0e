package bots

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out short time-bounded leases so a room ticks on one instance at a time.
type Locker interface {
	// TryLock never waits. ok is false when another holder owns key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localHold
	now  func() time.Time
}

type localHold struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localHold), now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = localHold{token: token, expires: now.Add(ttl)}
	return &localLease{l: l, key: key, token: token}, true, nil
}

type localLease struct {
	l     *LocalLocker
	key   string
	token string
}

func (ll *localLease) Release(context.Context) error {
	ll.l.mu.Lock()
	defer ll.l.mu.Unlock()
	if h, ok := ll.l.held[ll.key]; ok && h.token == ll.token {
		delete(ll.l.held, ll.key)
	}
	return nil
}
