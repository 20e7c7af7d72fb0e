package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fenrir/domain/changelog"
	"fenrir/domain/orderbook"
)

// ListenKeyTTL is how long a session stays alive without a keep-alive.
const ListenKeyTTL = 60 * time.Minute

type listenSession struct {
	userID    uint64
	expiresAt int64 // unix ns
}

// listenKeys tracks user-data sessions. Expiry is lazy: expired keys are
// dropped when touched or when a sweep runs during create.
type listenKeys struct {
	mu       sync.Mutex
	sessions map[string]*listenSession
	clock    changelog.Clock
}

func newListenKeys(clock changelog.Clock) *listenKeys {
	return &listenKeys{
		sessions: make(map[string]*listenSession),
		clock:    clock,
	}
}

func (l *listenKeys) create(userID uint64) *ListenKeyResult {
	key := uuid.NewString()
	expires := l.clock.Now() + ListenKeyTTL.Nanoseconds()

	l.mu.Lock()
	l.sweepLocked()
	l.sessions[key] = &listenSession{userID: userID, expiresAt: expires}
	l.mu.Unlock()

	return &ListenKeyResult{Key: key, ExpiresAt: expires}
}

func (l *listenKeys) keepAlive(userID uint64, key string) (*ListenKeyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.lookupLocked(userID, key)
	if err != nil {
		return nil, err
	}
	s.expiresAt = l.clock.Now() + ListenKeyTTL.Nanoseconds()
	return &ListenKeyResult{Key: key, ExpiresAt: s.expiresAt}, nil
}

func (l *listenKeys) close(userID uint64, key string) (*ListenKeyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.lookupLocked(userID, key); err != nil {
		return nil, err
	}
	delete(l.sessions, key)
	return &ListenKeyResult{Key: key}, nil
}

// lookupLocked resolves a live session owned by userID, dropping it if
// it has already expired.
func (l *listenKeys) lookupLocked(userID uint64, key string) (*listenSession, error) {
	s, ok := l.sessions[key]
	if ok && s.expiresAt <= l.clock.Now() {
		delete(l.sessions, key)
		ok = false
	}
	if !ok || s.userID != userID {
		return nil, fmt.Errorf("%w: listen key", orderbook.ErrNotFound)
	}
	return s, nil
}

func (l *listenKeys) sweepLocked() {
	now := l.clock.Now()
	for k, s := range l.sessions {
		if s.expiresAt <= now {
			delete(l.sessions, k)
		}
	}
}
