package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// retry interval for contended lock acquisition
const lockPollInterval = 25 * time.Millisecond

type memoryEntry struct {
	value   []byte
	expires time.Time // zero = no expiry
}

type memoryLock struct {
	token   string
	expires time.Time
}

// MemoryStore is an in-process Store. It is safe for concurrent use and
// is the default backend when no shared cache is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	locks   map[string]memoryLock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		locks:   make(map[string]memoryLock),
	}
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}

	return entry.value, true, nil
}

func (s *MemoryStore) Set(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expires = time.Now().Add(ttl)
	}
	s.entries[key] = entry

	return nil
}

func (s *MemoryStore) Exists(key string) (bool, error) {
	_, found, err := s.Get(key)
	return found, err
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) TakeLock(ctx context.Context, name string, wait, hold time.Duration) (Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		if s.tryAcquire(name, token, hold) {
			return &memoryLockHandle{store: s, name: name, token: token}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (s *MemoryStore) tryAcquire(name, token string, hold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, held := s.locks[name]
	if held && time.Now().Before(current.expires) {
		return false
	}

	s.locks[name] = memoryLock{token: token, expires: time.Now().Add(hold)}
	return true
}

type memoryLockHandle struct {
	store *MemoryStore
	name  string
	token string
}

func (l *memoryLockHandle) Release() error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	// only release if we still own it; an expired lock may have been
	// taken over by another holder
	if current, held := l.store.locks[l.name]; held && current.token == l.token {
		delete(l.store.locks, l.name)
	}

	return nil
}
