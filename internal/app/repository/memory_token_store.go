package repository

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryTokenStore is a process-local store for development and tests.
// It does not share state between replicas.
type MemoryTokenStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryTokenStore constructs an empty store. now may be nil.
func NewMemoryTokenStore(now func() time.Time) *MemoryTokenStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryTokenStore{
		entries: make(map[string]memEntry),
		now:     now,
	}
}

// Len reports the number of live keys.
func (s *MemoryTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if _, ok := s.lookupLocked(k); ok {
			n++
		}
	}
	return n
}

func (s *MemoryTokenStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *MemoryTokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(e.value), nil
}

func (s *MemoryTokenStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryTokenStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookupLocked(key); ok {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *MemoryTokenStore) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	delete(s.entries, key)
	return e.value, nil
}

func (s *MemoryTokenStore) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key)
	if !ok || !bytes.Equal(e.value, old) {
		return false, nil
	}
	s.setLocked(key, new, ttl)
	return true, nil
}

func (s *MemoryTokenStore) setLocked(key string, value []byte, ttl time.Duration) {
	e := memEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
}

func (s *MemoryTokenStore) lookupLocked(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}
