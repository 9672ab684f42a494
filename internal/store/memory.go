package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value    string
	expireAt time.Time
}

// MemoryStore is an in-process Store for tests and development mode.
// It honors TTLs lazily, the way the Redis store does.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memoryEntry), now: time.Now}
}

// SetClock overrides the store clock; tests use it to age keys out.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || s.expired(e) {
		delete(s.data, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memoryEntry{value: value, expireAt: s.deadline(ttl)}
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	var n int64
	if ok && !s.expired(e) {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	s.data[key] = memoryEntry{value: strconv.FormatInt(n, 10), expireAt: s.deadline(ttl)}
	return n, nil
}

func (s *MemoryStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) && !s.expired(e) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expireAt.IsZero() && s.now().After(e.expireAt)
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
