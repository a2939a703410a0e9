package kv

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"
)

const shardCount = 32

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// MemoryStore is an in-process Store. Keys are spread over independently
// locked shards; expired entries are dropped lazily on access.
type MemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	m := &MemoryStore{now: now}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return m
}

func (m *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.live(m.now()) {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !e.live(m.now()) {
		e = entry{value: "0", expiresAt: m.expiry(ttl)}
	}

	cur, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, &NotIntegerError{Key: key, Value: e.value}
	}
	cur += delta
	e.value = strconv.FormatInt(cur, 10)
	s.entries[key] = e
	return cur, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key, old, new string, ttl time.Duration) (bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	present := ok && e.live(m.now())

	switch {
	case old == "" && present:
		return false, nil
	case old != "" && (!present || e.value != old):
		return false, nil
	}

	s.entries[key] = entry{value: new, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (m *MemoryStore) Scan(_ context.Context, prefix string) (map[string]string, error) {
	out := make(map[string]string)
	now := m.now()
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if !e.live(now) {
				delete(s.entries, k)
				continue
			}
			out[k] = e.value
		}
		s.mu.Unlock()
	}
	return out, nil
}
