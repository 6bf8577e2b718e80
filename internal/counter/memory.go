package counter

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value   int64
	str     string
	set     map[string]struct{}
	expires time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// MemoryStore is a mutex-guarded in-process Store. It backs tests and
// single-node deployments that run without Redis; markers do not
// survive a restart, so production deployments should prefer Redis.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// get returns a live entry, dropping it if expired. Caller holds mu.
func (s *MemoryStore) get(key string) (*memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) IncrementWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrementLocked(key, ttl), nil
}

func (s *MemoryStore) incrementLocked(key string, ttl time.Duration) int64 {
	e, ok := s.get(key)
	if !ok {
		e = &memEntry{expires: s.now().Add(ttl)}
		s.entries[key] = e
	}
	e.value++
	return e.value
}

func (s *MemoryStore) IncrementBatch(_ context.Context, incs []Increment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range incs {
		s.incrementLocked(inc.Key, inc.TTL)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok {
		return 0, false, nil
	}
	if e.str != "" && e.value == 0 {
		n, err := strconv.ParseInt(e.str, 10, 64)
		if err != nil {
			return 0, false, nil
		}
		return n, true, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{str: value, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetValue(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok {
		return "", false, nil
	}
	return e.str, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) SetAdd(_ context.Context, key, member string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok {
		e = &memEntry{set: make(map[string]struct{}), expires: s.now().Add(ttl)}
		s.entries[key] = e
	}
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	e.set[member] = struct{}{}
	return int64(len(e.set)), nil
}

func (s *MemoryStore) SetCardinality(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok || e.set == nil {
		return 0, nil
	}
	return int64(len(e.set)), nil
}

func (s *MemoryStore) CheckAndIncrement(_ context.Context, limits []Limit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range limits {
		if e, ok := s.get(l.Key); ok && e.value >= l.Max {
			return false, nil
		}
	}
	for _, l := range limits {
		s.incrementLocked(l.Key, l.TTL)
	}
	return true, nil
}

// Len reports the number of live keys. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.now()
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
