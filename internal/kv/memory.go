package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process Store.
//
// Expired entries are dropped lazily on access; the per-entry TTL is a bound
// on visibility, not a background deletion guarantee.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// now is overridable in tests.
	now func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte)
	for key := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, ok := s.liveLocked(key)
		if !ok {
			continue
		}
		v := make([]byte, len(entry.value))
		copy(v, entry.value)
		out[key] = v
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	entry, exists := s.liveLocked(key)
	if exists {
		current = make([]byte, len(entry.value))
		copy(current, entry.value)
	}

	mut, err := fn(current, exists)
	if err != nil {
		return err
	}

	switch mut.Op {
	case OpSet:
		s.setLocked(key, mut.Value, mut.TTL)
	case OpDelete:
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	v := make([]byte, len(value))
	copy(v, value)

	entry := memoryEntry{value: v}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
}

func (s *MemoryStore) liveLocked(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}
