package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ AtomicStore = (*MemoryStore)(nil)

// MemoryStore is an in-process AtomicStore for tests and single-node local
// runs. The clock is injectable so expiry behavior is testable without
// sleeping, and the store can be flipped unavailable to exercise the
// fail-open/fail-closed paths.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	now       func() time.Time
	available bool
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemoryStore creates an empty store. Pass nil to use the wall clock.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries:   make(map[string]memoryEntry),
		now:       now,
		available: true,
	}
}

// SetAvailable simulates a store outage: every operation fails with
// ErrUnavailable while false.
func (s *MemoryStore) SetAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = v
}

// lookup returns the live entry for key, evicting it first if expired.
// Caller must hold the mutex.
func (s *MemoryStore) lookup(key string) (memoryEntry, bool) {
	ent, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !ent.expiresAt.IsZero() && !s.now().Before(ent.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return ent, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return 0, ErrUnavailable
	}

	ent, ok := s.lookup(key)
	if !ok {
		s.entries[key] = memoryEntry{value: "1", expiresAt: s.expiry(ttl)}
		return 1, nil
	}

	count, err := strconv.ParseInt(ent.value, 10, 64)
	if err != nil {
		count = 0
	}
	count++
	// Keep the original expiry: TTL only applies on creation.
	s.entries[key] = memoryEntry{value: strconv.FormatInt(count, 10), expiresAt: ent.expiresAt}
	return count, nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return false, ErrUnavailable
	}

	ent, ok := s.lookup(key)
	if expected == Absent {
		if ok {
			return false, nil
		}
	} else if !ok || ent.value != expected {
		return false, nil
	}

	s.entries[key] = memoryEntry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return false, ErrUnavailable
	}

	ent, ok := s.lookup(key)
	if !ok || ent.value != expected {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return "", false, ErrUnavailable
	}

	ent, ok := s.lookup(key)
	if !ok {
		return "", false, nil
	}
	return ent.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return ErrUnavailable
	}

	s.entries[key] = memoryEntry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil, ErrUnavailable
	}

	var keys []string
	for k := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.lookup(k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return ErrUnavailable
	}
	return nil
}
