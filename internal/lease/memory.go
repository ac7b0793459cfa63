package lease

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests. Expiry is evaluated
// against an injectable clock so tests can run multiple simulated
// instances on a virtual timeline.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time

	// Fail forces every call to return ErrUnavailable; tests use it to
	// drive fallback-mode behavior.
	Fail bool
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Not safe to call concurrently with use.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return false, ErrUnavailable
	}
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memEntry{value: value, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ExtendIfOwner(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return false, ErrUnavailable
	}
	e, ok := m.live(key)
	if !ok || e.value != owner {
		return false, nil
	}
	e.expiresAt = m.now().Add(ttl)
	m.entries[key] = e
	return true, nil
}

func (m *MemoryStore) DeleteIfOwner(ctx context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return false, ErrUnavailable
	}
	e, ok := m.live(key)
	if !ok || e.value != owner {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return "", false, ErrUnavailable
	}
	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) ScanPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return nil, ErrUnavailable
	}
	out := make(map[string]string)
	for key := range m.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e, ok := m.live(key); ok {
			out[key] = e.value
		}
	}
	return out, nil
}
