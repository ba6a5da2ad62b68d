package presence

import (
	"context"
	"sync"
	"time"

	"buzzconnect/models"
)

// Store holds transient typing flags keyed by (typist, peer). A flag that was
// not refreshed within the store's TTL reads as false.
type Store interface {
	Set(ctx context.Context, typist, peer string, typing bool) error
	Get(ctx context.Context, typist, peer string) (bool, error)
}

// MemoryStore is an in-process Store for single-instance servers and tests.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
}

// NewMemoryStore returns a MemoryStore whose flags expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]time.Time)}
}

func (m *MemoryStore) Set(_ context.Context, typist, peer string, typing bool) error {
	key := models.PresenceKey(typist, peer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !typing {
		delete(m.entries, key)
		return nil
	}
	m.entries[key] = m.now().Add(m.ttl)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, typist, peer string) (bool, error) {
	key := models.PresenceKey(typist, peer)
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(expiry) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}
