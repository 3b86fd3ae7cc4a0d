package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFn   func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), nowFn: time.Now}
}

func (m *MemoryStore) live(key string) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.nowFn().Before(entry.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.live(key); ok {
		return entry.record, false, nil
	}
	now := m.nowFn()
	rec := Record{Key: key, Fingerprint: fingerprint, Status: StatusPending, CreatedAt: now}
	m.entries[key] = memoryEntry{record: rec, expiresAt: now.Add(ttl)}
	return rec, true, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, resp Response, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok {
		return nil
	}
	entry.record.Status = StatusCompleted
	entry.record.Response = resp
	entry.expiresAt = m.nowFn().Add(ttl)
	m.entries[key] = entry
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	return entry.record, ok, nil
}
