package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoSnapshot is returned by Load when the slot is empty
var ErrNoSnapshot = errors.New("no snapshot stored")

// SnapshotSlot is a durable key-value slot holding one serialized session
// per key. Writes are last-writer-wins.
type SnapshotSlot interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Clear(ctx context.Context, key string) error
}

// MemoryStore keeps snapshots in process memory. Used when Redis is not
// configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory slot; a zero ttl never expires
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || (!entry.expiresAt.IsZero() && s.now().After(entry.expiresAt)) {
		return nil, ErrNoSnapshot
	}
	return append([]byte(nil), entry.data...), nil
}

func (s *MemoryStore) Save(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{data: append([]byte(nil), data...)}
	if s.ttl > 0 {
		entry.expiresAt = s.now().Add(s.ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}
