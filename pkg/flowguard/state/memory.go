package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory state store for tests and single-process use.
// Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]storedEntry
	closed  bool
}

// storedEntry holds the encoded form so callers never share maps with the
// store and numbers decode the same way as in the durable backends.
type storedEntry struct {
	value     []byte
	metadata  []byte
	version   int
	updatedAt time.Time
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]storedEntry),
	}
}

// GetState implements Store.
func (m *MemoryStore) GetState(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	stored, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}

	entry, err := decodeEntry(key, stored.value, stored.metadata)
	if err != nil {
		return nil, err
	}
	entry.Version = stored.version
	entry.UpdatedAt = stored.updatedAt
	return entry, nil
}

// SetState implements Store.
func (m *MemoryStore) SetState(_ context.Context, key string, value, metadata map[string]any) error {
	v, err := encodeObject(value)
	if err != nil {
		return err
	}
	md, err := encodeObject(metadata)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.entries[key] = storedEntry{
		value:     v,
		metadata:  md,
		version:   m.entries[key].version + 1,
		updatedAt: time.Now().UTC(),
	}
	return nil
}

// DeleteState implements Store.
func (m *MemoryStore) DeleteState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.entries, key)
	return nil
}

// GetKeysByPrefix implements Store.
func (m *MemoryStore) GetKeysByPrefix(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]string, 0)
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = nil
	return nil
}

// Len returns the number of stored entries.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
