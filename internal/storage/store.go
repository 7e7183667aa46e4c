package storage

import (
	"sync"
)

// Engine defines the interface every storage backend satisfies.
// All implementations must be safe for concurrent use.
type Engine interface {
	// Get returns the value of key. found is false when the key is absent,
	// which is not an error.
	Get(key string) (value string, found bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// Remove deletes key. It returns ErrKeyNotFound if the key is absent.
	Remove(key string) error

	// Stats returns a point-in-time view of the engine's bookkeeping.
	Stats() Stats

	// Close releases the engine's resources. Calling it more than once is
	// harmless.
	Close() error
}

// Stats describes the state of an engine.
type Stats struct {
	Keys             int    // Live keys, -1 when the engine cannot tell cheaply
	DiskBytes        int64  // Bytes on disk
	UncompactedBytes int64  // Bytes of superseded records awaiting compaction
	Generations      int    // Segment files on disk
	Compactions      uint64 // Compactions since open
}

// MemoryStore is a volatile Engine backed by a map. It is used where a
// disk-backed engine is unnecessary, mostly in tests of the layers above.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]string),
	}
}

// Get retrieves a value by key
func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return "", false, ErrClosed
	}
	value, exists := m.data[key]
	return value, exists, nil
}

// Set stores a value with the given key
func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return ErrClosed
	}
	m.data[key] = value
	return nil
}

// Remove deletes a key
func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return ErrClosed
	}
	if _, exists := m.data[key]; !exists {
		return ErrKeyNotFound
	}
	delete(m.data, key)
	return nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Keys: len(m.data)}
}

// Close drops the contents of the store
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}
