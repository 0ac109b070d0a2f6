package storage

import (
	"errors"
	"sync"
)

// ErrKeyNotFound is returned by Get for a key that was never written or
// has been deleted.
var ErrKeyNotFound = errors.New("key not found")

// Store is the persistence a replica keeps its shard data and its 2PC
// prepare markers in. Implementations are safe for concurrent use; each
// call is atomic on its own.
type Store interface {
	// Get returns a copy of the value stored under key, or ErrKeyNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	Exists(key string) (bool, error)

	// List returns every key, in no particular order.
	List() []string

	Stats() StoreStats
}

// StoreStats is the size of a store as reported on /stats.
type StoreStats struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"` // sum of value lengths
}

// MemoryStore keeps values in a map. It loses everything on restart and is
// meant for tests and throwaway replicas.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	bytes int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

// Get returns a copy, so callers may modify the result.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, found := m.data[key]
	if !found {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

// Put copies value. It never fails.
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bytes += len(value) - len(m.data[key])
	m.data[key] = append([]byte{}, value...)
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bytes -= len(m.data[key])
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Exists(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, found := m.data[key]
	return found, nil
}

// List returns the keys in map order.
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

// Stats is O(1); the byte count is maintained on every Put and Delete.
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return StoreStats{Keys: len(m.data), Bytes: m.bytes}
}
