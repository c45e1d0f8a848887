// Package market provides the shared market state store: a process-wide
// keyed cache holding the latest option-chain snapshot, the underlying
// spot price and the open-interest signal series.
//
// The store makes no transactional guarantees across keys. The chain and
// the spot price are refreshed independently and close together in time,
// so every consumer must tolerate a torn read between them.
package market

import "sync"

// Store is the contract for the process-wide keyed cache.
//
// Implementations must be safe for concurrent use - callers can assume
// all methods are goroutine-safe and can call them from multiple
// goroutines.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
}

// MemoryStore is the in-process Store implementation, guarded by a
// sync.RWMutex for concurrent readers and writers.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]any
}

// Ensure MemoryStore implements Store at compile time.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]any)}
}

// Get returns the value stored under key and whether it was present.
func (s *MemoryStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (s *MemoryStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Delete removes key from the store.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}
