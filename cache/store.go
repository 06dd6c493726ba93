package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned by a Store when a key is absent.
var ErrNotFound = errors.New("cache: not found")

// Store is a persistent key/value backend. Implementations must be safe for
// concurrent use and return ErrNotFound (possibly wrapped) for missing keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix; an empty prefix
	// empties the store.
	DeletePrefix(ctx context.Context, prefix string) error
}

// MapStore is an in-memory Store.
type MapStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMapStore returns an empty MapStore.
func NewMapStore() *MapStore {
	return &MapStore{data: make(map[string][]byte)}
}

func (s *MapStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MapStore) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
	return nil
}

func (s *MapStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MapStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (s *MapStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
