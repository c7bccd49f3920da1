// Package memory implements store.Store in memory; intended for tests and
// local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"pkt.systems/patchd/internal/store"
)

// Store is an in-memory snapshot store.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{docs: make(map[string][]byte)}
}

// Load returns the snapshot stored under key.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

// Save stores doc under key, replacing any previous snapshot.
func (s *Store) Save(_ context.Context, key string, doc []byte) error {
	s.mu.Lock()
	s.docs[key] = append([]byte(nil), doc...)
	s.mu.Unlock()
	return nil
}

// Delete removes the snapshot under key; missing keys are a no-op.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.docs, key)
	s.mu.Unlock()
	return nil
}

// List returns the sorted keys under prefix.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.docs))
	for key := range s.docs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Close satisfies store.Store; the in-memory store holds no resources.
func (s *Store) Close() error {
	return nil
}
