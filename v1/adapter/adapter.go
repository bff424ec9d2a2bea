package adapter

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the key-value contract the lock and the queue are built on. Every
// method acts on a single key and must be atomic for that key; nothing else
// is assumed of the backend.
type Store interface {
	// Get retrieves the value for a key.
	// The boolean return indicates whether the key was found.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set unconditionally overwrites the value for a key.
	Set(ctx context.Context, key string, value string) error
	// SetIfAbsentGetPrevious writes value only if key is absent and returns
	// the value stored once the call completes: value itself on success, the
	// pre-existing value otherwise. A positive ttl makes the written key
	// expire.
	SetIfAbsentGetPrevious(ctx context.Context, key, value string, ttl time.Duration) (string, error)
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// Keys lists the keys starting with prefix. It is used by the validator.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

type memEntry struct {
	value   string
	expires time.Time
}

// InMemoryStore is a Store backed by a map. It is shared safely between
// goroutines, which makes it a stand-in for a real store in tests and
// single-process deployments.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]memEntry
	now   func() time.Time
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]memEntry), now: time.Now}
}

// lookup returns the live entry for key, dropping it if expired.
// Callers hold s.mu.
func (s *InMemoryStore) lookup(key string) (memEntry, bool) {
	e, ok := s.items[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.items, key)
		return memEntry{}, false
	}
	return e, true
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	e, ok := s.lookup(key)
	s.mu.Unlock()
	return e.value, ok, nil
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(ctx context.Context, key string, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[key] = memEntry{value: value}
	s.mu.Unlock()
	return nil
}

// SetIfAbsentGetPrevious implements Store.SetIfAbsentGetPrevious.
func (s *InMemoryStore) SetIfAbsentGetPrevious(ctx context.Context, key, value string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.lookup(key); ok {
		return e.value, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.items[key] = e
	return value, nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// Keys implements Store.Keys. The result is sorted.
func (s *InMemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.lookup(k); ok {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys, nil
}
