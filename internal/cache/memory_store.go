package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内缓存，重启即丢失，用于测试与临时运行。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

type memoryStore struct {
	storage *memoryStorage
	name    string
	mu      sync.RWMutex
	entries map[RequestKey]*Snapshot
}

func (m *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.stores[name]
	if !ok {
		store = &memoryStore{storage: m, name: name, entries: make(map[RequestKey]*Snapshot)}
		m.stores[name] = store
	}
	return store, nil
}

func (m *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *memoryStorage) Lookup(ctx context.Context, name string) (Store, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	store, ok := m.stores[name]
	if !ok {
		return nil, false, nil
	}
	return store, true, nil
}

func (m *memoryStorage) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, name)
	return nil
}

func (m *memoryStorage) Close() error {
	return nil
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Put(ctx context.Context, key RequestKey, snap *Snapshot) error {
	if err := validatePut(key, snap); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.storage.mu.RLock()
	live := s.storage.stores[s.name] == s
	s.storage.mu.RUnlock()
	if !live {
		return fmt.Errorf("%w: %s", ErrStoreDeleted, s.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = snap.Clone()
	return nil
}

func (s *memoryStore) Match(ctx context.Context, key RequestKey) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]RequestKey, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}
