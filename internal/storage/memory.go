package storage

import (
	"context"
	"sort"
	"sync"
)

type memStore struct {
	mu     sync.RWMutex
	tables map[Table]map[string][]byte
}

func newMemStore() *memStore {
	m := &memStore{tables: make(map[Table]map[string][]byte, len(Tables))}
	for _, t := range Tables {
		m.tables[t] = map[string][]byte{}
	}
	return m
}

// memHandle makes Close a no-op so the backing maps survive reopen.
type memHandle struct{ *memStore }

func (memHandle) Close() error { return nil }

func (m *memStore) Put(ctx context.Context, table Table, key string, value []byte) error {
	_ = ctx
	if err := checkKey(table, key); err != nil {
		return err
	}
	cp := append([]byte(nil), value...)
	m.mu.Lock()
	m.tables[table][key] = cp
	m.mu.Unlock()
	return nil
}

func (m *memStore) Get(ctx context.Context, table Table, key string) ([]byte, bool, error) {
	_ = ctx
	if err := checkKey(table, key); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	v, ok := m.tables[table][key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *memStore) Delete(ctx context.Context, table Table, key string) error {
	_ = ctx
	if err := checkKey(table, key); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.tables[table], key)
	m.mu.Unlock()
	return nil
}

func (m *memStore) ListKeys(ctx context.Context, table Table) ([]string, error) {
	_ = ctx
	if err := table.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	keys := make([]string, 0, len(m.tables[table]))
	for k := range m.tables[table] {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (m *memStore) Clear(ctx context.Context, table Table) error {
	_ = ctx
	if err := table.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.tables[table] = map[string][]byte{}
	m.mu.Unlock()
	return nil
}
