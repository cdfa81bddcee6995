// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"sync"
)

// MemoryStore keeps values in process memory. Change notifications are
// delivered synchronously on the writer's goroutine, after the write is
// visible to Get.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	subs   *subscribers
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		subs: newSubscribers(),
	}
}

// Get returns a copy of the value for key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores value and notifies subscribers of key.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	stored := append([]byte{}, value...)
	m.data[key] = stored
	m.mu.Unlock()

	m.subs.notify(key, stored)
	return nil
}

// Delete removes key and notifies subscribers with a nil value.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	_, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if existed {
		m.subs.notify(key, nil)
	}
	return nil
}

// Subscribe registers fn for changes of key.
func (m *MemoryStore) Subscribe(key string, fn ChangeFunc) (func(), error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	id, _ := m.subs.add(key, fn)
	return cancelOnce(func() { m.subs.remove(key, id) }), nil
}

// Close drops all data. Further calls return ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}
