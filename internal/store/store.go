// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides the shared key-value store that session and lockout
// trackers persist to. Every backend can notify subscribers when a key
// changes, which is how independent trackers ("tabs") stay in sync.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// ChangeFunc receives the new value of a key. value is nil when the key was
// deleted. Writers may be notified of their own writes, so handlers must be
// idempotent.
type ChangeFunc func(key string, value []byte)

// Store is a key-value store with per-key change notification.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Subscribe registers fn for changes of key. The returned cancel func
	// removes the registration and is safe to call more than once.
	Subscribe(key string, fn ChangeFunc) (cancel func(), err error)

	Close() error
}

// =============================================================================
// OPTIONS
// =============================================================================

// DefaultPollInterval is how often polling backends look for changes.
const DefaultPollInterval = 500 * time.Millisecond

type options struct {
	logger       *zap.Logger
	keyPrefix    string
	pollInterval time.Duration
}

// Option configures a backend.
type Option func(*options)

// WithLogger sets the logger used for background watcher errors.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithKeyPrefix namespaces every key written by the backend. Only the redis
// backend uses it.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// WithPollInterval sets the change polling interval of the sqlite backend.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:       zap.NewNop(),
		keyPrefix:    "sessionguard",
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// SUBSCRIBER REGISTRY
// =============================================================================

// subscribers tracks change handlers per key. Handlers run outside the lock.
type subscribers struct {
	mu    sync.RWMutex
	next  uint64
	byKey map[string]map[uint64]ChangeFunc
}

func newSubscribers() *subscribers {
	return &subscribers{byKey: make(map[string]map[uint64]ChangeFunc)}
}

// add registers fn and reports whether it is the first handler for key.
func (s *subscribers) add(key string, fn ChangeFunc) (id uint64, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	handlers, ok := s.byKey[key]
	if !ok {
		handlers = make(map[uint64]ChangeFunc)
		s.byKey[key] = handlers
	}
	handlers[s.next] = fn
	return s.next, !ok
}

// remove unregisters a handler and reports whether key has no handlers left.
func (s *subscribers) remove(key string, id uint64) (last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handlers, ok := s.byKey[key]
	if !ok {
		return false
	}
	if _, ok := handlers[id]; !ok {
		return false
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(s.byKey, key)
		return true
	}
	return false
}

func (s *subscribers) notify(key string, value []byte) {
	s.mu.RLock()
	handlers := make([]ChangeFunc, 0, len(s.byKey[key]))
	ids := make([]uint64, 0, len(s.byKey[key]))
	for id := range s.byKey[key] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, s.byKey[key][id])
	}
	s.mu.RUnlock()

	for _, fn := range handlers {
		var v []byte
		if value != nil {
			v = append([]byte(nil), value...)
		}
		fn(key, v)
	}
}

func (s *subscribers) has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey[key]) > 0
}

func (s *subscribers) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cancelOnce wraps an unsubscribe so repeated calls are harmless.
func cancelOnce(fn func()) func() {
	var once sync.Once
	return func() { once.Do(fn) }
}
