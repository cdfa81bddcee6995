// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps values in a SQLite database file. Other processes using
// the same file are noticed by polling each subscribed key's version.
type SQLiteStore struct {
	db     *sql.DB
	subs   *subscribers
	logger *zap.Logger
	poll   time.Duration

	mu       sync.Mutex
	versions map[string]int64
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("store: sqlite backend requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// One connection keeps pragmas and writes serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}

	o := buildOptions(opts)
	return &SQLiteStore{
		db:       db,
		subs:     newSubscribers(),
		logger:   o.logger.Named("sqlitestore"),
		poll:     o.pollInterval,
		versions: make(map[string]int64),
	}, nil
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Get reads key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	value, _, err := s.read(ctx, key)
	return value, err
}

func (s *SQLiteStore) read(ctx context.Context, key string) ([]byte, int64, error) {
	var (
		value   []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv WHERE key = ?`, key).Scan(&value, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("store: sqlite get %q: %w", key, err)
	}
	return value, version, nil
}

// Set upserts key. The version is a nanosecond timestamp so that a delete
// followed by a re-insert is still seen as a change by pollers.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = MAX(excluded.version, kv.version + 1),
			updated_at = excluded.updated_at`,
		key, value, now.UnixNano(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: sqlite set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: sqlite delete %q: %w", key, err)
	}
	return nil
}

// Subscribe registers fn and starts the poller on first use.
func (s *SQLiteStore) Subscribe(key string, fn ChangeFunc) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if _, ok := s.versions[key]; !ok {
		_, version, err := s.read(context.Background(), key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		s.versions[key] = version
	}

	if s.done == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.pollLoop(ctx, s.done)
	}

	id, _ := s.subs.add(key, fn)
	return cancelOnce(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.subs.remove(key, id) {
			delete(s.versions, key)
		}
	}), nil
}

func (s *SQLiteStore) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *SQLiteStore) pollOnce(ctx context.Context) {
	for _, key := range s.subs.keys() {
		value, version, err := s.read(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			if ctx.Err() == nil {
				s.logger.Warn("poll key", zap.String("key", key), zap.Error(err))
			}
			continue
		}

		s.mu.Lock()
		last, tracked := s.versions[key]
		if tracked {
			s.versions[key] = version
		}
		s.mu.Unlock()

		if !tracked || last == version {
			continue
		}
		s.subs.notify(key, value)
	}
}

// Close stops polling and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return s.db.Close()
}
