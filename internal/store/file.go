// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/jeranaias/sessionguard/internal/util"
	"go.uber.org/zap"
)

const fileSuffix = ".json"

// FileStore keeps one file per key in a directory. Writes are atomic
// (temp file + rename), and an fsnotify watcher on the directory turns writes
// from any process into change notifications.
type FileStore struct {
	dir    string
	subs   *subscribers
	logger *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store: file backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &FileStore{
		dir:    dir,
		subs:   newSubscribers(),
		logger: o.logger.Named("filestore"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// fileName maps a key to a filesystem-safe, reversible name.
func fileName(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + fileSuffix
}

// keyFromFile reverses fileName. ok is false for files the store did not write.
func keyFromFile(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, fileName(key))
}

func (f *FileStore) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Get reads the file for key.
func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if f.isClosed() {
		return nil, ErrClosed
	}
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read %q: %w", key, err)
	}
	return data, nil
}

// Set atomically replaces the file for key.
func (f *FileStore) Set(_ context.Context, key string, value []byte) error {
	if f.isClosed() {
		return ErrClosed
	}
	if err := util.AtomicWriteFile(f.path(key), value, 0600); err != nil {
		return fmt.Errorf("store: write %q: %w", key, err)
	}
	return nil
}

// Delete removes the file for key. Missing files are not an error.
func (f *FileStore) Delete(_ context.Context, key string) error {
	if f.isClosed() {
		return ErrClosed
	}
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// Subscribe registers fn and starts the directory watcher on first use.
// Notifications arrive on the watcher goroutine.
func (f *FileStore) Subscribe(key string, fn ChangeFunc) (func(), error) {
	if err := f.ensureWatcher(); err != nil {
		return nil, err
	}
	id, _ := f.subs.add(key, fn)
	return cancelOnce(func() { f.subs.remove(key, id) }), nil
}

func (f *FileStore) ensureWatcher() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store: create watcher: %w", err)
	}
	if err := w.Add(f.dir); err != nil {
		w.Close()
		return fmt.Errorf("store: watch %s: %w", f.dir, err)
	}

	f.watcher = w
	f.done = make(chan struct{})
	go f.processEvents(w, f.done)
	return nil
}

// processEvents turns fsnotify events into change notifications.
func (f *FileStore) processEvents(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("file watcher panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-f.ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			f.handleEvent(event)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (f *FileStore) handleEvent(event fsnotify.Event) {
	key, ok := keyFromFile(filepath.Base(event.Name))
	if !ok || !f.subs.has(key) {
		return
	}

	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		data, err := os.ReadFile(event.Name)
		if err != nil {
			if !os.IsNotExist(err) {
				f.logger.Warn("read changed file", zap.String("key", key), zap.Error(err))
			}
			return
		}
		f.subs.notify(key, data)

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		// A rename away from the key name leaves it absent.
		if _, err := os.Stat(event.Name); os.IsNotExist(err) {
			f.subs.notify(key, nil)
		}
	}
}

// Close stops the watcher. Files are left on disk.
func (f *FileStore) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	w, done := f.watcher, f.done
	f.mu.Unlock()

	f.cancel()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
