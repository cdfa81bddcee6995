// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jeranaias/sessionguard/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// changeLog records notifications from any goroutine.
type changeLog struct {
	mu     sync.Mutex
	values []string
	nils   int
}

func (c *changeLog) record(_ string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == nil {
		c.nils++
		return
	}
	c.values = append(c.values, string(value))
}

func (c *changeLog) last() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.values) == 0 {
		return "", false
	}
	return c.values[len(c.values)-1], true
}

func (c *changeLog) deletes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nils
}

// backend opens two handles onto the same backing data, standing in for two
// tabs or processes.
type backend struct {
	name string
	open func(t *testing.T) (writer, reader Store)
	wait time.Duration
}

func backends(t *testing.T) []backend {
	return []backend{
		{
			name: "memory",
			open: func(t *testing.T) (Store, Store) {
				s := NewMemoryStore()
				return s, s
			},
		},
		{
			name: "file",
			open: func(t *testing.T) (Store, Store) {
				dir := t.TempDir()
				a, err := NewFileStore(dir, WithLogger(zaptest.NewLogger(t)))
				require.NoError(t, err)
				b, err := NewFileStore(dir, WithLogger(zaptest.NewLogger(t)))
				require.NoError(t, err)
				t.Cleanup(func() { a.Close(); b.Close() })
				return a, b
			},
			wait: 3 * time.Second,
		},
		{
			name: "redis",
			open: func(t *testing.T) (Store, Store) {
				mr := miniredis.RunT(t)
				ca := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				cb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				a := NewRedisStore(ca, WithKeyPrefix("test"))
				b := NewRedisStore(cb, WithKeyPrefix("test"))
				t.Cleanup(func() {
					a.Close()
					b.Close()
					ca.Close()
					cb.Close()
				})
				return a, b
			},
			wait: 3 * time.Second,
		},
		{
			name: "sqlite",
			open: func(t *testing.T) (Store, Store) {
				path := filepath.Join(t.TempDir(), "kv.db")
				a, err := NewSQLiteStore(path, WithPollInterval(20*time.Millisecond))
				require.NoError(t, err)
				b, err := NewSQLiteStore(path, WithPollInterval(20*time.Millisecond))
				require.NoError(t, err)
				t.Cleanup(func() { a.Close(); b.Close() })
				return a, b
			},
			wait: 3 * time.Second,
		},
	}
}

func TestStores_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends(t) {
		t.Run(be.name, func(t *testing.T) {
			w, r := be.open(t)

			_, err := r.Get(ctx, "session")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, w.Set(ctx, "session", []byte(`{"v":1}`)))
			got, err := r.Get(ctx, "session")
			require.NoError(t, err)
			assert.Equal(t, `{"v":1}`, string(got))

			require.NoError(t, w.Set(ctx, "session", []byte(`{"v":2}`)))
			got, err = r.Get(ctx, "session")
			require.NoError(t, err)
			assert.Equal(t, `{"v":2}`, string(got))

			require.NoError(t, w.Delete(ctx, "session"))
			_, err = r.Get(ctx, "session")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, w.Delete(ctx, "session"), "deleting a missing key is not an error")
		})
	}
}

func TestStores_NotifyOtherHandle(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends(t) {
		t.Run(be.name, func(t *testing.T) {
			w, r := be.open(t)

			var log changeLog
			cancel, err := r.Subscribe("lockout", log.record)
			require.NoError(t, err)
			defer cancel()

			require.NoError(t, w.Set(ctx, "lockout", []byte(`{"attempts":3}`)))

			check := func() bool {
				v, ok := log.last()
				return ok && v == `{"attempts":3}`
			}
			if be.wait == 0 {
				require.True(t, check(), "memory store notifies synchronously")
			} else {
				require.Eventually(t, check, be.wait, 10*time.Millisecond)
			}

			require.NoError(t, w.Delete(ctx, "lockout"))
			if be.wait == 0 {
				require.Equal(t, 1, log.deletes())
			} else {
				require.Eventually(t, func() bool { return log.deletes() >= 1 }, be.wait, 10*time.Millisecond)
			}
		})
	}
}

func TestStores_ResubscribeWhileLastHandlerCancels(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends(t) {
		t.Run(be.name, func(t *testing.T) {
			w, r := be.open(t)

			var log changeLog
			for i := 0; i < 20; i++ {
				old, err := r.Subscribe("session", func(string, []byte) {})
				require.NoError(t, err)

				var wg sync.WaitGroup
				var cancel func()
				var subErr error
				wg.Add(2)
				go func() { defer wg.Done(); old() }()
				go func() { defer wg.Done(); cancel, subErr = r.Subscribe("session", log.record) }()
				wg.Wait()
				require.NoError(t, subErr)

				value := []byte{'v', byte('a' + i)}
				require.NoError(t, w.Set(ctx, "session", value))
				check := func() bool {
					v, ok := log.last()
					return ok && v == string(value)
				}
				if be.wait == 0 {
					require.True(t, check(), "round %d", i)
				} else {
					require.Eventually(t, check, be.wait, 10*time.Millisecond, "round %d", i)
				}
				cancel()
			}
		})
	}
}

func TestStores_UnrelatedKeysAreNotDelivered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var log changeLog
	cancel, err := s.Subscribe("a", log.record)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Set(ctx, "b", []byte("x")))
	_, ok := log.last()
	assert.False(t, ok)
}

func TestMemoryStore_CancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var log changeLog
	cancel, err := s.Subscribe("k", log.record)
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, s.Set(ctx, "k", []byte("x")))
	_, ok := log.last()
	assert.False(t, ok)
}

func TestMemoryStore_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'z'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "k", []byte("x")), ErrClosed)
	_, err = s.Subscribe("k", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStore_KeyNamesRoundTrip(t *testing.T) {
	for _, key := range []string{"sessionguard:session:last_activity", "a/b\\c", "ünïcode"} {
		got, ok := keyFromFile(fileName(key))
		require.True(t, ok)
		assert.Equal(t, key, got)
	}

	_, ok := keyFromFile(".tmp-12345")
	assert.False(t, ok)
	_, ok = keyFromFile("notes.txt")
	assert.False(t, ok)
}

func TestRedisStore_RejectsEmptyValue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client)
	defer s.Close()

	err := s.Set(context.Background(), "k", nil)
	require.Error(t, err)
}

func TestRedisStore_UsesKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, WithKeyPrefix("app"))
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	got, err := mr.Get("app:k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	dir := t.TempDir()
	s, err = Open(Config{Driver: DriverFile, Dir: dir})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(Config{Driver: DriverSQLite, SQLitePath: filepath.Join(dir, "kv.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(Config{Driver: "etcd"})
	require.Error(t, err)

	_, err = Open(Config{Driver: DriverRedis, RedisURL: "not-a-url"})
	require.Error(t, err)
}

func TestCodec(t *testing.T) {
	type record struct {
		Attempts int    `json:"attempts"`
		Until    *int64 `json:"locked_until"`
	}

	data, err := Encode(record{Attempts: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"attempts":2,"locked_until":null}`, string(data))

	var got record
	require.NoError(t, Decode([]byte(`{"attempts":4,"locked_until":1700000000000}`), &got))
	assert.Equal(t, 4, got.Attempts)
	require.NotNil(t, got.Until)
	assert.Equal(t, int64(1700000000000), *got.Until)

	assert.Error(t, Decode([]byte(`{not json`), &got))
	assert.Error(t, Decode(nil, &got))
}

func TestFailureReporter_ThrottlesLogsButCountsAll(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := metrics.New(nil)
	r := NewFailureReporter(zap.New(core), m, time.Hour)

	for i := 0; i < 5; i++ {
		r.Report("set", "k", errors.New("boom"))
	}

	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, 5.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("set")))
}
