// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps values in redis and publishes every change on a per-key
// channel, so trackers in different processes or hosts see each other's
// writes. An empty payload on the channel means the key was deleted.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool
	subs      *subscribers
	logger    *zap.Logger

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
	wg      sync.WaitGroup
	closed  bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{
		client:    client,
		keyPrefix: o.keyPrefix,
		subs:      newSubscribers(),
		logger:    o.logger.Named("redisstore"),
		pubsubs:   make(map[string]*redis.PubSub),
	}
}

// NewRedisStoreFromURL parses a redis:// URL and owns the resulting client.
func NewRedisStoreFromURL(url string, opts ...Option) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	s := NewRedisStore(redis.NewClient(options), opts...)
	s.ownClient = true
	return s, nil
}

func (r *RedisStore) dataKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + ":" + key
}

func (r *RedisStore) channel(key string) string {
	if r.keyPrefix == "" {
		return "changed:" + key
	}
	return r.keyPrefix + ":changed:" + key
}

func (r *RedisStore) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Get fetches key.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	val, err := r.client.Get(ctx, r.dataKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: redis get %q: %w", key, err)
	}
	return val, nil
}

// Set writes key and publishes the new value in one transaction.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	if len(value) == 0 {
		return fmt.Errorf("store: redis set %q: empty values are reserved for deletes", key)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.dataKey(key), value, 0)
		pipe.Publish(ctx, r.channel(key), value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes key and publishes an empty payload.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if r.isClosed() {
		return ErrClosed
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.dataKey(key))
		pipe.Publish(ctx, r.channel(key), "")
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: redis delete %q: %w", key, err)
	}
	return nil
}

// Subscribe registers fn. The first handler for a key opens a dedicated
// pub/sub connection and waits for the server to confirm the subscription,
// so writes made after Subscribe returns are never missed.
func (r *RedisStore) Subscribe(key string, fn ChangeFunc) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	if _, ok := r.pubsubs[key]; !ok {
		ctx := context.Background()
		ps := r.client.Subscribe(ctx, r.channel(key))
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, fmt.Errorf("store: redis subscribe %q: %w", key, err)
		}
		r.pubsubs[key] = ps
		r.wg.Add(1)
		go r.listen(key, ps)
	}

	id, _ := r.subs.add(key, fn)
	return cancelOnce(func() { r.unsubscribe(key, id) }), nil
}

// unsubscribe drops the handler and, with it the last one, the key's
// pub/sub. Both happen under r.mu so a concurrent Subscribe either keeps the
// old connection or opens a new one.
func (r *RedisStore) unsubscribe(key string, id uint64) {
	r.mu.Lock()
	if !r.subs.remove(key, id) {
		r.mu.Unlock()
		return
	}
	ps, ok := r.pubsubs[key]
	delete(r.pubsubs, key)
	r.mu.Unlock()

	if ok {
		if err := ps.Close(); err != nil {
			r.logger.Debug("close pubsub", zap.String("key", key), zap.Error(err))
		}
	}
}

func (r *RedisStore) listen(key string, ps *redis.PubSub) {
	defer r.wg.Done()

	for msg := range ps.Channel() {
		if msg.Payload == "" {
			r.subs.notify(key, nil)
			continue
		}
		r.subs.notify(key, []byte(msg.Payload))
	}
}

// Close shuts down all subscriptions, and the client if the store created it.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pubsubs := r.pubsubs
	r.pubsubs = make(map[string]*redis.PubSub)
	r.mu.Unlock()

	var errs []error
	for key, ps := range pubsubs {
		if err := ps.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub %q: %w", key, err))
		}
	}
	r.wg.Wait()

	if r.ownClient {
		if err := r.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
